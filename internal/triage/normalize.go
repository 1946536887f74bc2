package triage

// Normalize repairs a kept/rejected pair before it is written. Duplicate ids
// within a list collapse to their last occurrence (last write wins), and an
// id present in both lists stays in kept only. The returned slices are never nil.
func Normalize(kept, rejected []Item) ([]Item, []Item) {
	k := dedupLast(kept)
	inKept := make(map[int64]struct{}, len(k))
	for _, it := range k {
		inKept[it.ID] = struct{}{}
	}

	r := dedupLast(rejected)
	out := r[:0]
	for _, it := range r {
		if _, ok := inKept[it.ID]; ok {
			continue
		}
		out = append(out, it)
	}
	return k, out
}

// NormalizePartition applies Normalize to p's lists.
func NormalizePartition(p Partition) Partition {
	p.Kept, p.Rejected = Normalize(p.Kept, p.Rejected)
	return p
}

// mergeDirty folds a dirty mirror entry into the stored partition. The
// mirror's decision wins for every id it holds; ids only the store knows are
// kept as stored.
func mergeDirty(stored, local Partition) Partition {
	held := make(map[int64]struct{}, len(local.Kept)+len(local.Rejected))
	for _, it := range local.Kept {
		held[it.ID] = struct{}{}
	}
	for _, it := range local.Rejected {
		held[it.ID] = struct{}{}
	}
	only := func(items []Item) []Item {
		out := make([]Item, 0, len(items))
		for _, it := range items {
			if _, ok := held[it.ID]; !ok {
				out = append(out, it)
			}
		}
		return out
	}
	return NormalizePartition(Partition{
		Key:      local.Key,
		Kept:     append(only(stored.Kept), local.Kept...),
		Rejected: append(only(stored.Rejected), local.Rejected...),
	})
}

func dedupLast(items []Item) []Item {
	last := make(map[int64]int, len(items))
	for i, it := range items {
		last[it.ID] = i
	}
	out := make([]Item, 0, len(last))
	for i, it := range items {
		if last[it.ID] == i {
			out = append(out, it)
		}
	}
	return out
}

func removeItem(items []Item, id int64) ([]Item, Item, bool) {
	i := indexOf(items, id)
	if i < 0 {
		return items, Item{}, false
	}
	it := items[i]
	out := make([]Item, 0, len(items)-1)
	out = append(out, items[:i]...)
	out = append(out, items[i+1:]...)
	return out, it, true
}
