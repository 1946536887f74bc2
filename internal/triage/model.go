package triage

import "time"

// Cover references an item's cover artwork in the catalog's image service.
type Cover struct {
	ID      int64  `json:"id"`
	ImageID string `json:"image_id"`
}

// Item is a catalog entry. Items are values; only Collected changes, and only
// once the item sits in a partition's kept list.
type Item struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug,omitempty"`
	Cover     *Cover `json:"cover,omitempty"`
	Collected bool   `json:"collected,omitempty"`
}

// Partition is one platform's triage outcome. Kept and Rejected are
// insertion-ordered and an id lives in at most one of them.
type Partition struct {
	Key      string `json:"partition_key"`
	Kept     []Item `json:"kept"`
	Rejected []Item `json:"rejected"`
}

// Contains reports whether id is in either list.
func (p Partition) Contains(id int64) bool {
	return indexOf(p.Kept, id) >= 0 || indexOf(p.Rejected, id) >= 0
}

// Clone returns a deep copy so callers can mutate lists without aliasing.
func (p Partition) Clone() Partition {
	return Partition{
		Key:      p.Key,
		Kept:     cloneItems(p.Kept),
		Rejected: cloneItems(p.Rejected),
	}
}

// Platform is a catalog partition as listed by the catalog client.
type Platform struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

// Batch is the result of one Cursor.NextBatch call.
type Batch struct {
	Items        []Item `json:"items"`
	NewOffset    int    `json:"new_offset"`
	Exhausted    bool   `json:"exhausted"`
	PagesScanned int    `json:"pages_scanned"`
}

// ExternalItem is one entry of a foreign list submitted for reconciliation.
type ExternalItem struct {
	Name        string `json:"name" yaml:"name" xml:"name"`
	Description string `json:"desc,omitempty" yaml:"desc,omitempty" xml:"desc"`
	Developer   string `json:"developer,omitempty" yaml:"developer,omitempty" xml:"developer"`
	Publisher   string `json:"publisher,omitempty" yaml:"publisher,omitempty" xml:"publisher"`
	Genre       string `json:"genre,omitempty" yaml:"genre,omitempty" xml:"genre"`
	ReleaseDate string `json:"releasedate,omitempty" yaml:"releasedate,omitempty" xml:"releasedate"`
	Rating      string `json:"rating,omitempty" yaml:"rating,omitempty" xml:"rating"`
}

// Reconciliation records how one external item was matched. It is kept for
// audit and alerting only and never persisted.
type Reconciliation struct {
	External ExternalItem `json:"external"`
	Match    *Item        `json:"match,omitempty"`
	Score    float64      `json:"score"`
	Reason   string       `json:"reason,omitempty"`
	Err      error        `json:"-"`
}

// Matched reports whether the record produced an accepted match.
func (r Reconciliation) Matched() bool {
	return r.Err == nil && r.Match != nil
}

// ReconcileReport summarizes a reconcile import for one partition.
type ReconcileReport struct {
	Partition  string           `json:"partition"`
	Total      int              `json:"total"`
	Matched    int              `json:"matched"`
	Unmatched  int              `json:"unmatched"`
	Failed     int              `json:"failed"`
	Added      int              `json:"added"`
	Records    []Reconciliation `json:"records"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func indexOf(items []Item, id int64) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		if it.Cover != nil {
			c := *it.Cover
			it.Cover = &c
		}
		out[i] = it
	}
	return out
}
