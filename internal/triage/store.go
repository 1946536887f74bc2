package triage

import "context"

// Store is the durable partition store. Every write touches exactly one
// partition; there is no whole-store save.
type Store interface {
	// Get returns the partition, or an empty one if it was never written.
	Get(ctx context.Context, key string) (Partition, error)
	// PutOne upserts only the named partition and returns what was committed.
	PutOne(ctx context.Context, key string, kept, rejected []Item) (Partition, error)
	// DeleteOne removes only the named partition.
	DeleteOne(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report reachability without
// touching a partition.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OffsetStore persists each partition's catalog resume offset.
type OffsetStore interface {
	GetOffset(ctx context.Context, key string) (int, error)
	PutOffset(ctx context.Context, key string, offset int) error
}

// Mirror is a best-effort local copy of partitions, read only when the Store
// is unreachable. Entries written while the store was down are dirty until a
// resync pushes them back.
type Mirror interface {
	Get(ctx context.Context, key string) (Partition, bool, error)
	Put(ctx context.Context, p Partition, dirty bool) error
	// Refresh stores p as a clean entry unless the entry for p.Key is dirty,
	// and reports whether it wrote.
	Refresh(ctx context.Context, p Partition) (bool, error)
	Delete(ctx context.Context, key string) error
	Dirty(ctx context.Context) ([]Partition, error)
	MarkClean(ctx context.Context, key string) error
}

// Catalog is the external, read-only, paginated catalog.
type Catalog interface {
	// ListByPartition returns up to limit items at offset; an empty slice means
	// there are no more items.
	ListByPartition(ctx context.Context, key string, offset, limit int) ([]Item, error)
	Search(ctx context.Context, name string, limit int) ([]Item, error)
}

// PlatformLister is implemented by catalogs that can enumerate partitions.
type PlatformLister interface {
	ListPlatforms(ctx context.Context) ([]Platform, error)
}
