package bucket

import "context"

// Store persists buckets. Implementations must make UpdateCAS atomic with
// respect to the version field: the update applies only if the stored
// version still equals b.Version, otherwise ErrConflict is returned and
// the caller retries with fresh state.
type Store interface {
	// Get returns the bucket for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Bucket, error)

	// Create inserts a new bucket. If another writer created the same key
	// first, the already-stored bucket is returned (idempotent by key).
	Create(ctx context.Context, b *Bucket) (*Bucket, error)

	// UpdateCAS writes b if the stored version equals b.Version, bumping
	// the version by one. Returns ErrConflict on a lost race and
	// ErrNotFound if the bucket disappeared.
	UpdateCAS(ctx context.Context, b *Bucket) error
}
