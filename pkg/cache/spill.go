package cache

import "context"

// SpillStore is the secondary tier that receives entries evicted from memory.
//
// Implementations enforce their own byte budget by discarding least recently
// used entries; discarded entries are gone for good. Implementations must be
// safe for concurrent use.
type SpillStore interface {
	// Name identifies the tier in metrics, logs and observer events.
	Name() string

	// Get returns the entry for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (*CachedResponse, error)

	// Put stores entry and returns the keys discarded to stay within budget.
	// An entry that alone exceeds the budget is discarded and its own key returned.
	Put(ctx context.Context, entry *CachedResponse) ([]string, error)

	// Remove deletes the entry for key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear deletes every entry.
	Clear(ctx context.Context) error

	// Usage returns the bytes accounted to the tier.
	Usage() int64

	// Len returns the number of entries.
	Len() int

	// Close releases resources held by the tier.
	Close() error
}
