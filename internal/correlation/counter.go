package correlation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"abuse-guard/internal/schema"
	"abuse-guard/internal/store"
)

// Counter counts occurrences in sliding windows held in the shared store.
type Counter struct {
	client store.Client
}

// NewCounter creates a Counter over client.
func NewCounter(client store.Client) *Counter {
	return &Counter{client: client}
}

// Increment records one occurrence for (pattern, identifier) at now and
// returns how many occurrences fall within [now-window, now].
func (c *Counter) Increment(ctx context.Context, pattern, identifier string, now time.Time, window time.Duration) (int64, error) {
	return c.client.WindowAdd(ctx, store.WindowKey(pattern, identifier), uuid.NewString(), now, window)
}

// Observe records member in the shared window of a distinct pattern and
// returns how many distinct members were seen within [now-window, now].
// Re-observing a member refreshes its timestamp instead of adding to the
// count.
func (c *Counter) Observe(ctx context.Context, pattern, member string, now time.Time, window time.Duration) (int64, error) {
	return c.client.WindowAdd(ctx, store.WindowKey(pattern, schema.GlobalIdentifier), member, now, window)
}
