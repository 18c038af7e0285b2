package register

import (
	"context"
	"math/rand"
	"time"

	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/protocol/session"
)

// RegisterWithBackoff calls Register up to attempts times, retrying only
// BroadcastWriterSetupErrored with the client's backoff policy. Other
// outcomes, and the last attempt's outcome, are returned unchanged.
func RegisterWithBackoff(ctx context.Context, c *Client, r root.Descriptor, attempts int) Outcome {
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var out Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		out = c.Register(ctx, r)
		if out.Status() != BroadcastWriterSetupErrored || attempt == attempts {
			return out
		}
		if err := session.SleepContext(ctx, session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, rng)); err != nil {
			return out
		}
	}
	return out
}
