package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport defaults shared by client and server.
// A zero timeout disables that deadline.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig
	Peer             PeerPolicy
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     3 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations and backoff from DefaultConfig.
// Negative timeouts are kept and mean "no deadline".
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Deadline returns now+d bounded by ctxDeadline, or zero time when neither applies.
func Deadline(now time.Time, d time.Duration, ctxDeadline time.Time, hasCtx bool) time.Time {
	var deadline time.Time
	if d > 0 {
		deadline = now.Add(d)
	}
	if hasCtx && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}
