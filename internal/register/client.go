// Package register is the registration client: one synchronous exchange
// with the broadcast server that yields either an owned channel or a
// classified failure.
//
// The package keeps no state between calls, never retries inside Register
// and never logs. Every failure becomes an Outcome.
package register

import (
	"context"
	"errors"
	"strings"

	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/protocol/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSocketPath = "/tmp/castline.socket"

var (
	ErrDial                = errors.New("register: dial broadcast server")
	ErrExchange            = errors.New("register: exchange with broadcast server")
	ErrProtocol            = errors.New("register: protocol violation")
	ErrDescriptorCount     = errors.New("register: unexpected descriptor count")
	ErrUnsupportedPlatform = errors.New("register: descriptor passing not supported on this platform")
	ErrSpawn               = errors.New("register: spawn broadcast server")
	ErrNoOutcome           = errors.New("register: outcome holds no result")
)

// ClientConfig configures how the client reaches the broadcast server.
type ClientConfig struct {
	SocketPath string
	ClientName string
	Session    session.Config
	// Spawn, when set, is the server command started if nothing answers on SocketPath.
	Spawn []string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SocketPath: DefaultSocketPath,
		Session:    session.DefaultConfig(),
	}
}

type Client struct {
	cfg    ClientConfig
	tracer trace.Tracer
}

func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/danmuck/castline/internal/register"),
	}
}

func (c *Client) Config() ClientConfig {
	return c.cfg
}

// Register asks the broadcast server for a writer on r. r is only read.
// Exactly one Status is returned; a Channel accompanies Registered only and
// the caller owns it from then on.
func (c *Client) Register(ctx context.Context, r root.Descriptor) Outcome {
	ctx, span := c.tracer.Start(ctx, "register.Client.Register",
		trace.WithAttributes(attribute.Int("castline.root_len", len(r))),
	)
	defer span.End()

	var out Outcome
	if len(c.cfg.Spawn) > 0 {
		if err := EnsureServer(ctx, c.cfg.SocketPath, c.cfg.Spawn, c.cfg.Session); err != nil {
			out = serverErrored(err)
		}
	}
	if out.err == nil {
		out = c.exchange(ctx, r)
	}

	span.SetAttributes(attribute.String("castline.status", out.status.String()))
	if ch, ok := out.Channel(); ok {
		span.SetAttributes(attribute.String("castline.channel_key", ch.ChannelKey()))
	} else if out.err != nil {
		span.RecordError(out.err)
	}
	return out
}
