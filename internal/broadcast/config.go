package broadcast

import (
	"os"

	"github.com/danmuck/castline/internal/protocol/session"
)

const DefaultSocketPath = "/tmp/castline.socket"

// RedisSinkConfig enables publishing relayed records to redis when Addr is set.
type RedisSinkConfig struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	ChannelPrefix string
}

func (c RedisSinkConfig) Enabled() bool {
	return c.Addr != ""
}

// ServiceConfig is the broadcast server configuration.
type ServiceConfig struct {
	SocketPath string
	SocketMode os.FileMode
	// Enabled=false answers every request with NotSupported.
	Enabled          bool
	MaxWriters       int
	MaxRootLen       int
	SubscriberBuffer int
	// MaxRecordBytes bounds one record, not counting its newline.
	MaxRecordBytes   int
	Session          session.Config
	Redis            RedisSinkConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SocketPath:       DefaultSocketPath,
		SocketMode:       0o660,
		Enabled:          true,
		MaxWriters:       64,
		MaxRootLen:       64,
		SubscriberBuffer: 256,
		MaxRecordBytes:   64 * 1024,
		Session:          session.DefaultConfig(),
		Redis: RedisSinkConfig{
			ChannelPrefix: "castline:",
		},
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if c.SocketPath == "" {
		c.SocketPath = def.SocketPath
	}
	if c.SocketMode == 0 {
		c.SocketMode = def.SocketMode
	}
	if c.MaxWriters <= 0 {
		c.MaxWriters = def.MaxWriters
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = def.MaxRecordBytes
	}
	c.Session = c.Session.WithDefaults()
	return c
}
