package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/castline/internal/broadcast"
)

// castd runtime settings beyond the broadcast service itself.
type daemonConfig struct {
	Service     broadcast.ServiceConfig
	MetricsAddr string
}

// castd config.toml key mapping.
type fileConfig struct {
	SocketPath         string   `toml:"socket_path"`
	SocketMode         string   `toml:"socket_mode"`
	Enabled            bool     `toml:"enabled"`
	MaxWriters         int      `toml:"max_writers"`
	MaxRootLen         int      `toml:"max_root_len"`
	SubscriberBuffer   int      `toml:"subscriber_buffer"`
	MaxRecordBytes     int      `toml:"max_record_bytes"`
	MetricsAddr        string   `toml:"metrics_addr"`
	HandshakeTimeout   string   `toml:"handshake_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	AllowedUIDs        []uint32 `toml:"allowed_uids"`
	AllowedGIDs        []uint32 `toml:"allowed_gids"`
	RedisAddr          string   `toml:"redis_addr"`
	RedisUsername      string   `toml:"redis_username"`
	RedisPassword      string   `toml:"redis_password"`
	RedisDB            int      `toml:"redis_db"`
	RedisChannelPrefix string   `toml:"redis_channel_prefix"`
}

// CASTD_* environment overrides, applied after the file.
type envConfig struct {
	SocketPath    *string `env:"CASTD_SOCKET_PATH"`
	Enabled       *bool   `env:"CASTD_ENABLED"`
	MaxWriters    *int    `env:"CASTD_MAX_WRITERS"`
	MaxRootLen    *int    `env:"CASTD_MAX_ROOT_LEN"`
	MetricsAddr   *string `env:"CASTD_METRICS_ADDR"`
	RedisAddr     *string `env:"CASTD_REDIS_ADDR"`
	RedisPassword *string `env:"CASTD_REDIS_PASSWORD"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{Service: broadcast.DefaultServiceConfig()}
}

// loadDaemonConfig overlays path (optional) and the environment on defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return daemonConfig{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return daemonConfig{}, err
	}
	if cfg.Service.MaxWriters <= 0 {
		return daemonConfig{}, fmt.Errorf("load castd config: max_writers must be positive, got %d", cfg.Service.MaxWriters)
	}
	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	return cfg, nil
}

func applyFile(cfg *daemonConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load castd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load castd config: unknown key %q", undecoded[0].String())
	}

	svc := &cfg.Service
	if meta.IsDefined("socket_path") {
		svc.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("socket_mode") {
		mode, err := strconv.ParseUint(strings.TrimSpace(raw.SocketMode), 8, 32)
		if err != nil {
			return fmt.Errorf("load castd config: socket_mode %q: %w", raw.SocketMode, err)
		}
		svc.SocketMode = os.FileMode(mode)
	}
	if meta.IsDefined("enabled") {
		svc.Enabled = raw.Enabled
	}
	if meta.IsDefined("max_writers") {
		svc.MaxWriters = raw.MaxWriters
	}
	if meta.IsDefined("max_root_len") {
		svc.MaxRootLen = raw.MaxRootLen
	}
	if meta.IsDefined("subscriber_buffer") {
		svc.SubscriberBuffer = raw.SubscriberBuffer
	}
	if meta.IsDefined("max_record_bytes") {
		svc.MaxRecordBytes = raw.MaxRecordBytes
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseTimeout("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return err
		}
		svc.Session.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseTimeout("write_timeout", raw.WriteTimeout)
		if err != nil {
			return err
		}
		svc.Session.WriteTimeout = d
	}
	if meta.IsDefined("allowed_uids") {
		svc.Session.Peer.AllowedUIDs = raw.AllowedUIDs
	}
	if meta.IsDefined("allowed_gids") {
		svc.Session.Peer.AllowedGIDs = raw.AllowedGIDs
	}
	if meta.IsDefined("redis_addr") {
		svc.Redis.Addr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_username") {
		svc.Redis.Username = raw.RedisUsername
	}
	if meta.IsDefined("redis_password") {
		svc.Redis.Password = raw.RedisPassword
	}
	if meta.IsDefined("redis_db") {
		svc.Redis.DB = raw.RedisDB
	}
	if meta.IsDefined("redis_channel_prefix") {
		svc.Redis.ChannelPrefix = raw.RedisChannelPrefix
	}
	return nil
}

func applyEnv(cfg *daemonConfig) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("load castd env: %w", err)
	}
	if raw.SocketPath != nil {
		cfg.Service.SocketPath = strings.TrimSpace(*raw.SocketPath)
	}
	if raw.Enabled != nil {
		cfg.Service.Enabled = *raw.Enabled
	}
	if raw.MaxWriters != nil {
		cfg.Service.MaxWriters = *raw.MaxWriters
	}
	if raw.MaxRootLen != nil {
		cfg.Service.MaxRootLen = *raw.MaxRootLen
	}
	if raw.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*raw.MetricsAddr)
	}
	if raw.RedisAddr != nil {
		cfg.Service.Redis.Addr = strings.TrimSpace(*raw.RedisAddr)
	}
	if raw.RedisPassword != nil {
		cfg.Service.Redis.Password = *raw.RedisPassword
	}
	return nil
}

// parseTimeout accepts Go durations; "0" or "off" disables the deadline.
func parseTimeout(key string, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "0" || strings.EqualFold(raw, "off") {
		return -1, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("load castd config: %s %q: expected positive duration or \"off\"", key, raw)
	}
	return d, nil
}
