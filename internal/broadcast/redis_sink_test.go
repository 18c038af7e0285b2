package broadcast

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/castline/internal/testutil/testlog"
)

func TestRedisSinkChannelName(t *testing.T) {
	testlog.Start(t)
	sink := NewRedisSink(RedisSinkConfig{Addr: "127.0.0.1:6379", ChannelPrefix: "castline:"})
	defer sink.Close()
	if got := sink.Channel("0000000a"); got != "castline:0000000a" {
		t.Fatalf("unexpected channel: %q", got)
	}
}

func TestRedisSinkDeliverUnreachable(t *testing.T) {
	testlog.Start(t)
	// Nothing listens on port 1.
	sink := NewRedisSink(RedisSinkConfig{Addr: "127.0.0.1:1"})
	defer sink.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Deliver(ctx, Record{ChannelKey: "-", Data: []byte("x")}); err == nil {
		t.Fatalf("expected delivery error for unreachable redis")
	}
	if err := sink.Ping(ctx); err == nil {
		t.Fatalf("expected ping error for unreachable redis")
	}
}

func TestServiceWiresRedisSinkWhenConfigured(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	svc := NewServiceWithConfig(cfg)
	defer svc.Close()
	if len(svc.Hub().sinks) != 1 {
		t.Fatalf("expected redis sink on hub, got %d sinks", len(svc.Hub().sinks))
	}
	plain := NewServiceWithConfig(DefaultServiceConfig())
	defer plain.Close()
	if len(plain.Hub().sinks) != 0 {
		t.Fatalf("expected no sinks without redis addr")
	}
}

// silentListener accepts TCP connections and never answers on them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisSinkUnresponsiveServerDoesNotStallRelay(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(4, NewRedisSink(RedisSinkConfig{Addr: silentListener(t), ChannelPrefix: "castline:"}))
	hub.sinkTimeout = 100 * time.Millisecond
	sub := hub.Subscribe("k")

	start := time.Now()
	for i := 0; i < 16; i++ {
		hub.Publish(Record{ChannelKey: "k", Data: []byte("x")})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish stalled behind redis: %v", elapsed)
	}
	if got := len(sub.C()); got != 4 {
		t.Fatalf("subscriber should still receive records, buffered=%d", got)
	}

	closed := make(chan error, 1)
	go func() { closed <- hub.Close() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("hub close waited on unresponsive redis")
	}
}
