package register

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/danmuck/castline/internal/protocol/session"
)

// EnsureServer starts argv when nothing answers on socketPath, then waits up
// to cfg.HandshakeTimeout for the socket to accept connections.
func EnsureServer(ctx context.Context, socketPath string, argv []string, cfg session.Config) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrSpawn)
	}
	cfg = cfg.WithDefaults()
	if reachable(ctx, socketPath, cfg.ConnectTimeout) {
		return nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	wait := cfg.HandshakeTimeout
	if wait <= 0 {
		wait = session.DefaultConfig().HandshakeTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for attempt := 1; ; attempt++ {
		if reachable(waitCtx, socketPath, cfg.ConnectTimeout) {
			return nil
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited before listening")
			}
			return fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
		default:
		}
		if err := session.SleepContext(waitCtx, session.NextBackoffDelay(cfg.Backoff, attempt, nil)); err != nil {
			return fmt.Errorf("%w: %s not listening on %s: %v", ErrSpawn, argv[0], socketPath, err)
		}
	}
}

func reachable(ctx context.Context, socketPath string, timeout time.Duration) bool {
	d := net.Dialer{}
	if timeout > 0 {
		d.Timeout = timeout
	}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
