//go:build unix

package register

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/castline/internal/protocol/frame"
	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/protocol/session"
	"github.com/danmuck/castline/internal/testutil/testlog"
	"golang.org/x/sys/unix"
)

// fakeServer answers one connection with respond and reports the request message id.
func fakeServer(t *testing.T, respond func(conn *net.UnixConn, messageID uint64)) *Client {
	t.Helper()
	path := socketPath(t)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
		fr, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if err != nil {
			t.Errorf("fake server read: %v", err)
			return
		}
		if _, err := session.DecodeRegisterFrame(fr); err != nil {
			t.Errorf("fake server decode: %v", err)
			return
		}
		respond(conn, fr.Header.MessageID)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})
	cfg := DefaultClientConfig()
	cfg.SocketPath = path
	cfg.Session.HandshakeTimeout = 2 * time.Second
	return NewClient(cfg)
}

func sendResult(t *testing.T, conn *net.UnixConn, messageID uint64, res session.RegisterResult, files ...*os.File) {
	t.Helper()
	payload, err := session.EncodeResultFrame(messageID, res)
	if err != nil {
		t.Errorf("encode result: %v", err)
		return
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := conn.WriteMsgUnix(payload, oob, nil); err != nil {
		t.Errorf("write result: %v", err)
	}
}

// expectReleased waits for EOF on r, which only happens once every copy of
// the paired write end is closed.
func expectReleased(t *testing.T, r *os.File) {
	t.Helper()
	_ = r.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := r.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("client kept the received descriptor open: %v", err)
	}
}

func TestRegisterDescriptorWithFailureStatusIsServerErrored(t *testing.T) {
	testlog.Start(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	sent := make(chan struct{})
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		defer close(sent)
		sendResult(t, conn, id, session.RegisterResult{
			Status: session.StatusNotSupported,
			Code:   session.CodeDisabled,
		}, w)
		_ = w.Close()
	})

	out := client.Register(context.Background(), root.Descriptor{1})
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), ErrDescriptorCount) {
		t.Fatalf("expected ErrDescriptorCount, got %v", out.Err())
	}
	<-sent
	expectReleased(t, r)
}

func TestRegisterRegisteredWithoutDescriptorIsServerErrored(t *testing.T) {
	testlog.Start(t)
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		sendResult(t, conn, id, session.RegisterResult{
			Status:   session.StatusRegistered,
			WriterID: "w-1",
		})
	})
	out := client.Register(context.Background(), nil)
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), ErrDescriptorCount) {
		t.Fatalf("expected ErrDescriptorCount, got %v", out.Err())
	}
}

func TestRegisterTwoDescriptorsAreBothClosed(t *testing.T) {
	testlog.Start(t)
	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r1.Close()
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r2.Close()
	sent := make(chan struct{})
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		defer close(sent)
		sendResult(t, conn, id, session.RegisterResult{
			Status:   session.StatusRegistered,
			WriterID: "w-1",
		}, w1, w2)
		_ = w1.Close()
		_ = w2.Close()
	})
	out := client.Register(context.Background(), nil)
	assertSentinel(t, out, ServerErrored)
	<-sent
	expectReleased(t, r1)
	expectReleased(t, r2)
}

func TestRegisterMessageIDMismatchIsServerErrored(t *testing.T) {
	testlog.Start(t)
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		sendResult(t, conn, id+1, session.RegisterResult{
			Status: session.StatusNotSupported,
			Code:   session.CodeDisabled,
		})
	})
	out := client.Register(context.Background(), nil)
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", out.Err())
	}
}

func TestRegisterServerClosesBeforeResponding(t *testing.T) {
	testlog.Start(t)
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		_ = conn.Close()
	})
	out := client.Register(context.Background(), root.Descriptor{3})
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", out.Err())
	}
}

func TestRegisterMalformedResponseIsServerErrored(t *testing.T) {
	testlog.Start(t)
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		garbage := make([]byte, frame.FixedHeaderLen)
		for i := range garbage {
			garbage[i] = 0xAB
		}
		_, _ = conn.Write(garbage)
	})
	out := client.Register(context.Background(), nil)
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", out.Err())
	}
}

func TestRegisterSplitResponseFrame(t *testing.T) {
	testlog.Start(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		payload, err := session.EncodeResultFrame(id, session.RegisterResult{
			Status:     session.StatusRegistered,
			WriterID:   "w-split",
			ChannelKey: "-",
		})
		if err != nil {
			t.Errorf("encode: %v", err)
			return
		}
		if _, _, err := conn.WriteMsgUnix(payload[:10], unix.UnixRights(int(w.Fd())), nil); err != nil {
			t.Errorf("write head: %v", err)
			return
		}
		_ = w.Close()
		time.Sleep(20 * time.Millisecond)
		_, _ = conn.Write(payload[10:])
	})
	out := client.Register(context.Background(), nil)
	ch, ok := out.Channel()
	if !ok {
		t.Fatalf("expected Registered, got %s %v", out.Status(), out.Err())
	}
	if ch.WriterID() != "w-split" {
		t.Fatalf("unexpected writer id: %q", ch.WriterID())
	}
	if _, err := ch.Write([]byte("x\n")); err != nil {
		t.Fatalf("write channel: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRegisterContextDeadline(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	client := fakeServer(t, func(conn *net.UnixConn, id uint64) {
		<-release
	})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := client.Register(ctx, nil)
	assertSentinel(t, out, ServerErrored)
	if !errors.Is(out.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", out.Err())
	}
}
