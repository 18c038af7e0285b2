//go:build unix

package register

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/danmuck/castline/internal/protocol/frame"
	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/protocol/session"
	"golang.org/x/sys/unix"
)

// Room for more descriptors than the protocol allows so extras are seen and closed.
const maxReceivedFDs = 4

func (c *Client) exchange(ctx context.Context, r root.Descriptor) Outcome {
	messageID := rand.Uint64() | 1
	payload, err := session.EncodeRegisterFrame(messageID, session.RegisterRequest{
		Root:       r,
		ClientPID:  uint32(os.Getpid()),
		ClientName: c.cfg.ClientName,
	})
	if err != nil {
		return serverErrored(fmt.Errorf("%w: encode request: %v", ErrProtocol, err))
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return serverErrored(withContext(ctx, fmt.Errorf("%w: %v", ErrDial, err)))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	ctxDeadline, hasCtx := ctx.Deadline()
	now := time.Now()
	_ = conn.SetWriteDeadline(session.Deadline(now, c.cfg.Session.WriteTimeout, ctxDeadline, hasCtx))
	if _, err := conn.Write(payload); err != nil {
		return serverErrored(withContext(ctx, fmt.Errorf("%w: write request: %v", ErrExchange, err)))
	}
	_ = conn.SetReadDeadline(session.Deadline(now, c.cfg.Session.HandshakeTimeout, ctxDeadline, hasCtx))

	fr, fds, err := readResult(conn)
	if err != nil {
		closeFDs(fds)
		return serverErrored(withContext(ctx, err))
	}
	return classify(messageID, fr, fds)
}

func (c *Client) dial(ctx context.Context) (*net.UnixConn, error) {
	d := net.Dialer{}
	if c.cfg.Session.ConnectTimeout > 0 {
		d.Timeout = c.cfg.Session.ConnectTimeout
	}
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected conn type %T", conn)
	}
	return uc, nil
}

// readResult reads until one complete frame is buffered, collecting every
// descriptor delivered alongside it.
func readResult(conn *net.UnixConn) (frame.Frame, []int, error) {
	var (
		buf   []byte
		fds   []int
		chunk = make([]byte, 4096)
		oob   = make([]byte, unix.CmsgSpace(4*maxReceivedFDs))
	)
	for {
		n, oobn, flags, _, err := conn.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			got, perr := parseRights(oob[:oobn])
			fds = append(fds, got...)
			if perr != nil {
				return frame.Frame{}, fds, fmt.Errorf("%w: control message: %v", ErrProtocol, perr)
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return frame.Frame{}, fds, fmt.Errorf("%w: control message truncated", ErrDescriptorCount)
		}
		buf = append(buf, chunk[:n]...)

		fr, ferr := frame.ReadFrame(bytes.NewReader(buf), frame.DefaultLimits())
		if ferr == nil {
			return fr, fds, nil
		}
		if !incomplete(ferr) {
			return frame.Frame{}, fds, fmt.Errorf("%w: %v", ErrProtocol, ferr)
		}
		if err != nil {
			return frame.Frame{}, fds, fmt.Errorf("%w: read result: %v", ErrExchange, err)
		}
		if n == 0 && oobn == 0 {
			return frame.Frame{}, fds, fmt.Errorf("%w: read result: %v", ErrExchange, io.ErrUnexpectedEOF)
		}
	}
}

func classify(messageID uint64, fr frame.Frame, fds []int) Outcome {
	res, err := session.DecodeResultFrame(fr)
	if err != nil {
		closeFDs(fds)
		return serverErrored(fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if fr.Header.MessageID != messageID {
		closeFDs(fds)
		return serverErrored(fmt.Errorf("%w: message_id=%d want=%d", ErrProtocol, fr.Header.MessageID, messageID))
	}

	status := Status(res.Status)
	if status != Registered {
		if len(fds) != 0 {
			closeFDs(fds)
			return serverErrored(fmt.Errorf("%w: %d descriptors with status %s", ErrDescriptorCount, len(fds), status))
		}
		return Outcome{
			status:  status,
			code:    res.Code,
			message: res.Message,
			err:     &ResultError{Status: status, Code: res.Code, Message: res.Message},
		}
	}
	if len(fds) != 1 {
		closeFDs(fds)
		return serverErrored(fmt.Errorf("%w: %d descriptors with status %s", ErrDescriptorCount, len(fds), status))
	}
	unix.CloseOnExec(fds[0])
	return Outcome{
		status: Registered,
		channel: &Channel{
			file:       os.NewFile(uintptr(fds[0]), "castline:"+res.ChannelKey),
			writerID:   res.WriterID,
			channelKey: res.ChannelKey,
		},
		code:    res.Code,
		message: res.Message,
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func incomplete(err error) bool {
	return errors.Is(err, frame.ErrShortHeader) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// withContext attributes err to ctx when ctx ended first. The socket deadline
// can fire a moment before ctx records DeadlineExceeded.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
