package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/castline/internal/observability"
	"github.com/danmuck/castline/internal/protocol/frame"
	"github.com/danmuck/castline/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrAlreadyServing = errors.New("broadcast: socket already has a live server")

// Service is the broadcast server runtime.
type Service struct {
	cfg    ServiceConfig
	hub    *Hub
	pool   *WriterPool
	tracer trace.Tracer

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
	handlers sync.WaitGroup

	clientCount atomic.Int64
	closeOnce   sync.Once
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg = cfg.withDefaults()
	hub := NewHub(cfg.SubscriberBuffer)
	if cfg.Redis.Enabled() {
		hub.AddSink(NewRedisSink(cfg.Redis))
	}
	return &Service{
		cfg:    cfg,
		hub:    hub,
		pool:   NewWriterPool(cfg.MaxWriters, cfg.MaxRecordBytes, hub),
		tracer: otel.Tracer("github.com/danmuck/castline/internal/broadcast"),
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) Pool() *WriterPool {
	return s.pool
}

// RunContext listens on the configured socket and serves until ctx is done.
func (s *Service) RunContext(ctx context.Context) error {
	defer s.Close()
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("socket", s.cfg.SocketPath).
		Bool("enabled", s.cfg.Enabled).
		Int("max_writers", s.cfg.MaxWriters).
		Msg("broadcast.Service.RunContext listening")
	return s.Serve(ctx, ln)
}

// Close stops all writers and closes the hub and its sinks.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.pool.Close(), s.hub.Close())
	})
	return err
}

func (s *Service) listen() (*net.UnixListener, error) {
	path := s.cfg.SocketPath
	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, s.cfg.Session.ConnectTimeout)
		if dialErr == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyServing, path)
		}
		log.Warn().Str("socket", path).Msg("broadcast.Service.listen removing stale socket")
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve accepts registration connections on ln until ctx is done. It returns
// once every in-flight handler has finished.
func (s *Service) Serve(ctx context.Context, ln *net.UnixListener) error {
	stop := context.AfterFunc(ctx, func() {
		s.closeAllConns()
		_ = ln.Close()
	})
	defer func() {
		stop()
		_ = ln.Close()
		s.closeAllConns()
		s.handlers.Wait()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.handlers.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Service) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	start := time.Now()
	active := s.clientCount.Add(1)
	defer s.clientCount.Add(-1)

	_, span := s.tracer.Start(ctx, "broadcast.Service.handleConn")
	defer span.End()

	cred, credErr := peerCredentials(conn)
	logger := log.With().Int32("peer_pid", cred.PID).Uint32("peer_uid", cred.UID).Logger()
	logger.Debug().Int64("active_clients", active).Msg("broadcast.handleConn client connected")

	if deadline := session.Deadline(time.Now(), s.cfg.Session.HandshakeTimeout, time.Time{}, false); !deadline.IsZero() {
		_ = conn.SetReadDeadline(deadline)
	}
	var (
		messageID uint64
		empty     bool
	)
	res, w := func() (session.RegisterResult, *Writer) {
		fr, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if errors.Is(err, io.EOF) {
			empty = true
			return session.RegisterResult{}, nil
		}
		if err != nil {
			return invalidRequest(err)
		}
		messageID = fr.Header.MessageID
		req, err := session.DecodeRegisterFrame(fr)
		if err != nil {
			return invalidRequest(err)
		}
		span.SetAttributes(
			attribute.String("castline.channel_key", req.Root.Key()),
			attribute.Int("castline.root_len", len(req.Root)),
			attribute.String("castline.client_name", req.ClientName),
		)
		return s.handleRegistration(req, cred, credErr)
	}()
	if empty {
		// Reachability checks dial and hang up without a request.
		logger.Debug().Msg("broadcast.handleConn closed before request")
		return
	}

	if err := s.sendResult(conn, messageID, res, w); err != nil {
		logger.Warn().Err(err).Str("status", session.StatusName(res.Status)).Msg("broadcast.handleConn send result failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "send result")
		if w != nil {
			s.pool.Abort(w)
		}
		observability.RecordRegistration(session.StatusName(session.StatusServerErrored), session.CodeInternal, time.Since(start))
		return
	}
	if w != nil {
		s.pool.Activate(w)
	}
	span.SetAttributes(attribute.String("castline.status", session.StatusName(res.Status)), attribute.Int64("castline.code", int64(res.Code)))
	observability.RecordRegistration(session.StatusName(res.Status), res.Code, time.Since(start))

	ev := logger.Info()
	if res.Status != session.StatusRegistered {
		ev = logger.Warn()
	}
	ev.Str("status", session.StatusName(res.Status)).
		Uint32("code", res.Code).
		Str("writer_id", res.WriterID).
		Str("channel", res.ChannelKey).
		Str("message", res.Message).
		Msg("broadcast.handleConn registration answered")
}

// handleRegistration classifies one request. A non-nil writer is returned
// only with StatusRegistered.
func (s *Service) handleRegistration(req session.RegisterRequest, cred session.PeerCred, credErr error) (session.RegisterResult, *Writer) {
	if !s.cfg.Enabled {
		return reject(session.StatusNotSupported, session.CodeDisabled, "registration disabled"), nil
	}
	if err := s.cfg.Session.Peer.Permit(cred, credErr); err != nil {
		return reject(session.StatusNotSupported, session.CodePeerDenied, err.Error()), nil
	}
	if s.cfg.MaxRootLen > 0 && len(req.Root) > s.cfg.MaxRootLen {
		return reject(
			session.StatusNotSupported,
			session.CodeRootTooLong,
			fmt.Sprintf("root length %d exceeds %d", len(req.Root), s.cfg.MaxRootLen),
		), nil
	}
	w, err := s.pool.Allocate(req.Root)
	switch {
	case err == nil:
	case errors.Is(err, ErrPoolExhausted):
		return reject(session.StatusBroadcastWriterSetupErrored, session.CodePoolExhausted, err.Error()), nil
	case errors.Is(err, ErrWriterSetup):
		return reject(session.StatusBroadcastWriterSetupErrored, session.CodeWriterFailed, err.Error()), nil
	default:
		return reject(session.StatusServerErrored, session.CodeInternal, err.Error()), nil
	}
	return session.RegisterResult{
		Status:     session.StatusRegistered,
		Code:       session.CodeOK,
		Message:    "registered",
		WriterID:   w.ID,
		ChannelKey: w.ChannelKey,
	}, w
}

// sendResult writes the result frame. With a writer, its write end rides on
// the same sendmsg as SCM_RIGHTS.
func (s *Service) sendResult(conn *net.UnixConn, messageID uint64, res session.RegisterResult, w *Writer) error {
	payload, err := session.EncodeResultFrame(messageID, res)
	if err != nil {
		return err
	}
	var oob []byte
	if w != nil {
		if oob, err = rightsFor(w.WriteEnd()); err != nil {
			return err
		}
	}
	if deadline := session.Deadline(time.Now(), s.cfg.Session.WriteTimeout, time.Time{}, false); !deadline.IsZero() {
		_ = conn.SetWriteDeadline(deadline)
	}
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return err
	}
	if oobn != len(oob) {
		return fmt.Errorf("short control write: %d of %d", oobn, len(oob))
	}
	if n < len(payload) {
		if _, err := conn.Write(payload[n:]); err != nil {
			return err
		}
	}
	return nil
}

func reject(status uint8, code uint32, message string) session.RegisterResult {
	return session.RegisterResult{Status: status, Code: code, Message: message}
}

func invalidRequest(err error) (session.RegisterResult, *Writer) {
	if errors.Is(err, frame.ErrShortHeader) || errors.Is(err, io.ErrUnexpectedEOF) {
		return reject(session.StatusServerErrored, session.CodeInvalidRequest, "incomplete request"), nil
	}
	return reject(session.StatusServerErrored, session.CodeInvalidRequest, err.Error()), nil
}

// trackConn registers conn and its handler. It refuses once Serve is draining.
func (s *Service) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.draining {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.draining = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}
