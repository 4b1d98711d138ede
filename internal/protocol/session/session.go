package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session: closed")
	ErrNilFactory    = errors.New("session: nil application factory")
)

// Application consumes complete frames for one session. A returned error
// closes the connection.
type Application interface {
	Receive(ctx context.Context, line []byte) error
}

// Closer is implemented by applications that release state when their session ends.
type Closer interface {
	SessionClosed(err error)
}

// Sender is the write half a session exposes to its application.
type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
	ID() string
}

// Factory builds the application bound to a new session. It runs before the
// first frame is read, so frames it sends precede any reply.
type Factory func(s *Session) (Application, error)

// Info is a point-in-time description of a session.
type Info struct {
	ID         string
	Transport  string
	RemoteAddr string
	Peer       string
	OpenedAt   time.Time
}

// Session owns one connection and the application built for it.
type Session struct {
	id     string
	conn   Conn
	cfg    Config
	app    Application
	log    zerolog.Logger
	opened time.Time
	peer   string

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// New binds conn to the application produced by factory.
func New(conn Conn, cfg Config, factory Factory) (*Session, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	cfg = cfg.WithDefaults()
	id := uuid.NewString()
	s := &Session{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		log:    observability.SessionLogger(id, conn.Transport(), conn.RemoteAddr()),
		opened: time.Now(),
		done:   make(chan struct{}),
	}
	if p, ok := conn.(interface{ Peer() string }); ok {
		s.peer = p.Peer()
	}
	observability.SessionOpened(conn.Transport())
	app, err := factory(s)
	if err != nil {
		s.finish(err)
		return nil, err
	}
	if app == nil {
		err := fmt.Errorf("session: factory returned nil application")
		s.finish(err)
		return nil, err
	}
	s.app = app
	s.log.Debug().Msg("session opened")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) Logger() zerolog.Logger {
	return s.log
}

func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		Transport:  s.conn.Transport(),
		RemoteAddr: s.conn.RemoteAddr(),
		Peer:       s.peer,
		OpenedAt:   s.opened,
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended, nil for a clean close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Send writes one frame. Concurrent sends are serialized in lock order.
func (s *Session) Send(ctx context.Context, f protocol.Frame) error {
	line, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if len(line) > s.cfg.MaxFrameBytes+1 {
		return protocol.ErrFrameTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.WriteFrame(line, deadline); err != nil {
		s.log.Warn().Err(err).Str("mtype", string(f.MType)).Msg("session write failed")
		go s.Close()
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	observability.RecordFrame(observability.DirectionOut, observability.MTypeLabel(string(f.MType), protocol.Known(f.MType)))
	s.log.Trace().Str("mtype", string(f.MType)).Uint64("token", uint64(f.Token)).Msg("frame sent")
	return nil
}

// Run reads frames and hands each to the application until the connection
// ends or ctx is cancelled. A peer hang-up between frames is a clean exit.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	err := s.loop(ctx)
	if ctx.Err() != nil || isClosedErr(err) {
		err = nil
	}
	s.finish(err)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		line, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				observability.RecordProtocolFault("frame_too_large")
				s.log.Warn().Int("limit", s.cfg.MaxFrameBytes).Msg("frame exceeds limit, closing session")
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := s.app.Receive(ctx, line); err != nil {
			s.log.Warn().Err(err).Msg("application closed session")
			return err
		}
	}
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.finish(nil)
	return nil
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
		observability.SessionClosed(s.conn.Transport())
		if c, ok := s.app.(Closer); ok {
			c.SessionClosed(err)
		}
		ev := s.log.Debug()
		if err != nil {
			ev = s.log.Warn().Err(err)
		}
		ev.Dur("uptime", time.Since(s.opened)).Msg("session closed")
	})
}

func isClosedErr(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrSessionClosed)
}
