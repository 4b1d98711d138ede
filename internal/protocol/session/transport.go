package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedNetwork = errors.New("session: unsupported network")

// Endpoint names where a session is dialed or served.
type Endpoint struct {
	// Network is tcp, tls, unix, ws or wss.
	Network string
	// Address is host:port, a socket path, or a full URL for ws and wss.
	Address string
}

func (e Endpoint) String() string {
	switch e.Network {
	case "ws", "wss":
		return e.Address
	default:
		return e.Network + "://" + e.Address
	}
}

// ParseEndpoint accepts scheme://address forms. A bare host:port is tcp.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("session: empty endpoint")
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Endpoint{Network: "tcp", Address: raw}, nil
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "tcp", "tls", "unix":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("session: endpoint %q has no address", raw)
		}
		return Endpoint{Network: scheme, Address: rest}, nil
	case "ws", "wss":
		if _, err := url.Parse(raw); err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Network: scheme, Address: raw}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, scheme)
	}
}

// Listen opens a stream listener. tcp uses TLS when cfg enables it; tls always does.
func Listen(ep Endpoint, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	switch ep.Network {
	case "unix":
		return net.Listen("unix", ep.Address)
	case "tls":
		cfg.TLS.Enabled = true
	case "tcp":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, ep.Network)
	}
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", ep.Address)
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", ep.Address, tlsCfg)
}

// Dial connects to ep, retrying with backoff up to cfg.MaxConnectAttempts.
// A negative attempt limit retries until ctx is done.
func Dial(ctx context.Context, ep Endpoint, cfg Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; cfg.MaxConnectAttempts < 0 || attempt <= cfg.MaxConnectAttempts; attempt++ {
		conn, err := dialOnce(ctx, ep, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrUnsupportedNetwork) || isConfigErr(err) {
			return nil, err
		}
		log.Debug().Err(err).Str("endpoint", ep.String()).Int("attempt", attempt).Msg("session dial failed")
		if cfg.MaxConnectAttempts >= 0 && attempt == cfg.MaxConnectAttempts {
			break
		}
		if err := cfg.Backoff.Sleep(ctx, attempt, rng); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, ep Endpoint, cfg Config) (Conn, error) {
	switch ep.Network {
	case "unix":
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		raw, err := dialer.DialContext(ctx, "unix", ep.Address)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(raw, TransportUnix, cfg.MaxFrameBytes), nil
	case "tls":
		cfg.TLS.Enabled = true
		return dialStream(ctx, ep.Address, cfg)
	case "tcp":
		return dialStream(ctx, ep.Address, cfg)
	case "ws", "wss":
		return DialWebSocket(ctx, ep.Address, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, ep.Network)
	}
}

func dialStream(ctx context.Context, address string, cfg Config) (Conn, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewStreamConn(raw, TransportTCP, cfg.MaxFrameBytes), nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewStreamConn(conn, TransportTLS, cfg.MaxFrameBytes), nil
}

// DialWebSocket opens a websocket session at rawURL.
func DialWebSocket(ctx context.Context, rawURL string, cfg Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if u.Scheme == "wss" {
		tlsCfg, err := cfg.ClientTLSConfig(u.Host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.HandshakeTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, cfg.MaxFrameBytes), nil
}

func isConfigErr(err error) bool {
	for _, target := range []error{
		ErrInvalidSecurityMode,
		ErrTLSRequired,
		ErrTLSCertFileRequired,
		ErrTLSKeyFileRequired,
		ErrTLSInsecureSkipNotAllow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Acceptor runs a session per accepted connection and tracks them for shutdown.
type Acceptor struct {
	cfg     Config
	factory Factory

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

func NewAcceptor(cfg Config, factory Factory) *Acceptor {
	return &Acceptor{
		cfg:      cfg.WithDefaults(),
		factory:  factory,
		sessions: make(map[*Session]struct{}),
	}
}

// Serve accepts until ctx is done or ln fails. Sessions still open when it
// returns have been closed.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	if a.factory == nil {
		return ErrNilFactory
	}
	ctx, cancel := context.WithCancel(ctx)
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer a.Close()
	defer cancel()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			conn, err := a.upgrade(raw)
			if err != nil {
				log.Warn().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("session rejected")
				_ = raw.Close()
				return
			}
			_ = a.run(ctx, conn)
		}()
	}
}

// ServeConn runs one session on an already framed connection and blocks until it ends.
func (a *Acceptor) ServeConn(ctx context.Context, conn Conn) error {
	if a.factory == nil {
		_ = conn.Close()
		return ErrNilFactory
	}
	a.wg.Add(1)
	defer a.wg.Done()
	return a.run(ctx, conn)
}

func (a *Acceptor) run(ctx context.Context, conn Conn) error {
	s, err := New(conn, a.cfg, a.factory)
	if err != nil {
		return err
	}
	a.track(s)
	defer a.untrack(s)
	return s.Run(ctx)
}

// upgrade frames an accepted connection, completing the TLS handshake first.
func (a *Acceptor) upgrade(raw net.Conn) (Conn, error) {
	if _, ok := raw.(*net.UnixConn); ok {
		return NewStreamConn(raw, TransportUnix, a.cfg.MaxFrameBytes), nil
	}
	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		if NormalizeSecurityMode(a.cfg.SecurityMode) == SecurityModeProduction {
			return nil, ErrTLSRequired
		}
		return NewStreamConn(raw, TransportTCP, a.cfg.MaxFrameBytes), nil
	}

	_ = tlsConn.SetDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()
	var peer string
	if len(state.PeerCertificates) > 0 {
		peer = peerIdentity(state.PeerCertificates[0])
	}
	if a.cfg.TLS.Mutual && peer == "" {
		return nil, ErrMTLSRequired
	}
	conn := newStreamConn(tlsConn, TransportTLS, a.cfg.MaxFrameBytes)
	conn.peer = peer
	return conn, nil
}

// Sessions snapshots the sessions currently running.
func (a *Acceptor) Sessions() []Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Info, 0, len(a.sessions))
	for s := range a.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Close ends every tracked session and waits for their goroutines.
func (a *Acceptor) Close() {
	a.mu.Lock()
	for s := range a.sessions {
		_ = s.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Acceptor) track(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s] = struct{}{}
}

func (a *Acceptor) untrack(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, s)
}
