package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/dispatch"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Identity is what the server announced in its identify frame.
type Identity struct {
	Server         string
	Specialization string
}

// HandlerFunc handles an extension message type on one client.
type HandlerFunc func(ctx context.Context, c *Client, f protocol.Frame) error

type options struct {
	requestTimeout time.Duration
	unknown        HandlerFunc
	handlers       map[protocol.MType]HandlerFunc
}

type Option func(*options)

// WithRequestTimeout bounds requests whose context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

func WithUnknownHandler(h HandlerFunc) Option {
	return func(o *options) {
		o.unknown = h
	}
}

// WithHandler registers an extension message type.
func WithHandler(mt protocol.MType, h HandlerFunc) Option {
	return func(o *options) {
		o.handlers[mt] = h
	}
}

// Client is the client-side application for one connection.
type Client struct {
	sender         session.Sender
	closer         io.Closer
	router         *dispatch.Router
	requestTimeout time.Duration
	log            zerolog.Logger

	tokens  atomic.Uint64
	pending *pendingTable
	updates *updateQueue

	mu      sync.Mutex
	objects map[protocol.ObjectID]*Object

	identity     Identity
	identified   chan struct{}
	identifyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a client that sends through sender. Extension handlers that
// collide with a core message type are rejected.
func New(sender session.Sender, opts ...Option) (*Client, error) {
	cfg := options{
		requestTimeout: session.DefaultConfig().RequestTimeout,
		handlers:       make(map[protocol.MType]HandlerFunc),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		sender:         sender,
		router:         dispatch.NewRouter(),
		requestTimeout: cfg.requestTimeout,
		log:            loggerFor(sender),
		pending:        newPendingTable(),
		updates:        newUpdateQueue(),
		objects:        make(map[protocol.ObjectID]*Object),
		identified:     make(chan struct{}),
		done:           make(chan struct{}),
	}
	if err := c.routes(cfg); err != nil {
		return nil, err
	}
	go c.dispatchUpdates()
	return c, nil
}

// Open runs a client session on conn until ctx is done or Close is called.
func Open(ctx context.Context, conn session.Conn, cfg session.Config, opts ...Option) (*Client, error) {
	var c *Client
	sess, err := session.New(conn, cfg, func(s *session.Session) (session.Application, error) {
		all := append([]Option{WithRequestTimeout(s.Config().RequestTimeout)}, opts...)
		cl, err := New(s, all...)
		if err != nil {
			return nil, err
		}
		cl.closer = s
		c = cl
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := sess.Run(ctx); err != nil {
			c.log.Warn().Err(err).Msg("client session ended")
		}
	}()
	return c, nil
}

// Dial connects to ep and opens a client on the connection. ctx bounds the
// dial only.
func Dial(ctx context.Context, ep session.Endpoint, cfg session.Config, opts ...Option) (*Client, error) {
	conn, err := session.Dial(ctx, ep, cfg)
	if err != nil {
		return nil, err
	}
	return Open(context.WithoutCancel(ctx), conn, cfg, opts...)
}

func loggerFor(sender session.Sender) zerolog.Logger {
	if l, ok := sender.(interface{ Logger() zerolog.Logger }); ok {
		return l.Logger().With().Str("component", "client").Logger()
	}
	return log.With().Str("component", "client").Str("session", sender.ID()).Logger()
}

func (c *Client) routes(cfg options) error {
	c.router.MustHandle(protocol.MTypeIdentify, c.handleIdentify)
	c.router.MustHandle(protocol.MTypeReply, c.handleReply)
	c.router.MustHandle(protocol.MTypeUpdate, c.handleUpdate)
	for mt, h := range cfg.handlers {
		if h == nil {
			return fmt.Errorf("%w: mtype=%s", dispatch.ErrNilHandler, mt)
		}
		if err := c.router.Handle(mt, c.bind(h)); err != nil {
			return err
		}
	}
	if cfg.unknown != nil {
		c.router.HandleUnknown(c.bind(cfg.unknown))
	} else {
		c.router.HandleUnknown(c.handleUnknown)
	}
	c.router.HandleFault(c.handleFault)
	return nil
}

func (c *Client) bind(h HandlerFunc) dispatch.Handler {
	return func(ctx context.Context, f protocol.Frame) error {
		return h(ctx, c, f)
	}
}

// Receive implements session.Application.
func (c *Client) Receive(ctx context.Context, line []byte) error {
	return c.router.Receive(ctx, line)
}

// SessionClosed implements session.Closer. Outstanding requests fail with
// ErrSessionClosed.
func (c *Client) SessionClosed(err error) {
	c.shutdown(err)
}

// Close ends the session, if the client owns one, and fails outstanding requests.
func (c *Client) Close() error {
	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	c.shutdown(nil)
	return err
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		n := c.pending.drain()
		ev := c.log.Debug()
		if cause != nil {
			ev = c.log.Warn().Err(cause)
		}
		ev.Int("failed_requests", n).Msg("client closed")
	})
}

// Pending reports how many requests await a reply.
func (c *Client) Pending() int {
	return c.pending.size()
}

// Identity waits for the server's identify frame.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	select {
	case <-c.identified:
		return c.identity, nil
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case <-c.done:
		return Identity{}, ErrSessionClosed
	}
}

// Object returns the proxy for id, creating it on first use.
func (c *Client) Object(id protocol.ObjectID) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[id]
	if !ok {
		o = newObject(c, id)
		c.objects[id] = o
	}
	return o
}

func (c *Client) lookup(id protocol.ObjectID) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[id]
	return o, ok
}

// Request sends f under a fresh token and waits for the matching reply.
// Without a ctx deadline the client's request timeout applies. The pending
// entry is removed on every exit path.
func (c *Client) Request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	select {
	case <-c.done:
		return protocol.Frame{}, ErrSessionClosed
	default:
	}
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var (
		token protocol.Token
		ch    <-chan protocol.Frame
	)
	for {
		token = protocol.Token(c.tokens.Add(1))
		var ok bool
		if ch, ok = c.pending.add(token); ok {
			break
		}
	}
	f.Token = token
	start := time.Now()

	if err := c.sender.Send(ctx, f); err != nil {
		c.pending.remove(token)
		c.record(f.MType, "send_error", start)
		if errors.Is(err, session.ErrSessionClosed) {
			return protocol.Frame{}, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return protocol.Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Status == "" {
			c.record(f.MType, "malformed", start)
			return protocol.Frame{}, fmt.Errorf("%w: %s token=%d", ErrMalformedReply, f.MType, token)
		}
		c.record(f.MType, string(reply.Status), start)
		return reply, nil
	case <-ctx.Done():
		c.pending.remove(token)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.record(f.MType, "timeout", start)
			return protocol.Frame{}, fmt.Errorf("%w: %s token=%d: %w", ErrRequestTimeout, f.MType, token, ctx.Err())
		}
		c.record(f.MType, "canceled", start)
		return protocol.Frame{}, fmt.Errorf("%w: %s token=%d: %w", ErrRequestCanceled, f.MType, token, ctx.Err())
	case <-c.done:
		c.pending.remove(token)
		c.record(f.MType, "closed", start)
		return protocol.Frame{}, ErrSessionClosed
	}
}

func (c *Client) record(mt protocol.MType, status string, start time.Time) {
	observability.RecordClientRequest(observability.MTypeLabel(string(mt), protocol.Known(mt)), status, time.Since(start))
}

// Get returns the decoded value of property. Numbers decode as json.Number.
func (c *Client) Get(ctx context.Context, id protocol.ObjectID, property string) (any, error) {
	reply, err := c.Request(ctx, protocol.NewGet(id, property))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(protocol.MTypeGet, id, property, reply); err != nil {
		return nil, err
	}
	return protocol.DecodeValue(reply.Value)
}

// GetInto decodes the value of property into dst.
func (c *Client) GetInto(ctx context.Context, id protocol.ObjectID, property string, dst any) error {
	reply, err := c.Request(ctx, protocol.NewGet(id, property))
	if err != nil {
		return err
	}
	if err := checkStatus(protocol.MTypeGet, id, property, reply); err != nil {
		return err
	}
	if len(reply.Value) == 0 {
		return nil
	}
	return json.Unmarshal(reply.Value, dst)
}

func (c *Client) Set(ctx context.Context, id protocol.ObjectID, property string, value any) error {
	raw, err := protocol.EncodeValue(value)
	if err != nil {
		return err
	}
	reply, err := c.Request(ctx, protocol.NewSet(id, property, raw))
	if err != nil {
		return err
	}
	return checkStatus(protocol.MTypeSet, id, property, reply)
}

// Subscribe registers callbacks for id and notifies the server one-way.
func (c *Client) Subscribe(ctx context.Context, id protocol.ObjectID, callbacks map[string]UpdateFunc) error {
	return c.Object(id).Subscribe(ctx, callbacks)
}

// SubscribeSync registers callbacks for id and waits for the server to accept.
func (c *Client) SubscribeSync(ctx context.Context, id protocol.ObjectID, callbacks map[string]UpdateFunc) error {
	return c.Object(id).SubscribeSync(ctx, callbacks)
}

func (c *Client) Unsubscribe(ctx context.Context, id protocol.ObjectID, properties ...string) error {
	return c.Object(id).Unsubscribe(ctx, properties...)
}

// Send writes a frame without waiting for a reply.
func (c *Client) Send(ctx context.Context, f protocol.Frame) error {
	return c.send(ctx, f)
}

func (c *Client) send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	return c.sender.Send(ctx, f)
}

func (c *Client) handleIdentify(_ context.Context, f protocol.Frame) error {
	c.identifyOnce.Do(func() {
		c.identity = Identity{Server: f.Server, Specialization: f.Specialization}
		close(c.identified)
	})
	c.log.Debug().Str("server", f.Server).Str("specialization", f.Specialization).Msg("server identified")
	return nil
}

// handleReply resolves the waiter for the reply token. A reply for a token
// that is not outstanding is dropped.
func (c *Client) handleReply(_ context.Context, f protocol.Frame) error {
	if !c.pending.resolve(f) {
		observability.RecordProtocolFault("stray_reply")
		c.log.Debug().Uint64("token", uint64(f.Token)).Str("status", string(f.Status)).Msg("reply for unknown token")
	}
	return nil
}

func (c *Client) handleUpdate(_ context.Context, f protocol.Frame) error {
	c.updates.push(f)
	return nil
}

func (c *Client) handleUnknown(_ context.Context, f protocol.Frame) error {
	c.log.Debug().Str("mtype", string(f.MType)).Msg("unknown message type")
	return nil
}

// handleFault logs the fault. A reply that failed validation still fails its
// waiter at once; a status-less frame marks it malformed.
func (c *Client) handleFault(_ context.Context, fault dispatch.Fault) error {
	c.log.Warn().Err(fault.Err).Str("kind", fault.Kind()).Uint64("token", uint64(fault.Token)).Msg("protocol fault")
	if fault.MType == protocol.MTypeReply && fault.Token != 0 {
		c.pending.resolve(protocol.Frame{MType: protocol.MTypeReply, Token: fault.Token})
	}
	return nil
}

// dispatchUpdates runs callbacks in arrival order off the read loop, so a
// callback may issue requests of its own.
func (c *Client) dispatchUpdates() {
	for {
		select {
		case <-c.done:
			return
		case <-c.updates.signal:
			for _, f := range c.updates.take() {
				c.deliver(f)
			}
		}
	}
}

func (c *Client) deliver(f protocol.Frame) {
	id, _ := f.ObjectID()
	o, ok := c.lookup(id)
	if !ok {
		c.log.Debug().Uint64("object", uint64(id)).Str("property", f.Property).Msg("update for unknown object")
		return
	}
	fn, ok := o.callback(f.Property)
	if !ok {
		c.log.Debug().Uint64("object", uint64(id)).Str("property", f.Property).Msg("update without callback")
		return
	}
	value, err := protocol.DecodeValue(f.Value)
	if err != nil {
		c.log.Warn().Err(err).Uint64("object", uint64(id)).Str("property", f.Property).Msg("undecodable update value")
		return
	}
	fn(id, f.Property, value)
}

// updateQueue is an unbounded FIFO so the read loop never blocks on callbacks.
type updateQueue struct {
	mu     sync.Mutex
	items  []protocol.Frame
	signal chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{signal: make(chan struct{}, 1)}
}

func (q *updateQueue) push(f protocol.Frame) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *updateQueue) take() []protocol.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
