package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/dispatch"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Universe property names and schema version.
const (
	UniverseType    = "universe"
	UniverseVersion = 1
	PropType        = "type"
	PropVersion     = "version"
	PropObjects     = "objects"
	PropTime        = "time"
)

const (
	defaultServerName     = "chprops"
	defaultSpecialization = "generic"
)

// HandlerFunc handles an extension message type on one server.
type HandlerFunc func(ctx context.Context, s *Server, f protocol.Frame) error

type options struct {
	policy     WritePolicy
	unknown    HandlerFunc
	handlers   map[protocol.MType]HandlerFunc
	fanoutErr  FanoutErrorHandler
	outboxSize int
	now        func() time.Time
}

type Option func(*options)

// WithWritePolicy replaces the default read-only check for peer sets.
func WithWritePolicy(p WritePolicy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithUnknownHandler replaces the fallback for well-formed frames of an unregistered type.
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

func WithFanoutErrorHandler(h FanoutErrorHandler) Option {
	return func(o *options) {
		if h != nil {
			o.fanoutErr = h
		}
	}
}

func WithOutboxSize(n int) Option {
	return func(o *options) {
		o.outboxSize = n
	}
}

// WithClock sets the source of the universe time property.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Server is the server-side application for one connection. It owns the
// memberships of every object added to it, including the universe at id 0.
type Server struct {
	sender         session.Sender
	name           string
	specialization string
	router         *dispatch.Router
	policy         WritePolicy
	outbox         *outbox
	log            zerolog.Logger

	universe *Object

	mu         sync.RWMutex
	members    map[protocol.ObjectID]*Membership
	order      []protocol.ObjectID
	closed     bool
	closeHooks []func()
	closeOnce  sync.Once
}

// New builds a server bound to sender, registers the universe object and
// sends identify before returning.
func New(sender session.Sender, name, specialization string, opts ...Option) (*Server, error) {
	cfg := options{
		policy:    ReadOnlyPolicy(),
		handlers:  make(map[protocol.MType]HandlerFunc),
		fanoutErr: logFanoutError,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if name == "" {
		name = defaultServerName
	}
	if specialization == "" {
		specialization = defaultSpecialization
	}

	s := &Server{
		sender:         sender,
		name:           name,
		specialization: specialization,
		router:         dispatch.NewRouter(),
		policy:         cfg.policy,
		log:            loggerFor(sender),
		members:        make(map[protocol.ObjectID]*Membership),
	}
	if err := s.routes(cfg); err != nil {
		return nil, err
	}

	s.universe = newUniverse(cfg.now())
	m := newMembership(s, s.universe, protocol.UniverseID)
	s.members[protocol.UniverseID] = m
	s.universe.attach(m)

	s.outbox = newOutbox(sender, cfg.outboxSize, cfg.fanoutErr)
	if err := sender.Send(context.Background(), protocol.NewIdentify(name, specialization)); err != nil {
		s.Close()
		return nil, fmt.Errorf("server: send identify: %w", err)
	}
	s.log.Debug().Str("server", name).Str("specialization", specialization).Msg("server identified")
	return s, nil
}

// Factory returns a session factory that builds one Server per connection.
func Factory(name, specialization string, opts ...Option) session.Factory {
	return func(sess *session.Session) (session.Application, error) {
		all := append([]Option{WithOutboxSize(sess.Config().OutboxSize)}, opts...)
		srv, err := New(sess, name, specialization, all...)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
}

func newUniverse(now time.Time) *Object {
	u := NewObject(map[string]any{
		PropType:    UniverseType,
		PropVersion: UniverseVersion,
		PropObjects: []protocol.ObjectID{},
		PropTime:    now.Unix(),
	})
	u.SetReadOnly(true, PropType, PropVersion, PropObjects, PropTime)
	return u
}

func loggerFor(sender session.Sender) zerolog.Logger {
	if l, ok := sender.(interface{ Logger() zerolog.Logger }); ok {
		return l.Logger().With().Str("component", "server").Logger()
	}
	return log.With().Str("component", "server").Str("session", sender.ID()).Logger()
}

func (s *Server) routes(cfg options) error {
	s.router.MustHandle(protocol.MTypeGet, s.handleGet)
	s.router.MustHandle(protocol.MTypeSet, s.handleSet)
	s.router.MustHandle(protocol.MTypeSubscribe, s.handleSubscribe)
	s.router.MustHandle(protocol.MTypeUnsubscribe, s.handleUnsubscribe)
	for mt, h := range cfg.handlers {
		if h == nil {
			return fmt.Errorf("%w: mtype=%s", dispatch.ErrNilHandler, mt)
		}
		if err := s.router.Handle(mt, s.bind(h)); err != nil {
			return err
		}
	}
	if cfg.unknown != nil {
		s.router.HandleUnknown(s.bind(cfg.unknown))
	} else {
		s.router.HandleUnknown(s.handleUnknown)
	}
	s.router.HandleFault(s.handleFault)
	return nil
}

func (s *Server) bind(h HandlerFunc) dispatch.Handler {
	return func(ctx context.Context, f protocol.Frame) error {
		return h(ctx, s, f)
	}
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) Specialization() string {
	return s.specialization
}

// Session returns the id of the session this server replies on.
func (s *Server) Session() string {
	return s.sender.ID()
}

// Universe returns the id-0 object.
func (s *Server) Universe() *Object {
	return s.universe
}

// Receive implements session.Application.
func (s *Server) Receive(ctx context.Context, line []byte) error {
	return s.router.Receive(ctx, line)
}

// SessionClosed implements session.Closer.
func (s *Server) SessionClosed(err error) {
	s.Close()
}

// AddObject binds obj under id and publishes the new universe object list.
// The object is visible to every frame handled after AddObject returns.
func (s *Server) AddObject(id protocol.ObjectID, obj *Object) error {
	if obj == nil {
		return ErrNilObject
	}
	if id == protocol.UniverseID {
		return ErrUniverseReserved
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if _, ok := s.members[id]; ok {
		return fmt.Errorf("%w: %d", ErrObjectExists, id)
	}
	m := newMembership(s, obj, id)
	s.members[id] = m
	s.order = append(s.order, id)
	obj.attach(m)
	s.publishObjectsLocked()
	s.log.Debug().Uint64("object", uint64(id)).Msg("object added")
	return nil
}

// RemoveObject unbinds id, drops its subscriptions and publishes the new
// universe object list. The object itself stays usable by other servers.
func (s *Server) RemoveObject(id protocol.ObjectID) error {
	if id == protocol.UniverseID {
		return ErrUniverseReserved
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	m, ok := s.members[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchObject, id)
	}
	delete(s.members, id)
	for i, cur := range s.order {
		if cur == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	m.object.detach(m)
	m.clear()
	s.publishObjectsLocked()
	s.log.Debug().Uint64("object", uint64(id)).Msg("object removed")
	return nil
}

func (s *Server) publishObjectsLocked() {
	ids := make([]protocol.ObjectID, len(s.order))
	copy(ids, s.order)
	s.universe.Set(PropObjects, ids)
}

// Objects returns the ids added to this server in add order.
func (s *Server) Objects() []protocol.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ObjectID, len(s.order))
	copy(out, s.order)
	return out
}

// Membership returns the binding for id, including the universe.
func (s *Server) Membership(id protocol.ObjectID) (*Membership, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m, ok
}

// Update sends an update for id to this server's peer if it subscribes to property.
func (s *Server) Update(id protocol.ObjectID, property string, value any) error {
	m, ok := s.Membership(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchObject, id)
	}
	m.offer(property, value)
	return nil
}

func (s *Server) enqueueUpdate(id protocol.ObjectID, property string, value any) {
	raw, err := protocol.EncodeValue(value)
	if err == nil {
		err = s.outbox.enqueue(protocol.NewUpdate(id, property, raw))
	}
	if err != nil {
		s.outbox.onError(FanoutError{Session: s.sender.ID(), Object: id, Property: property, Err: err})
	}
}

// Reply answers token with status and an optional value. It does nothing
// when token is absent.
func (s *Server) Reply(ctx context.Context, token protocol.Token, status protocol.Status, value any) error {
	var raw json.RawMessage
	if value != nil {
		var err error
		if raw, err = protocol.EncodeValue(value); err != nil {
			return err
		}
	}
	return s.reply(ctx, token, status, raw)
}

func (s *Server) reply(ctx context.Context, token protocol.Token, status protocol.Status, value json.RawMessage) error {
	if token == 0 {
		return nil
	}
	err := s.sender.Send(ctx, protocol.NewReply(token, status, value))
	if errors.Is(err, protocol.ErrFrameTooLarge) && value != nil {
		s.log.Warn().Uint64("token", uint64(token)).Int("bytes", len(value)).Msg("reply exceeds frame limit")
		return s.sender.Send(ctx, protocol.NewReply(token, protocol.StatusInternalError, nil))
	}
	return err
}

func (s *Server) handleGet(ctx context.Context, f protocol.Frame) error {
	id, _ := f.ObjectID()
	m, ok := s.Membership(id)
	if !ok {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchObject, nil)
	}
	v, ok := m.object.Get(f.Property)
	if !ok {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchProperty, nil)
	}
	raw, err := protocol.EncodeValue(v)
	if err != nil {
		s.log.Error().Err(err).Uint64("object", uint64(id)).Str("property", f.Property).Msg("property value not encodable")
		return s.reply(ctx, f.Token, protocol.StatusInternalError, nil)
	}
	return s.reply(ctx, f.Token, protocol.StatusSuccess, raw)
}

func (s *Server) handleSet(ctx context.Context, f protocol.Frame) error {
	id, _ := f.ObjectID()
	m, ok := s.Membership(id)
	if !ok {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchObject, nil)
	}
	if !m.object.Has(f.Property) {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchProperty, nil)
	}
	value, err := protocol.DecodeValue(f.Value)
	if err != nil {
		return s.reply(ctx, f.Token, protocol.StatusMalformedRequest, nil)
	}
	req := WriteRequest{
		Session:  s.sender.ID(),
		ObjectID: id,
		Object:   m.object,
		Property: f.Property,
		Value:    value,
	}
	if !s.policy.AllowWrite(req) {
		return s.reply(ctx, f.Token, protocol.StatusNotAllowed, nil)
	}
	if !m.object.Replace(f.Property, value) {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchProperty, nil)
	}
	s.log.Debug().Uint64("object", uint64(id)).Str("property", f.Property).Msg("property set")
	return s.reply(ctx, f.Token, protocol.StatusSuccess, nil)
}

// handleSubscribe accepts names whether or not the property exists yet.
func (s *Server) handleSubscribe(ctx context.Context, f protocol.Frame) error {
	id, _ := f.ObjectID()
	m, ok := s.Membership(id)
	if !ok {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchObject, nil)
	}
	m.Subscribe(f.Properties...)
	return s.reply(ctx, f.Token, protocol.StatusSuccess, nil)
}

func (s *Server) handleUnsubscribe(ctx context.Context, f protocol.Frame) error {
	id, _ := f.ObjectID()
	m, ok := s.Membership(id)
	if !ok {
		return s.reply(ctx, f.Token, protocol.StatusNoSuchObject, nil)
	}
	m.Unsubscribe(f.Properties...)
	return s.reply(ctx, f.Token, protocol.StatusSuccess, nil)
}

func (s *Server) handleUnknown(_ context.Context, f protocol.Frame) error {
	s.log.Warn().Str("mtype", string(f.MType)).Uint64("token", uint64(f.Token)).Msg("unknown message type")
	return nil
}

// handleFault answers faulty requests that carried a token so the peer does
// not wait for a reply that will never come.
func (s *Server) handleFault(ctx context.Context, fault dispatch.Fault) error {
	s.log.Warn().
		Err(fault.Err).
		Str("kind", fault.Kind()).
		Str("mtype", string(fault.MType)).
		Uint64("token", uint64(fault.Token)).
		Msg("protocol fault")
	return s.reply(ctx, fault.Token, protocol.StatusMalformedRequest, nil)
}

// Close detaches every membership and stops update delivery. It does not
// close the session.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		members := s.members
		s.members = make(map[protocol.ObjectID]*Membership)
		s.order = nil
		hooks := s.closeHooks
		s.closeHooks = nil
		s.mu.Unlock()

		for _, m := range members {
			m.object.detach(m)
			m.clear()
		}
		if s.outbox != nil {
			s.outbox.close()
		}
		for _, fn := range hooks {
			fn()
		}
		s.log.Debug().Msg("server closed")
	})
	return nil
}

// onClose runs fn when the server closes, immediately if it already has.
func (s *Server) onClose(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.closeHooks = append(s.closeHooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}
