// Package dispatch is the application-layer base shared by client and server
// engines: it turns one received line into a typed handler call.
//
// Handlers are held in an explicit table keyed by message type and checked at
// registration. Every line ends in exactly one of: a registered handler, the
// unknown-type handler, or the fault handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
)

var (
	ErrEmptyMType       = errors.New("dispatch: empty message type")
	ErrNilHandler       = errors.New("dispatch: nil handler")
	ErrDuplicateHandler = errors.New("dispatch: handler already registered")
)

// Handler processes one decoded frame. A returned error is fatal to the connection.
type Handler func(ctx context.Context, f protocol.Frame) error

// FaultHandler receives lines that could not be decoded or validated. The
// token is recovered when the line carries one, so a reply remains possible.
type FaultHandler func(ctx context.Context, fault Fault) error

// Fault describes one line that did not reach a typed handler.
type Fault struct {
	Line  []byte
	MType protocol.MType
	Token protocol.Token
	Err   error
}

// Fault kinds used as metric labels.
const (
	FaultMalformed    = "malformed"
	FaultMissingMType = "missing_mtype"
	FaultInvalid      = "invalid"
	FaultUnknownMType = "unknown_mtype"
)

func (f Fault) Kind() string {
	switch {
	case errors.Is(f.Err, protocol.ErrMissingMType):
		return FaultMissingMType
	case errors.As(f.Err, new(protocol.ValidationError)):
		return FaultInvalid
	default:
		return FaultMalformed
	}
}

// Router routes frames by message type.
type Router struct {
	handlers map[protocol.MType]Handler
	unknown  Handler
	fault    FaultHandler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[protocol.MType]Handler),
		unknown:  func(context.Context, protocol.Frame) error { return nil },
		fault:    func(context.Context, Fault) error { return nil },
	}
}

// Handle registers h for mt.
func (r *Router) Handle(mt protocol.MType, h Handler) error {
	if strings.TrimSpace(string(mt)) == "" {
		return ErrEmptyMType
	}
	if h == nil {
		return fmt.Errorf("%w: mtype=%s", ErrNilHandler, mt)
	}
	if _, ok := r.handlers[mt]; ok {
		return fmt.Errorf("%w: mtype=%s", ErrDuplicateHandler, mt)
	}
	r.handlers[mt] = h
	return nil
}

// MustHandle is Handle for built-in tables that cannot collide.
func (r *Router) MustHandle(mt protocol.MType, h Handler) {
	if err := r.Handle(mt, h); err != nil {
		panic(err)
	}
}

// HandleUnknown replaces the handler for well-formed frames with no registered type.
func (r *Router) HandleUnknown(h Handler) {
	if h != nil {
		r.unknown = h
	}
}

// HandleFault replaces the handler for undecodable or invalid frames.
func (r *Router) HandleFault(h FaultHandler) {
	if h != nil {
		r.fault = h
	}
}

// Registered reports whether mt has a handler.
func (r *Router) Registered(mt protocol.MType) bool {
	_, ok := r.handlers[mt]
	return ok
}

// Receive decodes line and invokes exactly one handler.
func (r *Router) Receive(ctx context.Context, line []byte) error {
	mt, err := protocol.Peek(line)
	if err != nil {
		return r.reportFault(ctx, Fault{Line: line, Token: protocol.PeekToken(line), Err: err})
	}
	observability.RecordFrame(observability.DirectionIn, observability.MTypeLabel(string(mt), protocol.Known(mt)))

	f, err := protocol.Decode(line)
	if err != nil {
		return r.reportFault(ctx, Fault{Line: line, MType: mt, Token: protocol.PeekToken(line), Err: err})
	}
	if err := protocol.Validate(f); err != nil {
		return r.reportFault(ctx, Fault{Line: line, MType: mt, Token: f.Token, Err: err})
	}

	h, ok := r.handlers[f.MType]
	if !ok {
		observability.RecordProtocolFault(FaultUnknownMType)
		return r.unknown(ctx, f)
	}
	return h(ctx, f)
}

func (r *Router) reportFault(ctx context.Context, fault Fault) error {
	observability.RecordProtocolFault(fault.Kind())
	return r.fault(ctx, fault)
}
