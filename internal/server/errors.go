package server

import (
	"errors"
	"fmt"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrObjectExists     = errors.New("server: object id already in use")
	ErrUniverseReserved = errors.New("server: object id 0 is reserved for the universe")
	ErrNoSuchObject     = errors.New("server: no such object")
	ErrNilObject        = errors.New("server: nil object")
	ErrOutboxFull       = errors.New("server: update outbox full")
	ErrServerClosed     = errors.New("server: closed")
)

// FanoutError describes one update that did not reach its peer.
type FanoutError struct {
	Session  string
	Object   protocol.ObjectID
	Property string
	Err      error
}

func (e FanoutError) Error() string {
	return fmt.Sprintf("server: update object=%d property=%q session=%s: %v", e.Object, e.Property, e.Session, e.Err)
}

func (e FanoutError) Unwrap() error {
	return e.Err
}

// FanoutErrorHandler observes failed update deliveries. It runs on the
// delivering goroutine and must not block.
type FanoutErrorHandler func(FanoutError)

func logFanoutError(e FanoutError) {
	result := observability.FanoutFailed
	if errors.Is(e.Err, ErrOutboxFull) || errors.Is(e.Err, ErrServerClosed) || errors.Is(e.Err, session.ErrSessionClosed) {
		result = observability.FanoutDropped
	}
	observability.RecordFanout(result)
	log.Warn().
		Err(e.Err).
		Str("session", e.Session).
		Uint64("object", uint64(e.Object)).
		Str("property", e.Property).
		Str("result", result).
		Msg("update delivery failed")
}
