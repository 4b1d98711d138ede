package server

import (
	"context"
	"sync"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
)

// outbox delivers update frames to one peer in queue order. Each server owns
// one, so a slow peer only delays its own updates.
type outbox struct {
	sender  session.Sender
	items   chan protocol.Frame
	onError FanoutErrorHandler

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func newOutbox(sender session.Sender, size int, onError FanoutErrorHandler) *outbox {
	if size <= 0 {
		size = session.DefaultConfig().OutboxSize
	}
	o := &outbox{
		sender:  sender,
		items:   make(chan protocol.Frame, size),
		onError: onError,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

// enqueue never blocks. A full queue drops the frame with ErrOutboxFull.
func (o *outbox) enqueue(f protocol.Frame) error {
	select {
	case <-o.done:
		return ErrServerClosed
	default:
	}
	select {
	case o.items <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (o *outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.done:
			return
		case f := <-o.items:
			if err := o.sender.Send(context.Background(), f); err != nil {
				o.fail(f, err)
				continue
			}
			observability.RecordFanout(observability.FanoutDelivered)
		}
	}
}

func (o *outbox) fail(f protocol.Frame, err error) {
	id, _ := f.ObjectID()
	o.onError(FanoutError{
		Session:  o.sender.ID(),
		Object:   id,
		Property: f.Property,
		Err:      err,
	})
}

// close stops delivery and waits for the worker. Queued frames are discarded.
func (o *outbox) close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
	<-o.stopped
}
