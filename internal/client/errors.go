package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/chprops/internal/protocol"
)

var (
	ErrRequestTimeout  = errors.New("client: request timed out")
	ErrRequestCanceled = errors.New("client: request canceled")
	ErrSessionClosed   = errors.New("client: session closed")
	ErrMalformedReply  = errors.New("client: malformed reply")
)

// StatusError is a reply whose status was not success.
type StatusError struct {
	Op       protocol.MType
	Object   protocol.ObjectID
	Property string
	Status   protocol.Status
}

func (e *StatusError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("client: %s object=%d: %s", e.Op, e.Object, e.Status)
	}
	return fmt.Sprintf("client: %s object=%d property=%q: %s", e.Op, e.Object, e.Property, e.Status)
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status protocol.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func checkStatus(op protocol.MType, id protocol.ObjectID, property string, reply protocol.Frame) error {
	if reply.Status.OK() {
		return nil
	}
	return &StatusError{Op: op, Object: id, Property: property, Status: reply.Status}
}
