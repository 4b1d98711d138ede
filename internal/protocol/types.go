package protocol

import (
	"encoding/json"
	"strconv"
)

// MType is the message type tag carried in every frame.
type MType string

const (
	MTypeIdentify    MType = "identify"
	MTypeGet         MType = "get"
	MTypeSet         MType = "set"
	MTypeSubscribe   MType = "subscribe"
	MTypeUnsubscribe MType = "unsubscribe"
	MTypeUpdate      MType = "update"
	MTypeReply       MType = "reply"
)

// Status is the outcome reported in a reply frame.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusNoSuchObject     Status = "no such object"
	StatusNoSuchProperty   Status = "no such property"
	StatusNotAllowed       Status = "not allowed"
	StatusMalformedRequest Status = "malformed request"
	// StatusInternalError reports a stored value the server could not deliver,
	// either because it does not encode or because the reply would exceed
	// the frame limit.
	StatusInternalError Status = "internal error"
)

func (s Status) OK() bool {
	return s == StatusSuccess
}

// Token correlates a request with its reply. Zero means "no token".
type Token uint64

func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ObjectID names an object within one server. Zero is the universe object.
type ObjectID uint64

const UniverseID ObjectID = 0

func (id ObjectID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ObjectRef returns a pointer suitable for Frame.Object.
func ObjectRef(id ObjectID) *ObjectID {
	return &id
}

// Frame is one complete protocol message.
//
// Known fields are typed; any other top-level field is preserved verbatim in
// Extra so extension message types round-trip without loss.
type Frame struct {
	MType          MType
	Token          Token
	Object         *ObjectID
	Property       string
	Properties     []string
	Value          json.RawMessage
	Status         Status
	Server         string
	Specialization string
	Extra          map[string]json.RawMessage
}

// ObjectID returns the object field and whether it was present.
func (f Frame) ObjectID() (ObjectID, bool) {
	if f.Object == nil {
		return 0, false
	}
	return *f.Object, true
}

// HasToken reports whether the frame expects a correlated reply.
func (f Frame) HasToken() bool {
	return f.Token != 0
}
