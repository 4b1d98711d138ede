package server

import (
	"github.com/danmuck/chprops/internal/protocol"
)

// WriteRequest is one peer attempt to change a property.
type WriteRequest struct {
	Session  string
	ObjectID protocol.ObjectID
	Object   *Object
	Property string
	Value    any
}

// WritePolicy decides whether a peer set is allowed. Denied writes reply
// "not allowed" and leave the object untouched.
type WritePolicy interface {
	AllowWrite(req WriteRequest) bool
}

// WritePolicyFunc adapts a function to WritePolicy.
type WritePolicyFunc func(req WriteRequest) bool

func (f WritePolicyFunc) AllowWrite(req WriteRequest) bool {
	return f(req)
}

// ReadOnlyPolicy denies writes to properties marked with Object.SetReadOnly.
func ReadOnlyPolicy() WritePolicy {
	return WritePolicyFunc(func(req WriteRequest) bool {
		return !req.Object.ReadOnly(req.Property)
	})
}

// AllPolicies allows a write only when every policy allows it.
func AllPolicies(policies ...WritePolicy) WritePolicy {
	return WritePolicyFunc(func(req WriteRequest) bool {
		for _, p := range policies {
			if p != nil && !p.AllowWrite(req) {
				return false
			}
		}
		return true
	})
}
