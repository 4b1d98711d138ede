package server

import (
	"sort"
	"sync"
)

// Object is a server-held set of named properties. One Object may be added
// to many servers; each addition is a Membership and every property change
// is offered to all of them.
type Object struct {
	mu       sync.RWMutex
	props    map[string]any
	readOnly map[string]struct{}
	members  []*Membership
}

// NewObject returns an object holding a copy of props.
func NewObject(props map[string]any) *Object {
	o := &Object{
		props:    make(map[string]any, len(props)),
		readOnly: make(map[string]struct{}),
	}
	for name, v := range props {
		o.props[name] = v
	}
	return o
}

func (o *Object) Get(name string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.props[name]
	return v, ok
}

func (o *Object) Has(name string) bool {
	_, ok := o.Get(name)
	return ok
}

// Set stores value, creating the property if needed, and offers the change
// to every membership. Write policy is not consulted.
func (o *Object) Set(name string, value any) {
	o.store(name, value, false)
}

// Replace stores value only if the property exists already.
func (o *Object) Replace(name string, value any) bool {
	return o.store(name, value, true)
}

// store holds the object lock while offering the change so that every peer
// queues concurrent writes to one object in the order they were applied.
func (o *Object) store(name string, value any, mustExist bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.props[name]; mustExist && !ok {
		return false
	}
	o.props[name] = value
	for _, m := range o.members {
		m.offer(name, value)
	}
	return true
}

// Properties returns a shallow copy of the property mapping.
func (o *Object) Properties() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.props))
	for name, v := range o.props {
		out[name] = v
	}
	return out
}

// Names returns property names in lexical order.
func (o *Object) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.props))
	for name := range o.props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetReadOnly marks or clears names as protected against peer writes.
func (o *Object) SetReadOnly(readOnly bool, names ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		if readOnly {
			o.readOnly[name] = struct{}{}
		} else {
			delete(o.readOnly, name)
		}
	}
}

func (o *Object) ReadOnly(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.readOnly[name]
	return ok
}

// Memberships reports how many servers currently hold the object.
func (o *Object) Memberships() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.members)
}

func (o *Object) attach(m *Membership) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members = append(o.members, m)
}

func (o *Object) detach(m *Membership) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, cur := range o.members {
		if cur == m {
			o.members = append(o.members[:i:i], o.members[i+1:]...)
			return
		}
	}
}
