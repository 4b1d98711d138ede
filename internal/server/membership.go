package server

import (
	"sort"
	"sync"

	"github.com/danmuck/chprops/internal/protocol"
)

// Membership binds one Object into one Server under an id and carries that
// server's subscription set. The server reference is a lookup, not ownership.
type Membership struct {
	server *Server
	object *Object
	id     protocol.ObjectID

	mu   sync.Mutex
	subs map[string]struct{}
}

func newMembership(s *Server, o *Object, id protocol.ObjectID) *Membership {
	return &Membership{
		server: s,
		object: o,
		id:     id,
		subs:   make(map[string]struct{}),
	}
}

func (m *Membership) ID() protocol.ObjectID {
	return m.id
}

func (m *Membership) Object() *Object {
	return m.object
}

// Subscribe adds names to the subscription set. Existing names are kept once.
func (m *Membership) Subscribe(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		m.subs[name] = struct{}{}
	}
}

// Unsubscribe removes names. Absent names are ignored.
func (m *Membership) Unsubscribe(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		delete(m.subs, name)
	}
}

func (m *Membership) Subscribed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[name]
	return ok
}

// Subscriptions returns the subscription set in lexical order.
func (m *Membership) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for name := range m.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// offer forwards a property change to the owning server's peer when subscribed.
func (m *Membership) offer(name string, value any) {
	if !m.Subscribed(name) {
		return
	}
	m.server.enqueueUpdate(m.id, name, value)
}

func (m *Membership) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.subs)
}
