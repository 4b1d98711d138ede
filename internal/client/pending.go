package client

import (
	"sync"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
)

// pendingTable holds at most one waiter per outstanding token.
type pendingTable struct {
	mu    sync.Mutex
	items map[protocol.Token]chan protocol.Frame
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		items: make(map[protocol.Token]chan protocol.Frame),
	}
}

// add registers token. It reports false if token is already outstanding.
func (p *pendingTable) add(token protocol.Token) (<-chan protocol.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[token]; ok {
		return nil, false
	}
	ch := make(chan protocol.Frame, 1)
	p.items[token] = ch
	observability.AddPendingRequests(1)
	return ch, true
}

// resolve hands reply to its waiter and removes the entry.
func (p *pendingTable) resolve(reply protocol.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.items[reply.Token]
	if !ok {
		return false
	}
	delete(p.items, reply.Token)
	observability.AddPendingRequests(-1)
	ch <- reply
	return true
}

func (p *pendingTable) remove(token protocol.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[token]; ok {
		delete(p.items, token)
		observability.AddPendingRequests(-1)
	}
}

// drain drops every entry. Waiters observe the client's done channel.
func (p *pendingTable) drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	clear(p.items)
	observability.AddPendingRequests(-n)
	return n
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
