package server

import (
	"fmt"
	"sync"

	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Catalog holds objects shared by every server attached to it. Objects put
// in the catalog are added to live servers and to servers attached later.
type Catalog struct {
	mu      sync.Mutex
	objects map[protocol.ObjectID]*Object
	order   []protocol.ObjectID
	servers map[*Server]struct{}
}

func NewCatalog() *Catalog {
	return &Catalog{
		objects: make(map[protocol.ObjectID]*Object),
		servers: make(map[*Server]struct{}),
	}
}

// Add registers obj under id and adds it to every attached server.
func (c *Catalog) Add(id protocol.ObjectID, obj *Object) error {
	if obj == nil {
		return ErrNilObject
	}
	if id == protocol.UniverseID {
		return ErrUniverseReserved
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[id]; ok {
		return fmt.Errorf("%w: %d", ErrObjectExists, id)
	}
	c.objects[id] = obj
	c.order = append(c.order, id)
	for s := range c.servers {
		if err := s.AddObject(id, obj); err != nil {
			log.Debug().Err(err).Str("session", s.Session()).Uint64("object", uint64(id)).Msg("catalog add skipped server")
		}
	}
	return nil
}

// Remove drops id from the catalog and from every attached server.
func (c *Catalog) Remove(id protocol.ObjectID) error {
	if id == protocol.UniverseID {
		return ErrUniverseReserved
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchObject, id)
	}
	delete(c.objects, id)
	for i, cur := range c.order {
		if cur == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	for s := range c.servers {
		_ = s.RemoveObject(id)
	}
	return nil
}

func (c *Catalog) Get(id protocol.ObjectID) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	return obj, ok
}

// IDs returns catalog ids in add order.
func (c *Catalog) IDs() []protocol.ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ObjectID, len(c.order))
	copy(out, c.order)
	return out
}

// Servers reports how many live servers are attached.
func (c *Catalog) Servers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.servers)
}

// Attach adds every catalog object to s in catalog order and keeps s
// attached until it closes.
func (c *Catalog) Attach(s *Server) error {
	c.mu.Lock()
	for _, id := range c.order {
		if err := s.AddObject(id, c.objects[id]); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.servers[s] = struct{}{}
	c.mu.Unlock()
	s.onClose(func() { c.detach(s) })
	return nil
}

func (c *Catalog) detach(s *Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, s)
}

// Factory builds one server per session, attached to the catalog.
func (c *Catalog) Factory(name, specialization string, opts ...Option) session.Factory {
	base := Factory(name, specialization, opts...)
	return func(sess *session.Session) (session.Application, error) {
		app, err := base(sess)
		if err != nil {
			return nil, err
		}
		srv := app.(*Server)
		if err := c.Attach(srv); err != nil {
			_ = srv.Close()
			return nil, err
		}
		return srv, nil
	}
}
