package client

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/chprops/internal/protocol"
)

// UpdateFunc receives one property change for a subscribed object.
type UpdateFunc func(object protocol.ObjectID, property string, value any)

// Object is the client-side proxy for one remote object id. It holds the
// update callbacks registered for that object.
type Object struct {
	client *Client
	id     protocol.ObjectID

	mu        sync.Mutex
	callbacks map[string]UpdateFunc
}

func newObject(c *Client, id protocol.ObjectID) *Object {
	return &Object{
		client:    c,
		id:        id,
		callbacks: make(map[string]UpdateFunc),
	}
}

func (o *Object) ID() protocol.ObjectID {
	return o.id
}

func (o *Object) Get(ctx context.Context, property string) (any, error) {
	return o.client.Get(ctx, o.id, property)
}

func (o *Object) GetInto(ctx context.Context, property string, dst any) error {
	return o.client.GetInto(ctx, o.id, property, dst)
}

func (o *Object) Set(ctx context.Context, property string, value any) error {
	return o.client.Set(ctx, o.id, property, value)
}

// Subscribe registers callbacks and notifies the server without waiting for
// acceptance. Registration holds even if the server rejects the request.
func (o *Object) Subscribe(ctx context.Context, callbacks map[string]UpdateFunc) error {
	names := o.register(callbacks)
	return o.client.send(ctx, protocol.NewSubscribe(o.id, names))
}

// SubscribeSync registers callbacks and waits for the server to accept them.
// A rejected subscription leaves no callbacks registered.
func (o *Object) SubscribeSync(ctx context.Context, callbacks map[string]UpdateFunc) error {
	names := o.register(callbacks)
	reply, err := o.client.Request(ctx, protocol.NewSubscribe(o.id, names))
	if err == nil {
		err = checkStatus(protocol.MTypeSubscribe, o.id, "", reply)
	}
	if err != nil {
		o.forget(names)
	}
	return err
}

// Unsubscribe asks the server to stop updates and drops the local callbacks
// whatever the server answers.
func (o *Object) Unsubscribe(ctx context.Context, properties ...string) error {
	reply, err := o.client.Request(ctx, protocol.NewUnsubscribe(o.id, properties))
	o.forget(properties)
	if err != nil {
		return err
	}
	return checkStatus(protocol.MTypeUnsubscribe, o.id, "", reply)
}

// Subscriptions lists properties with a registered callback.
func (o *Object) Subscriptions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.callbacks))
	for name := range o.callbacks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (o *Object) register(callbacks map[string]UpdateFunc) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(callbacks))
	for name, fn := range callbacks {
		if fn == nil {
			continue
		}
		o.callbacks[name] = fn
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Object) forget(names []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		delete(o.callbacks, name)
	}
}

func (o *Object) callback(property string) (UpdateFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn, ok := o.callbacks[property]
	return fn, ok
}
