package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/testutil/testlog"
)

// captureSender records every frame a server sends. Update frames can be held
// back with block to fill the outbox.
type captureSender struct {
	id     string
	frames chan protocol.Frame
	block  chan struct{}
}

func newCaptureSender(id string) *captureSender {
	return &captureSender{id: id, frames: make(chan protocol.Frame, 256)}
}

func (c *captureSender) Send(ctx context.Context, f protocol.Frame) error {
	if c.block != nil && f.MType == protocol.MTypeUpdate {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.frames <- f
	return nil
}

func (c *captureSender) ID() string {
	return c.id
}

func (c *captureSender) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for frame", c.id)
		return protocol.Frame{}
	}
}

func (c *captureSender) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("%s: unexpected frame %+v", c.id, f)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestServer(t *testing.T, id string, opts ...Option) (*Server, *captureSender) {
	t.Helper()
	sender := newCaptureSender(id)
	s, err := New(sender, "test-server", "unit", opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if f := sender.next(t); f.MType != protocol.MTypeIdentify {
		t.Fatalf("first frame must be identify, got %+v", f)
	}
	return s, sender
}

func receive(t *testing.T, s *Server, line string) {
	t.Helper()
	if err := s.Receive(context.Background(), []byte(line)); err != nil {
		t.Fatalf("receive %s: %v", line, err)
	}
}

func expectReply(t *testing.T, c *captureSender, token protocol.Token, status protocol.Status) protocol.Frame {
	t.Helper()
	f := c.next(t)
	if f.MType != protocol.MTypeReply || f.Token != token || f.Status != status {
		t.Fatalf("expected reply token=%d status=%q, got %+v", token, status, f)
	}
	return f
}

func TestNewSendsIdentifyAndCreatesUniverse(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender("s1")
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	s, err := New(sender, "props", "thermostat", WithClock(clock))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer s.Close()

	hello := sender.next(t)
	if hello.MType != protocol.MTypeIdentify || hello.Server != "props" || hello.Specialization != "thermostat" {
		t.Fatalf("unexpected identify: %+v", hello)
	}

	u := s.Universe()
	if v, _ := u.Get(PropType); v != UniverseType {
		t.Fatalf("universe type=%v", v)
	}
	if v, _ := u.Get(PropVersion); v != UniverseVersion {
		t.Fatalf("universe version=%v", v)
	}
	if v, _ := u.Get(PropTime); v != int64(1700000000) {
		t.Fatalf("universe time=%v", v)
	}
	if v, _ := u.Get(PropObjects); len(v.([]protocol.ObjectID)) != 0 {
		t.Fatalf("universe objects should start empty, got %v", v)
	}
	if _, ok := s.Membership(protocol.UniverseID); !ok {
		t.Fatalf("universe membership missing")
	}
}

func TestGetReturnsValue(t *testing.T) {
	testlog.Start(t)
	s, sender := newTestServer(t, "s1")
	if err := s.AddObject(1, NewObject(map[string]any{"value": 6})); err != nil {
		t.Fatalf("add object: %v", err)
	}

	receive(t, s, `{"mtype":"get","token":1,"object":1,"property":"value"}`)
	f := expectReply(t, sender, 1, protocol.StatusSuccess)
	if string(f.Value) != "6" {
		t.Fatalf("expected value 6, got %s", f.Value)
	}
}

func TestGetUnencodableValueReportsInternalError(t *testing.T) {
	testlog.Start(t)
	s, sender := newTestServer(t, "s1")
	if err := s.AddObject(1, NewObject(map[string]any{"ch": make(chan int), "ok": 1})); err != nil {
		t.Fatalf("add object: %v", err)
	}

	receive(t, s, `{"mtype":"get","token":1,"object":1,"property":"ch"}`)
	f := expectReply(t, sender, 1, protocol.StatusInternalError)
	if len(f.Value) != 0 {
		t.Fatalf("internal error reply must not carry a value, got %s", f.Value)
	}
	receive(t, s, `{"mtype":"get","token":2,"object":1,"property":"ok"}`)
	expectReply(t, sender, 2, protocol.StatusSuccess)
}

func TestRequestStatusesForMissingObjectAndProperty(t *testing.T) {
	testlog.Start(t)
	s, sender := newTestServer(t, "s1")
	if err := s.AddObject(1, NewObject(map[string]any{"value": 6})); err != nil {
		t.Fatalf("add object: %v", err)
	}

	receive(t, s, `{"mtype":"get","token":1,"object":42,"property":"value"}`)
	expectReply(t, sender, 1, protocol.StatusNoSuchObject)
	receive(t, s, `{"mtype":"set","token":2,"object":42,"property":"value","value":1}`)
	expectReply(t, sender, 2, protocol.StatusNoSuchObject)
	receive(t, s, `{"mtype":"get","token":3,"object":1,"property":"missing"}`)
	expectReply(t, sender, 3, protocol.StatusNoSuchProperty)
	receive(t, s, `{"mtype":"set","token":4,"object":1,"property":"missing","value":1}`)
	expectReply(t, sender, 4, protocol.StatusNoSuchProperty)
	receive(t, s, `{"mtype":"subscribe","token":5,"object":42,"properties":["value"]}`)
	expectReply(t, sender, 5, protocol.StatusNoSuchObject)
	receive(t, s, `{"mtype":"unsubscribe","token":6,"object":42,"properties":["value"]}`)
	expectReply(t, sender, 6, protocol.StatusNoSuchObject)
}

func TestSetFansOutOncePerSubscribedMembership(t *testing.T) {
	testlog.Start(t)
	a, peerA := newTestServer(t, "a")
	b, peerB := newTestServer(t, "b")
	obj := NewObject(map[string]any{"value": 6})
	if err := a.AddObject(1, obj); err != nil {
		t.Fatalf("add to a: %v", err)
	}
	if err := b.AddObject(1, obj); err != nil {
		t.Fatalf("add to b: %v", err)
	}
	if obj.Memberships() != 2 {
		t.Fatalf("expected 2 memberships, got %d", obj.Memberships())
	}

	receive(t, a, `{"mtype":"subscribe","token":null,"object":1,"properties":["value"]}`)
	receive(t, a, `{"mtype":"subscribe","object":1,"properties":["value","value"]}`)
	receive(t, b, `{"mtype":"set","token":7,"object":1,"property":"value","value":7}`)
	expectReply(t, peerB, 7, protocol.StatusSuccess)

	update := peerA.next(t)
	if update.MType != protocol.MTypeUpdate || update.Property != "value" || string(update.Value) != "7" {
		t.Fatalf("unexpected update: %+v", update)
	}
	if id, ok := update.ObjectID(); !ok || id != 1 {
		t.Fatalf("update object=%v ok=%v", id, ok)
	}
	if update.HasToken() {
		t.Fatalf("update must not carry a token")
	}
	peerA.expectNone(t)
	peerB.expectNone(t)

	receive(t, a, `{"mtype":"get","token":8,"object":1,"property":"value"}`)
	if f := expectReply(t, peerA, 8, protocol.StatusSuccess); string(f.Value) != "7" {
		t.Fatalf("expected 7 after set, got %s", f.Value)
	}
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1")
	obj := NewObject(map[string]any{"value": 1})
	if err := s.AddObject(1, obj); err != nil {
		t.Fatalf("add object: %v", err)
	}
	receive(t, s, `{"mtype":"subscribe","token":1,"object":1,"properties":["value"]}`)
	expectReply(t, peer, 1, protocol.StatusSuccess)
	receive(t, s, `{"mtype":"unsubscribe","token":2,"object":1,"properties":["value","never-subscribed"]}`)
	expectReply(t, peer, 2, protocol.StatusSuccess)

	obj.Set("value", 2)
	peer.expectNone(t)
	m, _ := s.Membership(1)
	if subs := m.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expected empty subscription set, got %v", subs)
	}
}

func TestSubscribeAcceptsPropertyCreatedLater(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1")
	obj := NewObject(nil)
	if err := s.AddObject(5, obj); err != nil {
		t.Fatalf("add object: %v", err)
	}
	receive(t, s, `{"mtype":"subscribe","token":3,"object":5,"properties":["later"]}`)
	expectReply(t, peer, 3, protocol.StatusSuccess)

	obj.Set("later", map[string]any{"on": true})
	f := peer.next(t)
	if f.MType != protocol.MTypeUpdate || f.Property != "later" || string(f.Value) != `{"on":true}` {
		t.Fatalf("unexpected update: %+v", f)
	}
}

func TestUniverseListsObjectsInAddOrder(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1")
	receive(t, s, `{"mtype":"subscribe","object":0,"properties":["objects"]}`)

	for _, id := range []protocol.ObjectID{3, 1, 2} {
		if err := s.AddObject(id, NewObject(nil)); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	want := []string{"[3]", "[3,1]", "[3,1,2]"}
	for _, w := range want {
		f := peer.next(t)
		if f.MType != protocol.MTypeUpdate || f.Property != PropObjects || string(f.Value) != w {
			t.Fatalf("expected objects update %s, got %+v", w, f)
		}
	}

	receive(t, s, `{"mtype":"get","token":1,"object":0,"property":"objects"}`)
	if f := expectReply(t, peer, 1, protocol.StatusSuccess); string(f.Value) != "[3,1,2]" {
		t.Fatalf("unexpected objects: %s", f.Value)
	}
	receive(t, s, `{"mtype":"set","token":2,"object":0,"property":"objects","value":[]}`)
	expectReply(t, peer, 2, protocol.StatusNotAllowed)

	if err := s.AddObject(1, NewObject(nil)); !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	if err := s.AddObject(0, NewObject(nil)); !errors.Is(err, ErrUniverseReserved) {
		t.Fatalf("expected ErrUniverseReserved, got %v", err)
	}
}

func TestWritePolicyIsPluggable(t *testing.T) {
	testlog.Start(t)
	deny := WritePolicyFunc(func(req WriteRequest) bool {
		return req.Property != "locked"
	})
	s, peer := newTestServer(t, "s1", WithWritePolicy(AllPolicies(ReadOnlyPolicy(), deny)))
	obj := NewObject(map[string]any{"locked": "a", "open": "b", "frozen": "c"})
	obj.SetReadOnly(true, "frozen")
	if err := s.AddObject(1, obj); err != nil {
		t.Fatalf("add object: %v", err)
	}

	receive(t, s, `{"mtype":"set","token":1,"object":1,"property":"locked","value":"x"}`)
	expectReply(t, peer, 1, protocol.StatusNotAllowed)
	receive(t, s, `{"mtype":"set","token":2,"object":1,"property":"frozen","value":"x"}`)
	expectReply(t, peer, 2, protocol.StatusNotAllowed)
	receive(t, s, `{"mtype":"set","token":3,"object":1,"property":"open","value":"x"}`)
	expectReply(t, peer, 3, protocol.StatusSuccess)

	if v, _ := obj.Get("locked"); v != "a" {
		t.Fatalf("denied write changed value: %v", v)
	}
	if v, _ := obj.Get("open"); v != "x" {
		t.Fatalf("allowed write not applied: %v", v)
	}
}

func TestOneWaySubscribeGetsNoReply(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1")
	if err := s.AddObject(1, NewObject(nil)); err != nil {
		t.Fatalf("add object: %v", err)
	}
	receive(t, s, `{"mtype":"subscribe","token":null,"object":1,"properties":["value"]}`)
	peer.expectNone(t)
	m, _ := s.Membership(1)
	if !m.Subscribed("value") {
		t.Fatalf("one-way subscribe not recorded")
	}
}

func TestFaultsAndUnknownTypesAreNotFatal(t *testing.T) {
	testlog.Start(t)
	var (
		mu      sync.Mutex
		unknown []protocol.MType
	)
	s, peer := newTestServer(t, "s1", WithUnknownHandler(func(_ context.Context, _ *Server, f protocol.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		unknown = append(unknown, f.MType)
		return nil
	}))

	receive(t, s, `{"mtype":"get","token":9,"object":1}`)
	expectReply(t, peer, 9, protocol.StatusMalformedRequest)
	receive(t, s, `not json at all`)
	receive(t, s, `{"mtype":"teleport","token":10}`)
	peer.expectNone(t)

	mu.Lock()
	defer mu.Unlock()
	if len(unknown) != 1 || unknown[0] != "teleport" {
		t.Fatalf("unknown handler saw %v", unknown)
	}
}

func TestExtensionHandlerReplies(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1", WithHandler("ping", func(ctx context.Context, s *Server, f protocol.Frame) error {
		return s.Reply(ctx, f.Token, protocol.StatusSuccess, "pong")
	}))
	receive(t, s, `{"mtype":"ping","token":4}`)
	if f := expectReply(t, peer, 4, protocol.StatusSuccess); string(f.Value) != `"pong"` {
		t.Fatalf("unexpected ping reply: %+v", f)
	}

	sender := newCaptureSender("dup")
	_, err := New(sender, "dup", "unit", WithHandler(protocol.MTypeGet, func(context.Context, *Server, protocol.Frame) error { return nil }))
	if err == nil {
		t.Fatalf("expected duplicate built-in handler to be rejected")
	}
}

func TestRemoveObjectUpdatesUniverseAndSubscriptions(t *testing.T) {
	testlog.Start(t)
	s, peer := newTestServer(t, "s1")
	obj := NewObject(map[string]any{"value": 1})
	for _, id := range []protocol.ObjectID{1, 2} {
		if err := s.AddObject(id, NewObject(nil)); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	if err := s.AddObject(3, obj); err != nil {
		t.Fatalf("add 3: %v", err)
	}
	receive(t, s, `{"mtype":"subscribe","object":3,"properties":["value"]}`)
	receive(t, s, `{"mtype":"subscribe","object":0,"properties":["objects"]}`)

	if err := s.RemoveObject(3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f := peer.next(t); f.Property != PropObjects || string(f.Value) != "[1,2]" {
		t.Fatalf("expected objects update [1,2], got %+v", f)
	}
	if obj.Memberships() != 0 {
		t.Fatalf("removed object still attached")
	}
	obj.Set("value", 2)
	peer.expectNone(t)

	receive(t, s, `{"mtype":"get","token":1,"object":3,"property":"value"}`)
	expectReply(t, peer, 1, protocol.StatusNoSuchObject)

	if err := s.RemoveObject(0); !errors.Is(err, ErrUniverseReserved) {
		t.Fatalf("expected ErrUniverseReserved, got %v", err)
	}
	if err := s.RemoveObject(3); !errors.Is(err, ErrNoSuchObject) {
		t.Fatalf("expected ErrNoSuchObject, got %v", err)
	}
}

func TestCloseDetachesEveryMembership(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, "s1")
	obj := NewObject(nil)
	if err := s.AddObject(1, obj); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if obj.Memberships() != 0 {
		t.Fatalf("close left %d memberships", obj.Memberships())
	}
	if err := s.AddObject(2, NewObject(nil)); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}

func TestFullOutboxReportsDroppedUpdates(t *testing.T) {
	testlog.Start(t)
	var (
		mu     sync.Mutex
		failed []FanoutError
	)
	sender := newCaptureSender("slow")
	sender.block = make(chan struct{})
	s, err := New(sender, "slow", "unit", WithOutboxSize(1), WithFanoutErrorHandler(func(e FanoutError) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, e)
	}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	sender.next(t)

	obj := NewObject(map[string]any{"value": 0})
	if err := s.AddObject(1, obj); err != nil {
		t.Fatalf("add: %v", err)
	}
	m, _ := s.Membership(1)
	m.Subscribe("value")
	for i := 1; i <= 5; i++ {
		obj.Set("value", i)
	}

	mu.Lock()
	dropped := len(failed)
	sawFull := dropped > 0 && errors.Is(failed[0], ErrOutboxFull)
	mu.Unlock()
	close(sender.block)
	_ = s.Close()

	if dropped < 3 || !sawFull {
		t.Fatalf("expected outbox overflow reports, got %d", dropped)
	}
}

func TestCatalogSharesObjectsAcrossServers(t *testing.T) {
	testlog.Start(t)
	cat := NewCatalog()
	shared := NewObject(map[string]any{"value": 1})
	if err := cat.Add(1, shared); err != nil {
		t.Fatalf("catalog add: %v", err)
	}

	a, peerA := newTestServer(t, "a")
	b, _ := newTestServer(t, "b")
	for _, s := range []*Server{a, b} {
		if err := cat.Attach(s); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if cat.Servers() != 2 || shared.Memberships() != 2 {
		t.Fatalf("servers=%d memberships=%d", cat.Servers(), shared.Memberships())
	}

	receive(t, a, `{"mtype":"subscribe","object":0,"properties":["objects"]}`)
	if err := cat.Add(2, NewObject(nil)); err != nil {
		t.Fatalf("catalog add 2: %v", err)
	}
	if f := peerA.next(t); string(f.Value) != "[1,2]" {
		t.Fatalf("expected objects [1,2], got %+v", f)
	}
	if got := b.Objects(); len(got) != 2 || got[1] != 2 {
		t.Fatalf("server b objects=%v", got)
	}

	_ = b.Close()
	if cat.Servers() != 1 {
		t.Fatalf("closed server still attached")
	}
	if err := cat.Remove(1); err != nil {
		t.Fatalf("catalog remove: %v", err)
	}
	if got := a.Objects(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("server a objects after remove=%v", got)
	}
	if _, ok := cat.Get(1); ok {
		t.Fatalf("removed object still in catalog")
	}
}
