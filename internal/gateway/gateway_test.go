package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/chprops/internal/client"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/danmuck/chprops/internal/server"
	"github.com/danmuck/chprops/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func newTestGateway(t *testing.T) (*Gateway, *server.Catalog, *session.Acceptor) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	catalog := server.NewCatalog()
	obj := server.NewObject(map[string]any{"x": 6, "label": "lamp"})
	obj.SetReadOnly(true, "label")
	if err := catalog.Add(1, obj); err != nil {
		t.Fatalf("add object: %v", err)
	}
	cfg := session.DefaultConfig()
	acceptor := session.NewAcceptor(cfg, catalog.Factory("gateway-test", "unit"))
	t.Cleanup(acceptor.Close)

	g := New(Config{ID: "gw-a", Addr: "127.0.0.1:0", Session: cfg}, catalog, acceptor)
	return g, catalog, acceptor
}

func do(t *testing.T, g *Gateway, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	g.HTTPRouter().ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, out
}

func TestHealthAndReadiness(t *testing.T) {
	g, _, _ := newTestGateway(t)

	rr, body := do(t, g, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["node"] != "gw-a" {
		t.Fatalf("unexpected health %d %#v", rr.Code, body)
	}

	rr, body = do(t, g, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("expected not ready, got %d %#v", rr.Code, body)
	}
	g.SetReady(true)
	rr, body = do(t, g, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("expected ready, got %d %#v", rr.Code, body)
	}

	rr, _ = do(t, g, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chprops_http_requests_total") {
		t.Fatalf("metrics missing http counter, status=%d", rr.Code)
	}
}

func TestObjectRoutes(t *testing.T) {
	g, catalog, _ := newTestGateway(t)

	rr, body := do(t, g, http.MethodGet, "/objects", "")
	ids, _ := body["objects"].([]any)
	if rr.Code != http.StatusOK || len(ids) != 1 || ids[0] != float64(1) {
		t.Fatalf("unexpected objects %d %#v", rr.Code, body)
	}

	rr, body = do(t, g, http.MethodGet, "/objects/1", "")
	props, _ := body["properties"].(map[string]any)
	if rr.Code != http.StatusOK || props["x"] != float64(6) || props["label"] != "lamp" {
		t.Fatalf("unexpected object %d %#v", rr.Code, body)
	}
	if ro, _ := body["read_only"].([]any); len(ro) != 1 || ro[0] != "label" {
		t.Fatalf("unexpected read_only %#v", body["read_only"])
	}

	if rr, _ := do(t, g, http.MethodGet, "/objects/9", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing object, got %d", rr.Code)
	}
	if rr, _ := do(t, g, http.MethodGet, "/objects/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rr.Code)
	}

	rr, body = do(t, g, http.MethodPut, "/objects/1/properties/x", "7")
	if rr.Code != http.StatusOK || body["status"] != "success" {
		t.Fatalf("unexpected put %d %#v", rr.Code, body)
	}
	obj, _ := catalog.Get(1)
	if v, _ := obj.Get("x"); v != json.Number("7") {
		t.Fatalf("expected x=7 after put, got %#v", v)
	}

	if rr, _ := do(t, g, http.MethodPut, "/objects/1/properties/label", `"desk"`); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only property, got %d", rr.Code)
	}
	if rr, _ := do(t, g, http.MethodPut, "/objects/1/properties/missing", "1"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing property, got %d", rr.Code)
	}
	if rr, _ := do(t, g, http.MethodPut, "/objects/1/properties/x", "{"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestPutRejectsOversizedBody(t *testing.T) {
	g, catalog, _ := newTestGateway(t)

	body := strings.Repeat("9", g.cfg.MaxFrameBytes+1)
	rr, _ := do(t, g, http.MethodPut, "/objects/1/properties/x", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rr.Code, rr.Body.String())
	}
	obj, _ := catalog.Get(1)
	if v, _ := obj.Get("x"); v != 6 {
		t.Fatalf("oversized body must not be stored, got %v", v)
	}
}

func TestWebSocketOriginMatchesCORSDefaults(t *testing.T) {
	g, _, _ := newTestGateway(t)

	for origin, want := range map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://evil.example":   false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := g.upgrader.CheckOrigin(req); got != want {
			t.Fatalf("origin %q: allowed=%v, want %v", origin, got, want)
		}
	}
}

func TestWebSocketSessionReceivesAdminWrites(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.HTTPRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := session.DefaultConfig()
	conn, err := session.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", cfg)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	c, err := client.Open(ctx, conn, cfg)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	defer c.Close()

	id, err := c.Identity(ctx)
	if err != nil || id.Server != "gateway-test" {
		t.Fatalf("unexpected identity %+v err=%v", id, err)
	}
	if v, err := c.Get(ctx, 1, "x"); err != nil || v != json.Number("6") {
		t.Fatalf("expected 6, got %v err=%v", v, err)
	}

	got := make(chan any, 1)
	err = c.SubscribeSync(ctx, 1, map[string]client.UpdateFunc{
		"x": func(_ protocol.ObjectID, _ string, v any) { got <- v },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rr, body := do(t, g, http.MethodGet, "/sessions", "")
	sessions, _ := body["sessions"].([]any)
	if rr.Code != http.StatusOK || len(sessions) != 1 {
		t.Fatalf("expected one session, got %d %#v", rr.Code, body)
	}
	if first, _ := sessions[0].(map[string]any); first["transport"] != session.TransportWebSocket {
		t.Fatalf("unexpected session view %#v", sessions[0])
	}

	if rr, _ := do(t, g, http.MethodPut, "/objects/1/properties/x", "42"); rr.Code != http.StatusOK {
		t.Fatalf("put failed: %d", rr.Code)
	}
	select {
	case v := <-got:
		if v != json.Number("42") {
			t.Fatalf("expected update 42, got %v", v)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for update")
	}
}
