package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/chprops/internal/observability"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/danmuck/chprops/internal/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Config struct {
	ID          string
	Addr        string
	CORSOrigins []string
	Session     session.Config
}

// Gateway is the admin HTTP surface of a daemon. It reports health and
// metrics, exposes the shared catalog, and binds websocket peers to the
// same acceptor as the stream listeners.
type Gateway struct {
	ID       string
	Addr     string
	Appeared time.Time

	cfg      session.Config
	catalog  *server.Catalog
	acceptor *session.Acceptor
	router   *gin.Engine
	upgrader websocket.Upgrader

	ready   atomic.Bool
	baseCtx context.Context
}

func New(cfg Config, catalog *server.Catalog, acceptor *session.Acceptor) *Gateway {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(cfg.ID, "/metrics", "/health", "/ready"))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	origins := normalizeOrigins(cfg.CORSOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{
		ID:       cfg.ID,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		cfg:      cfg.Session.WithDefaults(),
		catalog:  catalog,
		acceptor: acceptor,
		router:   r,
		baseCtx:  context.Background(),
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: g.cfg.HandshakeTimeout,
		CheckOrigin:      g.checkOrigin(origins),
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) HTTPRouter() *gin.Engine {
	return g.router
}

// SetReady flips the /ready probe. Daemons mark ready once listeners are up.
func (g *Gateway) SetReady(ready bool) {
	g.ready.Store(ready)
}

func (g *Gateway) registerRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(g.Appeared).String(),
			"node":    g.ID,
			"version": version,
		})
	})

	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !g.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   g.ready.Load(),
			"uptime":  time.Since(g.Appeared).String(),
			"node":    g.ID,
			"version": version,
		})
	})

	g.router.GET("/sessions", g.listSessions)
	g.router.GET("/objects", g.listObjects)
	g.router.GET("/objects/:id", g.getObject)
	g.router.PUT("/objects/:id/properties/:property", g.putProperty)
	g.router.GET("/ws", g.serveWebSocket)
}

type sessionView struct {
	ID         string    `json:"id"`
	Transport  string    `json:"transport"`
	RemoteAddr string    `json:"remote_addr"`
	Peer       string    `json:"peer,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

func (g *Gateway) listSessions(c *gin.Context) {
	var infos []session.Info
	if g.acceptor != nil {
		infos = g.acceptor.Sessions()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	out := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionView{
			ID:         info.ID,
			Transport:  info.Transport,
			RemoteAddr: info.RemoteAddr,
			Peer:       info.Peer,
			OpenedAt:   info.OpenedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (g *Gateway) listObjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"objects": g.catalog.IDs(),
		"servers": g.catalog.Servers(),
	})
}

type objectView struct {
	ID          protocol.ObjectID `json:"id"`
	Properties  map[string]any    `json:"properties"`
	ReadOnly    []string          `json:"read_only"`
	Memberships int               `json:"memberships"`
}

func (g *Gateway) getObject(c *gin.Context) {
	id, obj, ok := g.lookup(c)
	if !ok {
		return
	}
	view := objectView{
		ID:          id,
		Properties:  obj.Properties(),
		ReadOnly:    []string{},
		Memberships: obj.Memberships(),
	}
	for _, name := range obj.Names() {
		if obj.ReadOnly(name) {
			view.ReadOnly = append(view.ReadOnly, name)
		}
	}
	c.JSON(http.StatusOK, view)
}

// putProperty replaces an existing property with the JSON request body and
// fans the change out to every subscribed peer.
func (g *Gateway) putProperty(c *gin.Context) {
	id, obj, ok := g.lookup(c)
	if !ok {
		return
	}
	property := c.Param("property")
	if obj.ReadOnly(property) {
		c.JSON(http.StatusForbidden, gin.H{"error": string(protocol.StatusNotAllowed)})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(g.cfg.MaxFrameBytes)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": protocol.ErrFrameTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := protocol.DecodeValue(json.RawMessage(body))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(protocol.StatusMalformedRequest)})
		return
	}
	if !obj.Replace(property, value) {
		c.JSON(http.StatusNotFound, gin.H{"error": string(protocol.StatusNoSuchProperty)})
		return
	}
	log.Info().Str("node", g.ID).Uint64("object", uint64(id)).Str("property", property).Msg("property replaced over admin api")
	c.JSON(http.StatusOK, gin.H{"status": string(protocol.StatusSuccess)})
}

func (g *Gateway) lookup(c *gin.Context) (protocol.ObjectID, *server.Object, bool) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object id"})
		return 0, nil, false
	}
	id := protocol.ObjectID(raw)
	obj, ok := g.catalog.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": string(protocol.StatusNoSuchObject)})
		return id, nil, false
	}
	return id, obj, true
}

// serveWebSocket upgrades the request and runs one protocol session on it,
// one frame per text message.
func (g *Gateway) serveWebSocket(c *gin.Context) {
	if g.acceptor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no acceptor"})
		return
	}
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("node", g.ID).Msg("websocket upgrade failed")
		return
	}
	conn := session.NewWebSocketConn(ws, g.cfg.MaxFrameBytes)
	if err := g.acceptor.ServeConn(g.baseCtx, conn); err != nil {
		log.Warn().Err(err).Str("node", g.ID).Str("remote", conn.RemoteAddr()).Msg("websocket session ended")
	}
}

// Serve runs the HTTP server until ctx is done.
func (g *Gateway) Serve(ctx context.Context) error {
	g.baseCtx = ctx
	srv := &http.Server{
		Addr:              g.Addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info().Str("node", g.ID).Str("addr", g.Addr).Msg("admin gateway listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
