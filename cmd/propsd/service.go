package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/danmuck/chprops/internal/config"
	"github.com/danmuck/chprops/internal/gateway"
	"github.com/danmuck/chprops/internal/protocol/session"
	"github.com/danmuck/chprops/internal/server"
	"github.com/rs/zerolog/log"
)

// Service wires the shared catalog to the protocol listener and the
// optional admin gateway.
type Service struct {
	cfg      config.ServiceConfig
	catalog  *server.Catalog
	acceptor *session.Acceptor
	gateway  *gateway.Gateway
}

func NewService(cfg config.ServiceConfig) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	catalog := server.NewCatalog()
	for _, oc := range cfg.Objects {
		obj := server.NewObject(oc.Properties)
		obj.SetReadOnly(true, oc.ReadOnly...)
		if err := catalog.Add(oc.ID, obj); err != nil {
			return nil, fmt.Errorf("propsd: object %d: %w", oc.ID, err)
		}
	}

	svc := &Service{
		cfg:      cfg,
		catalog:  catalog,
		acceptor: session.NewAcceptor(cfg.Session, catalog.Factory(cfg.Name, cfg.Specialization)),
	}
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		svc.gateway = gateway.New(gateway.Config{
			ID:          cfg.Name,
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Session:     cfg.Session,
		}, catalog, svc.acceptor)
	}
	return svc, nil
}

func (s *Service) listen() (net.Listener, error) {
	if s.cfg.Listen.Network == "unix" {
		if err := os.Remove(s.cfg.Listen.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("propsd: remove stale socket: %w", err)
		}
	}
	return session.Listen(s.cfg.Listen, s.cfg.Session)
}

// Run serves until ctx is done or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the acceptor on ln and the admin gateway, if configured.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().
		Str("name", s.cfg.Name).
		Str("specialization", s.cfg.Specialization).
		Str("network", s.cfg.Listen.Network).
		Str("addr", ln.Addr().String()).
		Int("objects", len(s.cfg.Objects)).
		Msg("propsd listening")

	adminErr := make(chan error, 1)
	if s.gateway != nil {
		go func() {
			adminErr <- s.gateway.Serve(ctx)
		}()
		s.gateway.SetReady(true)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.acceptor.Serve(ctx, ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		cancel()
		if err != nil {
			<-serveErr
			return fmt.Errorf("propsd: admin gateway: %w", err)
		}
		return <-serveErr
	}
}
