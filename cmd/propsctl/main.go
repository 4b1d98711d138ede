package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/chprops/internal/client"
	"github.com/danmuck/chprops/internal/logging"
	"github.com/danmuck/chprops/internal/protocol/session"
)

const unsubscribeTimeout = 2 * time.Second

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:7400", "server endpoint: tcp://, tls://, unix://, ws:// or wss://")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	caFile := flag.String("tls-ca", "", "CA bundle for tls and wss endpoints")
	certFile := flag.String("tls-cert", "", "client certificate for mutual TLS")
	keyFile := flag.String("tls-key", "", "client key for mutual TLS")
	serverName := flag.String("tls-server-name", "", "override the verified server name")
	flag.Parse()

	logging.ConfigureRuntime()

	ep, err := session.ParseEndpoint(*addr)
	if err != nil {
		exit(err)
	}
	cfg := session.DefaultConfig()
	cfg.RequestTimeout = *timeout
	cfg.TLS = session.TLSConfig{
		Enabled:    ep.Network == "tls" || ep.Network == "wss",
		Mutual:     *certFile != "",
		CertFile:   *certFile,
		KeyFile:    *keyFile,
		CAFile:     *caFile,
		ServerName: *serverName,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, ep, cfg)
	if err != nil {
		exit(err)
	}
	defer c.Close()

	if err := runCommand(ctx, c, flag.Args(), os.Stdout); err != nil {
		exit(err)
	}
}

func dial(ctx context.Context, ep session.Endpoint, cfg session.Config) (*client.Client, error) {
	if ep.Network != "ws" && ep.Network != "wss" {
		return client.Dial(ctx, ep, cfg)
	}
	conn, err := session.DialWebSocket(ctx, ep.Address, cfg)
	if err != nil {
		return nil, err
	}
	return client.Open(context.WithoutCancel(ctx), conn, cfg)
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "propsctl: %v\n", err)
	if errors.Is(err, ErrUsage) {
		os.Exit(2)
	}
	os.Exit(1)
}
