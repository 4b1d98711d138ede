package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/danmuck/chprops/internal/protocol/session"
)

// ObjectConfig seeds one shared object at startup.
type ObjectConfig struct {
	ID         protocol.ObjectID
	Properties map[string]any
	ReadOnly   []string
}

type ServiceConfig struct {
	Name           string
	Specialization string
	Listen         session.Endpoint
	AdminAddr      string
	CORSOrigins    []string
	Session        session.Config
	Objects        []ObjectConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:           "propsd",
		Specialization: "generic",
		Listen:         session.Endpoint{Network: "tcp", Address: ":7400"},
		AdminAddr:      "",
		Session:        session.DefaultConfig(),
	}
}

// FileConfig is the config.toml key mapping. Comments render into
// generated templates.
type FileConfig struct {
	Name                string             `toml:"name" comment:"server name announced in identify"`
	Specialization      string             `toml:"specialization" comment:"server specialization announced in identify"`
	Network             string             `toml:"network" comment:"tcp | tls | unix"`
	Addr                string             `toml:"addr" comment:"host:port, or a socket path for unix"`
	AdminAddr           string             `toml:"admin_addr" comment:"admin HTTP gateway; empty disables it"`
	CORSOrigins         []string           `toml:"cors_origins"`
	RequestTimeoutMS    int64              `toml:"request_timeout_ms"`
	ReadTimeoutMS       int64              `toml:"read_timeout_ms" comment:"idle bound between frames; 0 waits forever"`
	WriteTimeoutMS      int64              `toml:"write_timeout_ms"`
	MaxFrameBytes       int                `toml:"max_frame_bytes"`
	OutboxSize          int                `toml:"outbox_size" comment:"queued updates per peer before drops"`
	SessionSecurityMode string             `toml:"session_security_mode" comment:"development | production"`
	SessionTLSEnabled   bool               `toml:"session_tls_enabled"`
	SessionTLSMutual    bool               `toml:"session_tls_mutual"`
	SessionTLSCertFile  string             `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string             `toml:"session_tls_key_file"`
	SessionTLSCAFile    string             `toml:"session_tls_ca_file"`
	Objects             []ObjectFileConfig `toml:"objects"`
}

type ObjectFileConfig struct {
	ID         int64          `toml:"id" comment:"positive; 0 is the universe"`
	ReadOnly   []string       `toml:"read_only"`
	Properties map[string]any `toml:"properties"`
}

// Load reads a propsd config.toml, overlaying only the keys it defines on
// DefaultServiceConfig.
func Load(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw FileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load propsd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServiceConfig{}, fmt.Errorf("load propsd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("specialization") {
		cfg.Specialization = strings.TrimSpace(raw.Specialization)
	}
	if meta.IsDefined("network") {
		cfg.Listen.Network = strings.ToLower(strings.TrimSpace(raw.Network))
	}
	if meta.IsDefined("addr") {
		cfg.Listen.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("request_timeout_ms") {
		cfg.Session.RequestTimeout = time.Duration(raw.RequestTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("read_timeout_ms") {
		cfg.Session.ReadTimeout = time.Duration(raw.ReadTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("write_timeout_ms") {
		cfg.Session.WriteTimeout = time.Duration(raw.WriteTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("outbox_size") {
		cfg.Session.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}

	switch cfg.Listen.Network {
	case "tcp", "tls", "unix":
	default:
		return ServiceConfig{}, fmt.Errorf("load propsd config: unsupported network %q (expected tcp, tls or unix)", cfg.Listen.Network)
	}
	if cfg.Listen.Address == "" {
		return ServiceConfig{}, fmt.Errorf("load propsd config: addr is required")
	}
	if cfg.Listen.Network == "tls" {
		cfg.Session.TLS.Enabled = true
	}

	seen := make(map[protocol.ObjectID]struct{}, len(raw.Objects))
	for i, obj := range raw.Objects {
		if obj.ID <= 0 {
			return ServiceConfig{}, fmt.Errorf("load propsd config: objects[%d]: id must be positive (0 is the universe)", i)
		}
		id := protocol.ObjectID(obj.ID)
		if _, dup := seen[id]; dup {
			return ServiceConfig{}, fmt.Errorf("load propsd config: objects[%d]: duplicate id %d", i, id)
		}
		seen[id] = struct{}{}
		for _, name := range obj.ReadOnly {
			if _, ok := obj.Properties[name]; !ok {
				return ServiceConfig{}, fmt.Errorf("load propsd config: objects[%d]: read_only names unknown property %q", i, name)
			}
		}
		cfg.Objects = append(cfg.Objects, ObjectConfig{
			ID:         id,
			Properties: obj.Properties,
			ReadOnly:   obj.ReadOnly,
		})
	}

	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Listen.Network != "unix" {
		if err := cfg.Session.ValidateServerTransport(); err != nil {
			return ServiceConfig{}, fmt.Errorf("load propsd config: %w", err)
		}
	}
	return cfg, nil
}
