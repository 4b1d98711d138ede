package config

import (
	"fmt"
	"os"

	tomlv2 "github.com/pelletier/go-toml/v2"
)

// TemplateConfig is the documented starting point written by configgen.
func TemplateConfig() FileConfig {
	def := DefaultServiceConfig()
	return FileConfig{
		Name:                def.Name,
		Specialization:      "demo",
		Network:             def.Listen.Network,
		Addr:                "127.0.0.1:7400",
		AdminAddr:           "127.0.0.1:7401",
		CORSOrigins:         []string{"http://localhost:3000"},
		RequestTimeoutMS:    def.Session.RequestTimeout.Milliseconds(),
		ReadTimeoutMS:       def.Session.ReadTimeout.Milliseconds(),
		WriteTimeoutMS:      def.Session.WriteTimeout.Milliseconds(),
		MaxFrameBytes:       def.Session.MaxFrameBytes,
		OutboxSize:          def.Session.OutboxSize,
		SessionSecurityMode: string(def.Session.SecurityMode),
		Objects: []ObjectFileConfig{
			{
				ID:         1,
				ReadOnly:   []string{"kind"},
				Properties: map[string]any{"kind": "lamp", "on": false, "brightness": 40},
			},
			{
				ID:         2,
				ReadOnly:   []string{},
				Properties: map[string]any{"mode": "auto", "setpoint": 21.5},
			},
		},
	}
}

func Template() ([]byte, error) {
	out, err := tomlv2.Marshal(TemplateConfig())
	if err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return out, nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, template, 0o600)
}
