package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionLogger returns a child of the global logger tagged with session identity.
func SessionLogger(sessionID, transport, remote string) zerolog.Logger {
	return log.With().
		Str("session", sessionID).
		Str("transport", transport).
		Str("remote", remote).
		Logger()
}

// MTypeLabel bounds metric label cardinality for peer-chosen message types.
func MTypeLabel(mtype string, known bool) string {
	if mtype == "" {
		return "none"
	}
	if !known {
		return "unknown"
	}
	return mtype
}
