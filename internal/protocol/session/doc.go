// Package session owns the per-connection session layer.
//
// Ownership boundary:
// - reassembling transport reads into complete frames
// - ordered, deadline-bound frame writes
// - one Application per Session, constructed together
// - transport bindings (tcp, tls, unix, websocket), dial retry/backoff
// - transport security policy
//
// A Session drives its Application from a single goroutine: Receive is never
// called concurrently for one connection. Send is safe for concurrent use and
// preserves the order in which calls acquire the connection.
package session
