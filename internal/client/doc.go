// Package client implements the client engine for one connection.
//
// Requests carry a token drawn from a per-client counter and wait for the
// reply with the same token, bounded by ctx or the configured request
// timeout. Update frames are handed to callbacks on a dispatcher goroutine
// in arrival order, off the session read loop.
package client
