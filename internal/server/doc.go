// Package server implements the server engine: one Server per connection,
// holding memberships of shared Objects and forwarding subscribed property
// changes to its peer.
//
// Object mutation fans out per membership. Each Server queues updates for
// its own peer in a bounded outbox, so delivery is ordered per peer and
// independent across peers. Failed or dropped deliveries are reported to a
// FanoutErrorHandler.
package server
