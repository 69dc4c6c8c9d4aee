// Package client implements the statesync client: it mirrors a curated
// set of entities from a remote statesync server and lets local code
// act on them as if they were local.
//
// # Connection lifecycle
//
// The client moves through disconnected, connecting, and listening.
// Connecting covers the dial, the in-band auth handshake, and the
// per-entity subscriptions. Any failure drops back to disconnected and
// arms a single reconnect attempt after a fixed 30 second delay; a
// periodic health check (Run) catches anything the timer misses.
//
// # State and actions
//
// Authoritative state arrives as state_changed frames and lands in a
// local cache; registered change handlers and the optional host mirror
// see every update. RequestAction derives a service call from the
// entity namespace, applies the desired state to the cache
// optimistically, and sends the call over the duplex channel with a
// bounded wait for the correlated response, falling back to HTTP when
// the channel is down.
package client
