// Package entity defines the shared entity data model for statesync.
//
// A Snapshot is the transient wire representation of an entity's state:
// identifier, state string, free-form attributes, and change timestamps.
// Snapshots are recomputed from host state on every read or change
// event; the sync core never persists them.
//
// The package also owns the namespace-to-service dispatch table used by
// the sync client to turn a desired entity state into a concrete host
// service call (light.turn_on, cover.close_cover, ...). The mapping is
// total: unrecognised namespaces fall back to a generic on/off call.
package entity
