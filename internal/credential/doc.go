// Package credential owns the durable mapping of client identity to
// issued bearer token.
//
// The Store is the single writer of client records: registration issues
// a token through the token authority and persists the record before
// returning, revocation deletes it. The table survives restarts via a
// SQLite-backed Repository and is loaded once at startup.
//
// Membership in this store is the revocation mechanism: a token that
// still verifies cryptographically is rejected at the call site when
// its subject no longer has a record here.
package credential
