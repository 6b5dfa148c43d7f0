// Package storage defines persistence contracts for connect credentials,
// pending authorizations and audit events.
//
// Backends must be read-your-write consistent: a Get after a Put or
// UpdateAccessToken on the same key returns the written fields.
package storage
