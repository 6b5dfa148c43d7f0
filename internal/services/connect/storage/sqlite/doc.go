// Package sqlite provides the SQLite-backed connect store.
//
// Token columns are sealed with a secret.Sealer before they are written and
// opened on read, so the database file never holds plaintext tokens.
package sqlite
