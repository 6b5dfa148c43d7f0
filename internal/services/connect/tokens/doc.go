// Package tokens owns the credential lifecycle: starting authorizations,
// completing callbacks, handing out valid access tokens, refreshing them when
// they near expiry, and revoking them.
//
// Manager is the only writer of credentials and the only place where a
// rejected refresh becomes a "requires auth" result. Callers above it see
// TokenResult values, never raw provider errors.
package tokens
