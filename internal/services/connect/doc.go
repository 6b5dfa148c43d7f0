// Package connect contains the account connection boundary.
//
// It owns the OAuth2 token lifecycle for third-party accounts (authorization,
// code exchange, refresh, revoke) and keeps every credential mutation behind
// one manager so callers only ever see valid tokens or an explicit
// reconnect signal.
package connect
