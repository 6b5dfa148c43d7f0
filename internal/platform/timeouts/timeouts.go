// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ProviderRequest caps a single outbound call to an OAuth provider when the
// configured request timeout is unset.
const ProviderRequest = 10 * time.Second

// RefreshFlight caps a shared refresh flight. It outlives any single caller
// so one cancelled request does not abort the refresh for everyone waiting.
const RefreshFlight = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
