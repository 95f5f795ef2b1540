// Package proxy hosts the ConnectionManager, the piece a host builds once
// per downstream connection. It owns the global LocalRateLimiter check and
// builds a fresh filters.Stream, wired to a ChainFactory, for every decoded
// message.
package proxy
