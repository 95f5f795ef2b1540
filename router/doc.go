// Package router matches a decoded message to a cluster and drives an
// UpstreamRequest against a host-owned connection pool to get it there and,
// unless the message is one-way, bring back a reply.
package router
