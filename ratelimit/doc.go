// Package ratelimit implements a local, in-process hierarchical token
// bucket limiter: one global bucket plus any number of descriptor-scoped
// buckets, admitted atomically so a request is only let through when every
// bucket it touches has a token to spare.
package ratelimit
