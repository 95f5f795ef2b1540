package ratelimit

import (
	"time"

	"go.uber.org/atomic"
)

// BucketSettings configures one token bucket: it starts full at MaxTokens
// and refills by TokensPerFill every FillInterval, never exceeding
// MaxTokens.
type BucketSettings struct {
	MaxTokens     uint32
	TokensPerFill uint32
	FillInterval  time.Duration
}

// tokenBucket is one CAS-admitted bucket. tokens and fillTime are updated
// with atomic compare-and-swap so RequestAllowed never needs a mutex on the
// hot path; a losing CAS simply retries against the freshly observed state.
type tokenBucket struct {
	maxTokens     uint32
	tokensPerFill uint32
	fillInterval  int64 // nanoseconds

	tokens   atomic.Uint32
	fillTime atomic.Int64 // unix nanoseconds of the last fill
}

func newTokenBucket(maxTokens, tokensPerFill uint32, fillInterval int64, now int64) *tokenBucket {
	b := &tokenBucket{maxTokens: maxTokens, tokensPerFill: tokensPerFill, fillInterval: fillInterval}
	b.tokens.Store(maxTokens)
	b.fillTime.Store(now)
	return b
}

// due reports whether at least one fill interval has elapsed since the
// bucket's last fill.
func (b *tokenBucket) due(now int64) bool {
	return b.fillInterval > 0 && now-b.fillTime.Load() >= b.fillInterval
}

// refill adds one fill's worth of tokens, capped at maxTokens, and records
// now as the new fill time. Called by the limiter's recurring timer, never
// from the request path.
func (b *tokenBucket) refill(now int64) {
	for {
		cur := b.tokens.Load()
		next := cur + b.tokensPerFill
		if next > b.maxTokens || next < cur {
			next = b.maxTokens
		}
		if b.tokens.CAS(cur, next) {
			b.fillTime.Store(now)
			return
		}
	}
}

// tryAcquire attempts to take one token via CAS retry, returning whether it
// succeeded. It never blocks.
func (b *tokenBucket) tryAcquire() bool {
	for {
		cur := b.tokens.Load()
		if cur == 0 {
			return false
		}
		if b.tokens.CAS(cur, cur-1) {
			return true
		}
	}
}

// release gives back one token, capped at maxTokens; used to roll back an
// acquisition on a bucket that already succeeded once a sibling bucket in
// the same request denies the overall request.
func (b *tokenBucket) release() {
	for {
		cur := b.tokens.Load()
		if cur >= b.maxTokens {
			return
		}
		if b.tokens.CAS(cur, cur+1) {
			return
		}
	}
}

// current reports the bucket's token count, for diagnostics/tests.
func (b *tokenBucket) current() uint32 { return b.tokens.Load() }
