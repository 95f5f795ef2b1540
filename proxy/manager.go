package proxy

import (
	"context"
	"errors"
	"sync"

	ot "github.com/opentracing/opentracing-go"

	"github.com/zhaohuabing/meta-protocol-proxy/codec"
	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
	"github.com/zhaohuabing/meta-protocol-proxy/ratelimit"
	"github.com/zhaohuabing/meta-protocol-proxy/router"
	"github.com/zhaohuabing/meta-protocol-proxy/routing"
)

// errRatelimited is returned by HandleStream when the connection-wide
// LocalRateLimiter denies a message before a stream is even built for it.
var errRatelimited = errors.New("ratelimited")

// DownstreamWriter sends a message back to whatever is on the other end of
// the downstream connection. A host supplies the real implementation; the
// manager only calls it once a stream's encoder chain has finished running.
type DownstreamWriter interface {
	Write(ctx context.Context, meta *metadata.Metadata) error
}

// DescriptorExtractor derives the rate-limit descriptors a decoded message
// should be charged against, the way a Lookuper derives a rate-limit key
// from an HTTP request. A nil extractor means every message is charged
// against the limiter's global bucket only.
type DescriptorExtractor func(*metadata.Metadata) []ratelimit.Descriptor

// ConnectionManager is what a host builds once per downstream connection. It
// owns the connection's rate limiting and mints a fresh filters.Stream,
// through the configured ChainFactory, for every message the connection's
// codec decodes.
type ConnectionManager struct {
	factory    filters.ChainFactory
	limiter    *ratelimit.LocalRateLimiter
	extractor  DescriptorExtractor
	downstream DownstreamWriter
	log        logging.Logger
	tracer     ot.Tracer

	nextStreamID uint64

	streamMu    sync.Mutex
	streamConns []router.ConnData
}

// ConnectionManagerConfig groups the dependencies a ConnectionManager is
// built from. Limiter, Extractor and Downstream are all optional: a nil
// Limiter disables rate limiting, a nil Extractor charges every message
// against the global bucket, and a nil Downstream is valid for a connection
// that is decode-only (e.g. a shadowed replica of a stream).
type ConnectionManagerConfig struct {
	Factory    filters.ChainFactory
	Limiter    *ratelimit.LocalRateLimiter
	Extractor  DescriptorExtractor
	Downstream DownstreamWriter
	Log        logging.Logger
	Tracer     ot.Tracer
}

// NewConnectionManager builds a ConnectionManager from cfg.
func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = ot.NoopTracer{}
	}
	return &ConnectionManager{
		factory:    cfg.Factory,
		limiter:    cfg.Limiter,
		extractor:  cfg.Extractor,
		downstream: cfg.Downstream,
		log:        cfg.Log,
		tracer:     tracer,
	}
}

// HandleStream decodes one message through a fresh filter chain. It returns
// errRatelimited synchronously when the message is rejected before a stream
// is even built. Any other failure along the chain (unknown cluster, no
// matching route, upstream failure) is handed by the chain to the stream's
// LocalReply hook as a DirectResponse, not returned here; the hook
// HandleStream installs discards it, so the manager writes nothing to the
// peer for such a failure.
//
// Every stream this returns must eventually reach FinishResponse (the
// common case: an upstream reply arrived) or AbandonStream (no reply is
// ever coming, e.g. a one-way message, a reply already sent locally by the
// chain itself, or the downstream connection dropping mid-acquisition) —
// whichever it is, the stream's filters need their OnDestroy fence run
// exactly once.
func (m *ConnectionManager) HandleStream(ctx context.Context, meta *metadata.Metadata, mut *metadata.Mutation) (*filters.Stream, error) {
	if m.limiter != nil {
		if !m.limiter.RequestAllowed(m.descriptorsFor(meta)...) {
			if m.log != nil {
				m.log.Debugf("request %s denied by local rate limiter", meta.RequestID)
			}
			return nil, errRatelimited
		}
	}

	m.nextStreamID++
	id := m.nextStreamID

	span := m.tracer.StartSpan("decode")
	defer span.Finish()

	stream := filters.NewStream(id, m.log, m.tracer, span, m.factory)
	stream.LocalReply = func(filters.DirectResponse) {
		// the manager holds no codec to encode a DirectResponse with; a
		// local reply produced by the chain is dropped here.
	}

	stream.DecodeMessage(meta, mut)
	return stream, nil
}

// FinishResponse runs a decoded upstream reply through stream's encoder
// chain and, once the chain settles, hands the result to the configured
// DownstreamWriter. The stream's lifecycle ends here either way: Destroy
// runs before this returns, the same resetStream()/onDestroy() fence the
// original applies once a request/response exchange is done with.
func (m *ConnectionManager) FinishResponse(ctx context.Context, stream *filters.Stream, meta *metadata.Metadata, mut *metadata.Mutation) error {
	defer stream.Destroy()

	stream.EncodeMessage(meta, mut)

	if m.downstream == nil {
		return nil
	}
	return m.downstream.Write(ctx, meta)
}

// AbandonStream ends a stream's lifecycle without ever reaching
// FinishResponse — a host calls this from whatever downstream-disconnect
// or cancellation path abandons a message HandleStream already started
// decoding (e.g. a stream paused on pool acquisition when its connection
// drops). It runs every registered filter's OnDestroy exactly once, the
// same fence FinishResponse applies on the completion path, so a Router's
// in-flight UpstreamRequest still releases its pool handle or connection
// even when no reply is ever coming.
func (m *ConnectionManager) AbandonStream(stream *filters.Stream) {
	stream.Destroy()
}

func (m *ConnectionManager) descriptorsFor(meta *metadata.Metadata) []ratelimit.Descriptor {
	if m.extractor == nil {
		return nil
	}
	return m.extractor(meta)
}

// AdoptStreamConnection takes ownership of a connection handed off by a
// Stream_Init exchange's UpstreamRequest. The connection outlives the
// request's own Stream, so it is tracked at the ConnectionManager's scope
// and closed with the rest of the connection's resources rather than with
// any single filter chain.
func (m *ConnectionManager) AdoptStreamConnection(conn router.ConnData, host router.Host) {
	if conn == nil {
		return
	}
	if m.log != nil {
		m.log.Debugf("adopted stream connection to %s", host.Address())
	}
	m.streamMu.Lock()
	m.streamConns = append(m.streamConns, conn)
	m.streamMu.Unlock()
}

// Close releases every stream connection this manager adopted. A host calls
// this once when the downstream connection itself goes away.
func (m *ConnectionManager) Close() {
	m.streamMu.Lock()
	conns := m.streamConns
	m.streamConns = nil
	m.streamMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// NewClusterManagerRouter is a convenience constructor tying a
// routing.Matcher and a router.ClusterManager together into the Router a
// ConnectionManager's ChainFactory will typically register as the terminal
// decoder filter of every chain it builds. The returned Router's
// Stream_Init hand-offs land in m, so they outlive the request that opened
// them rather than the chain decoding it.
func NewClusterManagerRouter(m *ConnectionManager, matcher *routing.Matcher, cm router.ClusterManager, shadow *router.ShadowWriter, outlier router.OutlierDetector, log logging.Logger, tracer ot.Tracer, c codec.Codec) *router.Router {
	r := router.NewRouter(matcher, cm, shadow, outlier, log, tracer, c)
	r.StreamTransfer = m.AdoptStreamConnection
	return r
}
