package router

import (
	"context"

	ot "github.com/opentracing/opentracing-go"
	"github.com/zhaohuabing/meta-protocol-proxy/codec"
	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
	"github.com/zhaohuabing/meta-protocol-proxy/routing"
)

// PrepareResult is the outcome of resolving a matched route's cluster
// against the ClusterManager, short of actually acquiring a connection.
type PrepareResult struct {
	Pool    ConnectionPool
	Cluster Cluster
	Failure *Failure
}

// prepareUpstreamRequest resolves clusterName against cm, producing the
// exact failure/detail pairing a missing or unhealthy cluster should
// report: an unknown name is ClusterNotFound, a cluster flagged for
// maintenance is ClusterMaintenance even though it exists, and a cluster
// with no connection pool available is NoHealthyUpstream.
func prepareUpstreamRequest(cm ClusterManager, clusterName string) PrepareResult {
	cluster, ok := cm.GetCluster(clusterName)
	if !ok {
		return PrepareResult{Failure: &Failure{Code: ClusterNotFound}}
	}

	if cluster.InMaintenanceMode() {
		return PrepareResult{Failure: &Failure{Code: ClusterMaintenance}}
	}

	pool, ok := cm.ConnectionPool(cluster)
	if !ok {
		return PrepareResult{Failure: &Failure{Code: NoHealthyUpstream}}
	}

	return PrepareResult{Pool: pool, Cluster: cluster}
}

// Router is the terminal decoder filter in a chain: it matches the decoded
// message against a route table, resolves a cluster, fires any configured
// shadow writes, and drives an UpstreamRequest to get a reply.
type Router struct {
	filters.FilterBase

	matcher *routing.Matcher
	cm      ClusterManager
	shadow  *ShadowWriter
	outlier OutlierDetector
	log     logging.Logger
	tracer  ot.Tracer
	codec   codec.Codec

	cb filters.DecoderFilterCallbacks

	active *UpstreamRequest

	// RandomValue supplies the random draw weighted-cluster selection and
	// mirror-policy gating consume. Tests inject a fixed sequence;
	// production wires a real source.
	RandomValue func() uint64

	// StreamTransfer, when set, is notified when a StreamInit exchange
	// hands its connection off to a connection-manager-scoped owner. A
	// host wires this to whatever on its side outlives the request that
	// opened the stream; a nil StreamTransfer just logs and drops the
	// connection.
	StreamTransfer func(conn ConnData, host Host)
}

// NewRouter builds a Router over a fixed route table and cluster manager.
// c is the codec used to decode upstream replies; it may be nil for a
// Router that never needs to (e.g. one built only for streaming attempts).
func NewRouter(matcher *routing.Matcher, cm ClusterManager, shadow *ShadowWriter, outlier OutlierDetector, log logging.Logger, tracer ot.Tracer, c codec.Codec) *Router {
	return &Router{
		matcher:     matcher,
		cm:          cm,
		shadow:      shadow,
		outlier:     outlier,
		log:         log,
		tracer:      tracer,
		codec:       c,
		RandomValue: defaultRandomValue,
	}
}

func (r *Router) SetDecoderFilterCallbacks(cb filters.DecoderFilterCallbacks) { r.cb = cb }

func (r *Router) Log() logging.Logger { return r.log }

func (r *Router) ContinueDecoding() { r.cb.ContinueDecoding() }

func (r *Router) SendLocalReply(resp filters.DirectResponse) { r.cb.SendLocalReply(resp) }

func (r *Router) OnUpstreamHostSelected(host Host) {
	if r.log != nil {
		r.log.Debugf("selected upstream host %s", host.Address())
	}
}

// TransferStreamConnection implements RequestOwner for a StreamInit
// exchange: it hands conn to StreamTransfer if the host configured one,
// otherwise closes it since nothing else will.
func (r *Router) TransferStreamConnection(conn ConnData, host Host) {
	if r.StreamTransfer != nil {
		r.StreamTransfer(conn, host)
		return
	}
	if r.log != nil {
		r.log.Warnf("no stream transfer configured, closing stream connection to %s", addressOf(host))
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// OnDestroy implements filters.DecoderFilter, overriding the embedded
// FilterBase no-op: a stream torn down mid-flight must still release
// whatever pending pool handle or open connection its UpstreamRequest
// holds, the same fence the teardown of any other resource goes through.
func (r *Router) OnDestroy() {
	if r.active != nil {
		r.active.ReleaseUpstreamConnection()
	}
}

// OnMessageDecoded implements filters.DecoderFilter. For a routed request
// it returns PauseIteration while a pool acquisition is pending (the
// UpstreamRequest resumes decoding from OnPoolReady/OnPoolFailure),
// ContinueIteration when the pool completed the acquisition before Start
// returned, and StopIteration when that acquisition failed or when it sent
// a local reply for a routing failure.
func (r *Router) OnMessageDecoded(meta *metadata.Metadata, mut *metadata.Mutation) filters.FilterStatus {
	route, err := r.matcher.Match(meta)
	if err != nil {
		f := &Failure{Code: RouteNotFound, Err: err}
		if r.log != nil {
			r.log.Debugf("routing failure: %s", f.ResponseCodeDetail())
		}
		r.cb.SendLocalReply(f.DirectResponse())
		return filters.StopIteration
	}

	randomValue := r.RandomValue()
	clusterName, reqMut, _ := route.ClusterEntry(randomValue)

	for _, m := range reqMut {
		mut.Append(m.Key, m.Value)
	}
	mut.Apply(meta)

	r.fireMirrors(route, meta, randomValue)

	prep := prepareUpstreamRequest(r.cm, clusterName)
	if prep.Failure != nil {
		if r.log != nil {
			r.log.Warnf("routing failure for cluster %q: %s", clusterName, prep.Failure.ResponseCodeDetail())
		}
		r.cb.SendLocalReply(prep.Failure.DirectResponse())
		return filters.StopIteration
	}

	r.active = NewUpstreamRequest(r, prep.Pool, clusterName, meta, mut, r.cb.ActiveSpan(), r.outlier, r.codec)
	return r.active.Start(context.Background())
}

func (r *Router) fireMirrors(route *routing.RouteEntry, meta *metadata.Metadata, randomValue uint64) {
	if r.shadow == nil {
		return
	}
	for _, policy := range route.MirrorPolicies {
		if policy.ShouldShadow(route.RuntimeLoader, randomValue) {
			r.shadow.Submit(policy.Cluster, meta)
		}
	}
}

func defaultRandomValue() uint64 {
	// Callers that care about distribution properties (tests, and any
	// host wanting cryptographic randomness) should override
	// Router.RandomValue; this default only needs to exist so a Router
	// built without one doesn't panic.
	return 0
}
