package router

import (
	"context"

	ot "github.com/opentracing/opentracing-go"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// PoolFailureReason is why a ConnectionPool could not hand back a usable
// connection.
type PoolFailureReason int

const (
	Overflow PoolFailureReason = iota
	Timeout
	LocalConnectionFailure
	RemoteConnectionFailure
)

func (r PoolFailureReason) code() Code {
	switch r {
	case Overflow:
		return PoolOverflow
	case Timeout:
		return PoolTimeout
	case LocalConnectionFailure:
		return LocalConnFailure
	default:
		return RemoteConnFailure
	}
}

// ConnData is a ready, host-owned connection handed to an UpstreamRequest
// once a pool acquisition completes. Write/Close are called by the
// UpstreamRequest and never concurrently with each other for the same
// ConnData.
type ConnData interface {
	Write(ctx context.Context, meta *metadata.Metadata) error
	Close() error
	Host() Host
}

// Host describes the upstream endpoint a ConnData is connected to, as much
// as this module needs: an address for logging/outlier-detector reporting.
type Host interface {
	Address() string
}

// Handle is returned by ConnectionPool.NewConnection for a pending,
// asynchronous acquisition. Cancel is a no-op if the acquisition has
// already completed.
type Handle interface {
	Cancel()
}

// PoolCallbacks receives the outcome of a ConnectionPool.NewConnection
// call, synchronously if the pool can satisfy it immediately, or later on
// an arbitrary goroutine otherwise. Exactly one of OnPoolReady/OnPoolFailure
// is called exactly once per NewConnection call whose Handle was not
// canceled first.
type PoolCallbacks interface {
	OnPoolReady(conn ConnData, host Host)
	OnPoolFailure(reason PoolFailureReason, host Host)
}

// ConnectionPool is the host-owned pool this module acquires upstream
// connections from. It is consumed, not implemented, by this module beyond
// the minimal fakes used in tests.
type ConnectionPool interface {
	// NewConnection starts acquiring a connection for cluster. If it can
	// complete synchronously it returns (nil, true) after already having
	// invoked a callback; otherwise it returns a Handle the caller may
	// Cancel, and invokes a callback later.
	NewConnection(ctx context.Context, cluster string, span ot.Span, cb PoolCallbacks) (Handle, bool)
}

// Cluster is a resolved routing target: a name and whatever maintenance
// state a ClusterManager tracks for it. This module only reads these two
// facts; load-balancer host selection itself is out of scope.
type Cluster interface {
	Name() string
	InMaintenanceMode() bool
}

// ClusterManager resolves a cluster name to a Cluster and to the
// ConnectionPool that serves it. A missing cluster or one with no pool
// (e.g. no healthy upstream) are distinguished so Router can report the
// right failure code.
type ClusterManager interface {
	GetCluster(name string) (Cluster, bool)
	ConnectionPool(cluster Cluster) (ConnectionPool, bool)
}

// OutlierDetector receives pass/fail signals about upstream connectivity.
// This module reports to it but never implements or queries it: outlier
// ejection policy belongs to the cluster manager, out of scope here.
type OutlierDetector interface {
	Report(host Host, success bool)
}
