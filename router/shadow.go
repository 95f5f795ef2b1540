package router

import (
	"context"

	"github.com/aryszka/jobqueue"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// ShadowWriter fires a cloned request at a mirror cluster and discards
// whatever comes back, never surfacing a shadow failure to the primary
// request path. Concurrency is bounded by a LIFO queue, the same shape a
// host uses to bound any other fire-and-forget background work, so a burst
// of mirrored traffic can't unbounded the number of in-flight shadow
// connections.
type ShadowWriter struct {
	cm    ClusterManager
	log   logging.Logger
	queue *jobqueue.Stack
}

// NewShadowWriter builds a ShadowWriter with room for maxConcurrency
// in-flight shadow requests; additional submissions queue up to
// maxQueueSize deep and are dropped past that.
func NewShadowWriter(cm ClusterManager, log logging.Logger, maxConcurrency, maxQueueSize int) *ShadowWriter {
	return &ShadowWriter{
		cm:  cm,
		log: log,
		queue: jobqueue.With(jobqueue.Options{
			MaxConcurrency: maxConcurrency,
			MaxStackSize:   maxQueueSize,
		}),
	}
}

// Submit mirrors meta to cluster in the background. It returns immediately:
// queue admission itself blocks until a concurrency slot frees up or the
// stack's size limit rejects it, and that wait must never happen on the
// caller's goroutine, since Submit is called while the primary decoder
// chain's Stream still holds its lock. Errors are logged, never returned: a
// shadow write's failure must never affect the primary response.
func (w *ShadowWriter) Submit(cluster string, meta *metadata.Metadata) {
	clone := meta.Clone()

	go func() {
		done, err := w.queue.Wait()
		if err != nil {
			if w.log != nil {
				w.log.Warnf("shadow write to cluster %q dropped: %v", cluster, err)
			}
			return
		}
		defer done()
		w.write(cluster, clone)
	}()
}

func (w *ShadowWriter) write(cluster string, meta *metadata.Metadata) {
	prep := prepareUpstreamRequest(w.cm, cluster)
	if prep.Failure != nil {
		if w.log != nil {
			w.log.Warnf("shadow write to cluster %q failed: %s", cluster, prep.Failure.ResponseCodeDetail())
		}
		return
	}

	cb := &discardingPoolCallbacks{log: w.log, meta: meta}
	handle, completedSync := prep.Pool.NewConnection(context.Background(), cluster, nil, cb)
	if !completedSync && handle != nil {
		// fire-and-forget: nothing waits on the async outcome beyond
		// what discardingPoolCallbacks itself does when it lands.
		return
	}
}

// discardingPoolCallbacks writes the mirrored request and closes the
// connection as soon as it is sent, never reading a reply: shadow traffic
// never needs one.
type discardingPoolCallbacks struct {
	log  logging.Logger
	meta *metadata.Metadata
}

func (d *discardingPoolCallbacks) OnPoolReady(conn ConnData, host Host) {
	defer conn.Close()
	if err := conn.Write(context.Background(), d.meta); err != nil && d.log != nil {
		d.log.Warnf("shadow write failed against %s: %v", host.Address(), err)
	}
}

func (d *discardingPoolCallbacks) OnPoolFailure(reason PoolFailureReason, host Host) {
	if d.log != nil {
		d.log.Warnf("shadow connection failed: %s", connectionFailureMessage(reason.code(), addressOf(host)))
	}
}

// Close tears down the underlying queue, waiting for in-flight shadow
// writes to finish or their timeout to expire.
func (w *ShadowWriter) Close() {
	w.queue.Close()
}
