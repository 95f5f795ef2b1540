package router

import (
	"context"
	"sync"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// UpstreamHandler is a pre-established, possibly-multiplexed upstream
// connection a host may already have open, as an alternative to acquiring
// one fresh from a ConnectionPool per request — the way a streaming
// multiplexed backend lets many logical requests share one live
// connection. Router itself always builds the pool-acquisition
// UpstreamRequest; a HandlerUpstreamRequest is only created by calling
// NewHandlerUpstreamRequest directly.
type UpstreamHandler interface {
	// IsPoolReady reports whether the handler already has a usable
	// connection, letting a request on an already-warm multiplexed
	// connection skip acquisition latency entirely.
	IsPoolReady() bool

	// Conn returns the ready connection. Only valid when IsPoolReady is
	// true.
	Conn() ConnData

	// RegisterCallback arranges for cb to be invoked once, whenever the
	// handler's connection does become ready or fails, for callers that
	// found IsPoolReady false.
	RegisterCallback(cb PoolCallbacks)
}

// HandlerUpstreamRequest is the UpstreamHandler-backed counterpart to
// UpstreamRequest: same owner/state-machine contract, different source of
// connections.
type HandlerUpstreamRequest struct {
	mu sync.Mutex

	owner   RequestOwner
	handler UpstreamHandler
	log     logging.Logger

	host Host

	meta *metadata.Metadata
	mut  *metadata.Mutation

	state State
}

// NewHandlerUpstreamRequest builds a HandlerUpstreamRequest over an
// already-running UpstreamHandler.
func NewHandlerUpstreamRequest(owner RequestOwner, handler UpstreamHandler, meta *metadata.Metadata, mut *metadata.Mutation) *HandlerUpstreamRequest {
	return &HandlerUpstreamRequest{
		owner:   owner,
		handler: handler,
		meta:    meta,
		mut:     mut,
		log:     owner.Log(),
		state:   Init,
	}
}

// Start mirrors UpstreamRequest.Start: synchronous completion when the
// handler is already warm, pause-and-wait otherwise.
func (h *HandlerUpstreamRequest) Start(ctx context.Context) filters.FilterStatus {
	if h.handler.IsPoolReady() {
		h.OnPoolReady(h.handler.Conn(), h.conn2host(h.handler.Conn()))
		h.mu.Lock()
		failed := h.state == Failed
		h.mu.Unlock()
		if failed {
			return filters.StopIteration
		}
		return filters.ContinueIteration
	}

	h.mu.Lock()
	h.state = PoolAcquiring
	h.mu.Unlock()

	h.handler.RegisterCallback(h)
	return filters.PauseIteration
}

func (h *HandlerUpstreamRequest) conn2host(conn ConnData) Host {
	if conn == nil {
		return nil
	}
	return conn.Host()
}

// OnPoolReady implements PoolCallbacks.
func (h *HandlerUpstreamRequest) OnPoolReady(conn ConnData, host Host) {
	h.mu.Lock()
	h.host = host
	wasAsync := h.state == PoolAcquiring
	h.state = Writing
	h.mu.Unlock()

	h.owner.OnUpstreamHostSelected(host)

	if h.mut != nil {
		h.mut.Apply(h.meta)
	}

	if err := conn.Write(context.Background(), h.meta); err != nil {
		h.mu.Lock()
		h.state = Failed
		h.mu.Unlock()
		if h.log != nil {
			h.log.Errorf("failed writing upstream request via handler: %v", err)
		}
		if !h.meta.IsOneway() {
			h.owner.SendLocalReply(filters.DirectResponse{Type: filters.Exception, Message: h.meta})
		}
		return
	}

	h.mu.Lock()
	if h.meta.IsOneway() {
		h.state = Completed
	} else {
		h.state = AwaitingResponse
	}
	h.mu.Unlock()

	if wasAsync && !h.meta.IsOneway() {
		h.owner.ContinueDecoding()
	}
}

// OnPoolFailure implements PoolCallbacks.
func (h *HandlerUpstreamRequest) OnPoolFailure(reason PoolFailureReason, host Host) {
	h.mu.Lock()
	wasAsync := h.state == PoolAcquiring
	h.state = Failed
	h.mu.Unlock()

	if h.log != nil {
		h.log.Warnf("handler upstream connection failed: %s", connectionFailureMessage(reason.code(), addressOf(host)))
	}

	if h.meta.IsOneway() {
		if wasAsync {
			h.owner.ContinueDecoding()
		}
		return
	}

	h.owner.SendLocalReply(filters.DirectResponse{Type: filters.Exception, Message: h.meta})

	if reason != Overflow && wasAsync {
		h.owner.ContinueDecoding()
	}
}

// CurrentState reports the state machine's current state.
func (h *HandlerUpstreamRequest) CurrentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
