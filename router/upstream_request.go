package router

import (
	"bytes"
	"context"
	"sync"

	ot "github.com/opentracing/opentracing-go"
	"github.com/zhaohuabing/meta-protocol-proxy/codec"
	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// State is one step of an UpstreamRequest's lifecycle. Transitions only
// ever move forward except where noted; there is no path back to an
// earlier state.
type State int

const (
	Init State = iota
	PoolAcquiring
	PoolReadySync
	Writing
	AwaitingResponse
	StreamOpen
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case PoolAcquiring:
		return "PoolAcquiring"
	case PoolReadySync:
		return "PoolReadySync"
	case Writing:
		return "Writing"
	case AwaitingResponse:
		return "AwaitingResponse"
	case StreamOpen:
		return "StreamOpen"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RequestOwner is what an UpstreamRequest calls back into; in this module
// that is the Router. ShadowWriter does not use an UpstreamRequest: it
// talks to the pool through its own callbacks and discards the reply.
type RequestOwner interface {
	ContinueDecoding()
	SendLocalReply(resp filters.DirectResponse)
	OnUpstreamHostSelected(host Host)
	Log() logging.Logger

	// TransferStreamConnection hands conn to the connection-manager-scoped
	// owner that outlives the request which opened it, for a StreamInit
	// exchange. The UpstreamRequest that calls this gives up ownership of
	// conn immediately afterwards; it is the receiver's job to close it
	// eventually.
	TransferStreamConnection(conn ConnData, host Host)
}

// UpstreamRequest owns one attempt to get meta to an upstream and, unless
// it is one-way, to get a reply back. A Router creates exactly one live
// UpstreamRequest per decoded request.
type UpstreamRequest struct {
	mu sync.Mutex

	owner RequestOwner
	pool  ConnectionPool
	span  ot.Span
	log   logging.Logger
	codec codec.Codec

	cluster     string
	clusterName string

	state State

	meta *metadata.Metadata
	mut  *metadata.Mutation

	handle Handle
	conn   ConnData
	host   Host

	respBuf *bytes.Buffer

	requestComplete  bool
	responseStarted  bool
	responseComplete bool
	streamReset      bool

	outlier OutlierDetector
}

// NewUpstreamRequest builds an UpstreamRequest bound to one cluster's pool.
// Start must be called exactly once to kick off acquisition. c may be nil
// for one-way and stream-init attempts, which never decode an upstream
// reply.
func NewUpstreamRequest(owner RequestOwner, pool ConnectionPool, cluster string, meta *metadata.Metadata, mut *metadata.Mutation, span ot.Span, outlier OutlierDetector, c codec.Codec) *UpstreamRequest {
	return &UpstreamRequest{
		owner:       owner,
		pool:        pool,
		cluster:     cluster,
		clusterName: cluster,
		meta:        meta,
		mut:         mut,
		span:        span,
		log:         owner.Log(),
		state:       Init,
		outlier:     outlier,
		codec:       c,
	}
}

// Start begins pool acquisition. Returns PauseIteration if the caller
// should suspend decoding until OnPoolReady/OnPoolFailure resumes it;
// ContinueIteration, or StopIteration after a failure, if a pool callback
// already ran before Start returned. Such an early callback sees state Init
// and does not call ContinueDecoding.
func (u *UpstreamRequest) Start(ctx context.Context) filters.FilterStatus {
	handle, completedSync := u.pool.NewConnection(ctx, u.cluster, u.span, u)

	u.mu.Lock()
	defer u.mu.Unlock()

	if completedSync || u.state != Init {
		// OnPoolReady/OnPoolFailure already ran, inside NewConnection or
		// on another goroutine before this point, and already advanced
		// state; nothing further to pause for.
		if u.state == Failed {
			return filters.StopIteration
		}
		return filters.ContinueIteration
	}

	u.state = PoolAcquiring
	u.handle = handle
	return filters.PauseIteration
}

// OnPoolReady implements PoolCallbacks. It stages the connection, tags the
// selected host on the owner, writes the request, and resumes decoding when
// the acquisition was asynchronous, unless the message is one-way (in which
// case there is nothing further downstream to continue).
func (u *UpstreamRequest) OnPoolReady(conn ConnData, host Host) {
	u.mu.Lock()

	u.conn = conn
	u.host = host
	if u.outlier != nil {
		u.outlier.Report(host, true)
	}
	u.meta.Set(string(metadata.RealServerAddress), host.Address())

	wasAsync := u.state == PoolAcquiring
	u.state = PoolReadySync

	u.mu.Unlock()

	u.owner.OnUpstreamHostSelected(host)

	u.encodeData()

	if wasAsync && !u.meta.IsOneway() {
		u.owner.ContinueDecoding()
	}
}

// OnPoolFailure implements PoolCallbacks. Overflow never resumes decoding
// on its own — the caller is expected to have already decided to reject
// the request rather than wait — while the three connectivity failures
// resume decoding when the acquisition was asynchronous, since the caller
// paused waiting specifically for this outcome and now needs to see the
// failure reply.
func (u *UpstreamRequest) OnPoolFailure(reason PoolFailureReason, host Host) {
	u.mu.Lock()
	wasAsync := u.state == PoolAcquiring
	u.state = Failed
	u.mu.Unlock()

	if u.outlier != nil && host != nil {
		u.outlier.Report(host, false)
	}

	code := reason.code()
	message := connectionFailureMessage(code, addressOf(host))

	if u.log != nil {
		u.log.Warnf("upstream connection failed: %s", message)
	}

	if u.meta.IsOneway() {
		// one-way traffic gets no reply even on failure; there is
		// nothing waiting on the other end of a response.
		if wasAsync {
			u.owner.ContinueDecoding()
		}
		return
	}

	u.owner.SendLocalReply(filters.DirectResponse{Type: filters.Exception, Message: u.meta})

	if reason != Overflow && wasAsync {
		u.owner.ContinueDecoding()
	}
}

func addressOf(h Host) string {
	if h == nil {
		return ""
	}
	return h.Address()
}

func (u *UpstreamRequest) encodeData() {
	u.mu.Lock()
	conn := u.conn
	host := u.host
	meta := u.meta
	mut := u.mut
	u.state = Writing
	u.mu.Unlock()

	if mut != nil {
		mut.Apply(meta)
	}

	if err := conn.Write(context.Background(), meta); err != nil {
		u.onLocalWriteFailure(err)
		return
	}

	u.mu.Lock()
	u.requestComplete = true
	switch {
	case meta.IsOneway():
		u.state = Completed
	case meta.IsStreamInit():
		u.state = StreamOpen
		u.conn = nil
	default:
		u.state = AwaitingResponse
	}
	u.mu.Unlock()

	if meta.IsStreamInit() {
		// the connection outlives this one request; hand it to the
		// connection-manager-scoped owner and give up on it here.
		u.owner.TransferStreamConnection(conn, host)
	}
}

func (u *UpstreamRequest) onLocalWriteFailure(err error) {
	u.mu.Lock()
	u.state = Failed
	u.mu.Unlock()

	if u.log != nil {
		u.log.Errorf("failed writing upstream request: %v", err)
	}

	if !u.meta.IsOneway() {
		u.owner.SendLocalReply(filters.DirectResponse{Type: filters.Exception, Message: u.meta})
	}
}

// OnUpstreamData feeds newly arrived upstream bytes through the configured
// codec while in AwaitingResponse. A Waiting result just buffers and waits
// for more; Done delivers the decoded reply downstream and completes the
// exchange; Error sends the codec's own exception reply and fails it. It is
// a no-op when no codec was configured or the request isn't awaiting a
// reply (e.g. late bytes after a reset).
func (u *UpstreamRequest) OnUpstreamData(data []byte) {
	u.mu.Lock()
	if u.state != AwaitingResponse || u.codec == nil {
		u.mu.Unlock()
		return
	}
	if u.respBuf == nil {
		u.respBuf = &bytes.Buffer{}
	}
	u.respBuf.Write(data)
	buf := u.respBuf
	c := u.codec
	u.mu.Unlock()

	resp := &metadata.Metadata{MessageType: metadata.Response, RequestID: u.meta.RequestID}
	switch c.Decode(buf, resp) {
	case codec.Waiting:
		return
	case codec.Done:
		u.onResponseDecoded(resp)
	case codec.Error:
		u.onCodecError(resp, c)
	}
}

func (u *UpstreamRequest) onResponseDecoded(resp *metadata.Metadata) {
	u.mu.Lock()
	u.responseStarted = true
	u.responseComplete = true
	u.state = Completed
	u.mu.Unlock()

	u.owner.SendLocalReply(filters.DirectResponse{Type: filters.SuccessReply, Message: resp})
	u.ReleaseUpstreamConnection()
}

func (u *UpstreamRequest) onCodecError(resp *metadata.Metadata, c codec.Codec) {
	u.mu.Lock()
	u.state = Failed
	u.mu.Unlock()

	if u.log != nil {
		u.log.Errorf("codec error decoding upstream response for request %s", u.meta.RequestID)
	}

	u.owner.SendLocalReply(c.OnError(resp))
	u.ReleaseUpstreamConnection()
}

// OnUpstreamConnectionReset handles the connection dropping mid-exchange
// (distinct from OnPoolFailure, which covers never getting one at all), and
// also a reset that arrives while acquisition is still pending, in which
// case ReleaseUpstreamConnection cancels the pool handle. One-way requests
// are reset silently; everything else gets an Exception reply whose Message
// is the request's own metadata. The failure description naming the reason
// and host is only logged; the reply does not carry it.
func (u *UpstreamRequest) OnUpstreamConnectionReset(reason PoolFailureReason) {
	u.mu.Lock()
	alreadyDone := u.state == Completed || u.state == Failed
	u.state = Failed
	u.streamReset = true
	u.mu.Unlock()

	if alreadyDone {
		return
	}

	if u.meta.IsOneway() {
		u.ReleaseUpstreamConnection()
		return
	}

	message := connectionFailureMessage(reason.code(), addressOf(u.host))
	if u.log != nil {
		u.log.Warnf("upstream connection reset: %s", message)
	}

	u.owner.SendLocalReply(filters.DirectResponse{Type: filters.Exception, Message: u.meta})
	u.ReleaseUpstreamConnection()
}

// ReleaseUpstreamConnection cancels any still-pending pool handle first,
// then closes the connection. The order matters: canceling after closing
// could race a late OnPoolReady into handing back a connection nobody will
// ever close.
func (u *UpstreamRequest) ReleaseUpstreamConnection() {
	u.mu.Lock()
	handle := u.handle
	conn := u.conn
	u.handle = nil
	u.conn = nil
	u.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// CurrentState reports the state machine's current state, mainly for
// tests and diagnostics.
func (u *UpstreamRequest) CurrentState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}
