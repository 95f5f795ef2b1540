package router_test

import (
	"context"
	"testing"

	ot "github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaohuabing/meta-protocol-proxy/codec"
	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
	"github.com/zhaohuabing/meta-protocol-proxy/router"
)

// blockingPool never calls back into PoolCallbacks, leaving an
// UpstreamRequest parked in PoolAcquiring indefinitely — useful for
// exercising a reset that arrives while a connection is still pending.
type blockingPool struct {
	handleCancelled bool
}

func (p *blockingPool) NewConnection(_ context.Context, _ string, _ ot.Span, _ router.PoolCallbacks) (router.Handle, bool) {
	return &blockingHandle{p: p}, false
}

type blockingHandle struct{ p *blockingPool }

func (h *blockingHandle) Cancel() { h.p.handleCancelled = true }

type fakeOwner struct {
	continued     bool
	replies       []filters.DirectResponse
	transferredTo router.ConnData
}

func (o *fakeOwner) ContinueDecoding()                          { o.continued = true }
func (o *fakeOwner) SendLocalReply(resp filters.DirectResponse) { o.replies = append(o.replies, resp) }
func (o *fakeOwner) OnUpstreamHostSelected(_ router.Host)       {}
func (o *fakeOwner) Log() logging.Logger                        { return nil }
func (o *fakeOwner) TransferStreamConnection(c router.ConnData, _ router.Host) {
	o.transferredTo = c
}

func newAwaitingUpstreamRequest(t *testing.T, owner router.RequestOwner, conn *fakeConn) *router.UpstreamRequest {
	t.Helper()
	pool := &fakePool{sync: true, conn: conn}
	u := router.NewUpstreamRequest(owner, pool, "checkout", &metadata.Metadata{MessageType: metadata.Request, RequestID: "r1"}, &metadata.Mutation{}, nil, nil, codec.FakeCodec{})
	status := u.Start(context.Background())
	require.Equal(t, filters.ContinueIteration, status)
	require.Equal(t, router.AwaitingResponse, u.CurrentState())
	return u
}

func TestUpstreamRequestCompletesOnDecodedResponse(t *testing.T) {
	owner := &fakeOwner{}
	conn := &fakeConn{host: fakeHost{addr: "10.0.0.9:9000"}}
	u := newAwaitingUpstreamRequest(t, owner, conn)

	u.OnUpstreamData([]byte("partial"))
	assert.Equal(t, router.AwaitingResponse, u.CurrentState(), "a partial frame must not complete the request")
	assert.Empty(t, owner.replies)

	u.OnUpstreamData([]byte(" frame\n"))

	assert.Equal(t, router.Completed, u.CurrentState())
	require.Len(t, owner.replies, 1)
	assert.Equal(t, filters.SuccessReply, owner.replies[0].Type)
	assert.True(t, conn.closed, "the connection is released once the reply is decoded")
}

func TestUpstreamRequestFailsOnCodecError(t *testing.T) {
	owner := &fakeOwner{}
	conn := &fakeConn{host: fakeHost{addr: "10.0.0.9:9000"}}
	u := newAwaitingUpstreamRequest(t, owner, conn)

	u.OnUpstreamData([]byte("ERR: boom\n"))

	assert.Equal(t, router.Failed, u.CurrentState())
	require.Len(t, owner.replies, 1)
	assert.Equal(t, filters.Exception, owner.replies[0].Type)
	assert.True(t, conn.closed)
}

func TestUpstreamRequestConnectionResetReleasesConnectionAndReplies(t *testing.T) {
	owner := &fakeOwner{}
	conn := &fakeConn{host: fakeHost{addr: "10.0.0.9:9000"}}
	u := newAwaitingUpstreamRequest(t, owner, conn)

	u.OnUpstreamConnectionReset(router.RemoteConnectionFailure)

	assert.Equal(t, router.Failed, u.CurrentState())
	require.Len(t, owner.replies, 1, "a non-oneway request gets an exception reply on reset")
	assert.Equal(t, filters.Exception, owner.replies[0].Type)
	assert.True(t, conn.closed, "the dead connection must be released, not leaked")
}

func TestUpstreamRequestConnectionResetOnewayReleasesPendingHandleSilently(t *testing.T) {
	owner := &fakeOwner{}
	pool := &blockingPool{}
	u := router.NewUpstreamRequest(owner, pool, "checkout", &metadata.Metadata{MessageType: metadata.Oneway, RequestID: "r1"}, &metadata.Mutation{}, nil, nil, codec.FakeCodec{})
	status := u.Start(context.Background())
	require.Equal(t, filters.PauseIteration, status, "a pool that never calls back leaves the request paused on acquisition")
	require.Equal(t, router.PoolAcquiring, u.CurrentState())

	u.OnUpstreamConnectionReset(router.RemoteConnectionFailure)

	assert.Equal(t, router.Failed, u.CurrentState())
	assert.Empty(t, owner.replies, "a one-way request is reset silently, no reply to a peer expecting nothing back")
	assert.True(t, pool.handleCancelled, "the pending pool handle must be released even when no reply is sent")
}
