package proxy_test

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
	"github.com/zhaohuabing/meta-protocol-proxy/proxy"
	"github.com/zhaohuabing/meta-protocol-proxy/ratelimit"
)

type recordingFactory struct {
	decoded   []*metadata.Metadata
	destroyed *bool
}

func (f *recordingFactory) CreateFilterChain(cb filters.ChainFactoryCallbacks) {
	cb.AddDecoderFilter(&recordingFilter{f: f, destroyed: f.destroyed})
}

type recordingFilter struct {
	filters.FilterBase
	f  *recordingFactory
	cb filters.DecoderFilterCallbacks

	destroyed *bool
}

func (r *recordingFilter) SetDecoderFilterCallbacks(cb filters.DecoderFilterCallbacks) { r.cb = cb }

func (r *recordingFilter) OnMessageDecoded(meta *metadata.Metadata, mut *metadata.Mutation) filters.FilterStatus {
	r.f.decoded = append(r.f.decoded, meta)
	return filters.ContinueIteration
}

func (r *recordingFilter) OnDestroy() {
	if r.destroyed != nil {
		*r.destroyed = true
	}
}

func TestHandleStreamRunsTheConfiguredChain(t *testing.T) {
	factory := &recordingFactory{}
	m := proxy.NewConnectionManager(proxy.ConnectionManagerConfig{Factory: factory})

	_, err := m.HandleStream(context.Background(), &metadata.Metadata{RequestID: "r1"}, &metadata.Mutation{})

	require.NoError(t, err)
	require.Len(t, factory.decoded, 1)
	assert.Equal(t, "r1", factory.decoded[0].RequestID)
}

func TestHandleStreamDeniedByRateLimiterNeverBuildsAStream(t *testing.T) {
	limiter := ratelimit.NewLocalRateLimiter(ratelimit.Settings{
		Global: ratelimit.BucketSettings{MaxTokens: 1, TokensPerFill: 1, FillInterval: 0},
	}, clockwork.NewFakeClock())
	defer limiter.Close()

	factory := &recordingFactory{}
	m := proxy.NewConnectionManager(proxy.ConnectionManagerConfig{Factory: factory, Limiter: limiter})

	_, err := m.HandleStream(context.Background(), &metadata.Metadata{RequestID: "r1"}, &metadata.Mutation{})
	require.NoError(t, err)

	_, err = m.HandleStream(context.Background(), &metadata.Metadata{RequestID: "r2"}, &metadata.Mutation{})
	assert.Error(t, err)

	require.Len(t, factory.decoded, 1)
	assert.Equal(t, "r1", factory.decoded[0].RequestID)
}

func TestHandleStreamUsesExtractorForDescriptors(t *testing.T) {
	starved := ratelimit.Descriptor{{Key: "tenant", Value: "starved"}}

	limiter := ratelimit.NewLocalRateLimiter(ratelimit.Settings{
		Global: ratelimit.BucketSettings{MaxTokens: 100, TokensPerFill: 1, FillInterval: 0},
		Descriptors: map[string]ratelimit.BucketSettings{
			starved.Key(): {MaxTokens: 0, TokensPerFill: 1, FillInterval: 0},
		},
	}, clockwork.NewFakeClock())
	defer limiter.Close()

	factory := &recordingFactory{}
	m := proxy.NewConnectionManager(proxy.ConnectionManagerConfig{
		Factory: factory,
		Limiter: limiter,
		Extractor: func(meta *metadata.Metadata) []ratelimit.Descriptor {
			tenant, _ := meta.Get("tenant")
			return []ratelimit.Descriptor{{{Key: "tenant", Value: tenant}}}
		},
	})

	meta := &metadata.Metadata{RequestID: "r1"}
	meta.Set("tenant", "starved")

	_, err := m.HandleStream(context.Background(), meta, &metadata.Mutation{})

	assert.Error(t, err)
	assert.Empty(t, factory.decoded)
}

func TestFinishResponseDestroysTheStream(t *testing.T) {
	destroyed := false
	factory := &recordingFactory{destroyed: &destroyed}
	m := proxy.NewConnectionManager(proxy.ConnectionManagerConfig{Factory: factory})

	stream, err := m.HandleStream(context.Background(), &metadata.Metadata{RequestID: "r1"}, &metadata.Mutation{})
	require.NoError(t, err)
	require.False(t, destroyed, "a stream must not be destroyed before its response is finished")

	err = m.FinishResponse(context.Background(), stream, &metadata.Metadata{RequestID: "r1"}, &metadata.Mutation{})

	require.NoError(t, err)
	assert.True(t, destroyed, "FinishResponse must destroy the stream once it settles")
}

func TestAbandonStreamDestroysTheStream(t *testing.T) {
	destroyed := false
	factory := &recordingFactory{destroyed: &destroyed}
	m := proxy.NewConnectionManager(proxy.ConnectionManagerConfig{Factory: factory})

	stream, err := m.HandleStream(context.Background(), &metadata.Metadata{RequestID: "r1"}, &metadata.Mutation{})
	require.NoError(t, err)

	m.AbandonStream(stream)

	assert.True(t, destroyed, "AbandonStream must still run the destroy fence when no reply is ever coming")
}
