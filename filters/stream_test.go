package filters_test

import (
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

type recordingFilter struct {
	filters.FilterBase
	name   string
	status filters.FilterStatus
	order  *[]string
	cb     filters.DecoderFilterCallbacks
	panics bool

	// retryOnce, when set, makes the filter return Retry exactly once
	// and ContinueIteration on every later visit, so a test can observe
	// the chain restarting at the head without looping forever.
	retryOnce bool
	retried   bool
}

func (f *recordingFilter) SetDecoderFilterCallbacks(cb filters.DecoderFilterCallbacks) { f.cb = cb }

func (f *recordingFilter) OnMessageDecoded(meta *metadata.Metadata, mut *metadata.Mutation) filters.FilterStatus {
	*f.order = append(*f.order, f.name)
	if f.panics {
		panic("boom")
	}
	if f.retryOnce && !f.retried {
		f.retried = true
		return filters.Retry
	}
	return f.status
}

type chainOf struct {
	filters []*recordingFilter
}

func (c *chainOf) CreateFilterChain(cb filters.ChainFactoryCallbacks) {
	for _, f := range c.filters {
		cb.AddDecoderFilter(f)
	}
}

func TestStreamContinuesThroughAllFilters(t *testing.T) {
	var order []string
	chain := &chainOf{filters: []*recordingFilter{
		{name: "a", status: filters.ContinueIteration, order: &order},
		{name: "b", status: filters.ContinueIteration, order: &order},
		{name: "c", status: filters.ContinueIteration, order: &order},
	}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)
	s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestStreamPausesAndResumes(t *testing.T) {
	var order []string
	b := &recordingFilter{name: "b", status: filters.PauseIteration, order: &order}
	chain := &chainOf{filters: []*recordingFilter{
		{name: "a", status: filters.ContinueIteration, order: &order},
		b,
		{name: "c", status: filters.ContinueIteration, order: &order},
	}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)
	s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})
	assert.Equal(t, []string{"a", "b"}, order)

	s.ContinueDecoding()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestStreamRetryRestartsAtHead(t *testing.T) {
	var order []string
	b := &recordingFilter{name: "b", status: filters.ContinueIteration, order: &order, retryOnce: true}
	chain := &chainOf{filters: []*recordingFilter{
		{name: "a", status: filters.ContinueIteration, order: &order},
		b,
		{name: "c", status: filters.ContinueIteration, order: &order},
	}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)
	s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})

	assert.Equal(t, []string{"a", "b", "a", "b", "c"}, order,
		"Retry must restart the chain at the head, not re-run only the retrying filter")
}

func TestStreamStopsOnStopIteration(t *testing.T) {
	var order []string
	chain := &chainOf{filters: []*recordingFilter{
		{name: "a", status: filters.StopIteration, order: &order},
		{name: "b", status: filters.ContinueIteration, order: &order},
	}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)
	s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})
	assert.Equal(t, []string{"a"}, order)
}

func TestStreamRecoversFilterPanic(t *testing.T) {
	var order []string
	panicking := &recordingFilter{name: "panics", status: filters.ContinueIteration, order: &order, panics: true}
	after := &recordingFilter{name: "after", status: filters.ContinueIteration, order: &order}
	chain := &chainOf{filters: []*recordingFilter{panicking, after}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)

	var gotPanic interface{}
	s.OnFilterPanic = func(idx int, err interface{}) { gotPanic = err }

	require.NotPanics(t, func() {
		s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})
	})
	assert.Equal(t, "boom", gotPanic)
	assert.Equal(t, []string{"panics"}, order, "chain must not advance past a panicking filter")
}

func TestSendLocalReplyEndsDecoding(t *testing.T) {
	var order []string
	replying := &localReplyFilter{order: &order}
	chain := &chainOf2{filters: []filters.DecoderFilter{replying, &recordingFilter{name: "b", status: filters.ContinueIteration, order: &order}}}

	s := filters.NewStream(1, nil, opentracing.NoopTracer{}, nil, chain)

	var got *filters.DirectResponse
	s.LocalReply = func(r filters.DirectResponse) { got = &r }

	s.DecodeMessage(&metadata.Metadata{}, &metadata.Mutation{})
	require.NotNil(t, got)
	assert.Equal(t, []string{"replying"}, order)
}

type localReplyFilter struct {
	filters.FilterBase
	order *[]string
	cb    filters.DecoderFilterCallbacks
}

func (f *localReplyFilter) SetDecoderFilterCallbacks(cb filters.DecoderFilterCallbacks) { f.cb = cb }

func (f *localReplyFilter) OnMessageDecoded(meta *metadata.Metadata, mut *metadata.Mutation) filters.FilterStatus {
	*f.order = append(*f.order, "replying")
	f.cb.SendLocalReply(filters.DirectResponse{Type: filters.SuccessReply, Message: meta})
	return filters.StopIteration
}

type chainOf2 struct {
	filters []filters.DecoderFilter
}

func (c *chainOf2) CreateFilterChain(cb filters.ChainFactoryCallbacks) {
	for _, f := range c.filters {
		cb.AddDecoderFilter(f)
	}
}
