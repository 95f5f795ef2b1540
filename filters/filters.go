// Package filters defines the decoder/encoder filter chain that a Stream
// drives over a single request/response exchange. Decoder filters see a
// message as it arrives from downstream, encoder filters see it as it
// leaves towards downstream; a Router is always the last decoder filter in
// a chain.
package filters

import (
	"errors"

	ot "github.com/opentracing/opentracing-go"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// ErrInvalidFilterConfig reports configuration that cannot be turned into a
// filter instance. Nothing in this package returns it; FilterFactoryCb has
// no error result.
var ErrInvalidFilterConfig = errors.New("invalid filter configuration")

// FilterStatus is returned by a filter callback to tell the driving Stream
// how to proceed.
type FilterStatus int

const (
	// ContinueIteration lets the stream invoke the next filter immediately.
	ContinueIteration FilterStatus = iota

	// PauseIteration suspends the stream at the current filter. The filter
	// is responsible for calling ContinueDecoding/ContinueEncoding on its
	// callbacks later to resume, or for ending the stream itself.
	PauseIteration

	// StopIteration ends the chain's forward progress for this direction
	// without pausing: no later filter in this direction runs, but the
	// stream is not waiting on anything and may still be torn down.
	StopIteration

	// Retry restarts the chain at the head, with the same metadata and
	// mutation the stream was first invoked with, used by a filter that
	// only discovers late that an earlier decision needs to be unwound.
	Retry
)

func (s FilterStatus) String() string {
	switch s {
	case ContinueIteration:
		return "ContinueIteration"
	case PauseIteration:
		return "PauseIteration"
	case StopIteration:
		return "StopIteration"
	case Retry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// DirectResponse is sent downstream in place of an upstream response, e.g.
// for a local reply or an error. ResponseType mirrors the taxonomy the
// router uses to decide how the message should be encoded.
type ResponseType int

const (
	SuccessReply ResponseType = iota
	ErrorReply
	Exception
)

type DirectResponse struct {
	Type    ResponseType
	Message *metadata.Metadata
}

// FilterBase is embeddable by filter implementations that don't need to
// react to stream teardown.
type FilterBase struct{}

func (FilterBase) OnDestroy() {}

// DecoderFilterCallbacks is the interface a DecoderFilter uses to act on
// its owning Stream: resume after a pause, short-circuit with a local
// reply, or hand the message to the Router's upstream path.
type DecoderFilterCallbacks interface {
	// ContinueDecoding resumes iteration at the filter after the one that
	// paused. Calling it while the chain is not paused has no effect.
	ContinueDecoding()

	// SendLocalReply ends the stream by encoding resp directly to
	// downstream, skipping any remaining decoder filters and the Router.
	SendLocalReply(resp DirectResponse)

	// StreamID identifies the logical stream this callback belongs to.
	StreamID() uint64

	// ActiveSpan is the span covering the current stream, propagated, not
	// emitted, by this module.
	ActiveSpan() ot.Span

	// Tracer returns the tracer that created ActiveSpan, for filters that
	// need to start child spans.
	Tracer() ot.Tracer
}

// EncoderFilterCallbacks mirrors DecoderFilterCallbacks for the response
// path.
type EncoderFilterCallbacks interface {
	ContinueEncoding()
	StreamID() uint64
}

// DecoderFilter inspects and may mutate a decoded message on its way
// upstream.
type DecoderFilter interface {
	// OnMessageDecoded runs once per message. meta carries the decoded
	// message, mut accumulates header/field changes to splice in at
	// encode time.
	OnMessageDecoded(meta *metadata.Metadata, mut *metadata.Mutation) FilterStatus

	// SetDecoderFilterCallbacks is invoked once, before the filter sees
	// any message, so it can hold onto the Stream's callbacks.
	SetDecoderFilterCallbacks(cb DecoderFilterCallbacks)

	// OnDestroy is invoked exactly once, when the owning Stream is torn
	// down; no other method is called on the filter afterwards.
	OnDestroy()
}

// EncoderFilter is the response-path analogue of DecoderFilter.
type EncoderFilter interface {
	OnMessageEncoded(meta *metadata.Metadata, mut *metadata.Mutation) FilterStatus
	SetEncoderFilterCallbacks(cb EncoderFilterCallbacks)
	OnDestroy()
}

// FilterFactoryCb builds one filter instance per stream from static
// configuration captured at registration time.
type FilterFactoryCb func() (DecoderFilter, EncoderFilter)

// ChainFactoryCallbacks is how a ChainFactory hands freshly built filters
// to the Stream that will own them.
type ChainFactoryCallbacks interface {
	AddDecoderFilter(DecoderFilter)
	AddEncoderFilter(EncoderFilter)
	AddFilter(DecoderFilter, EncoderFilter)
}

// ChainFactory builds the ordered filter chain for one new stream. Hosts
// supply a ChainFactory per listener/route configuration; this module does
// not parse configuration into a ChainFactory, only drives the one it is
// given.
type ChainFactory interface {
	CreateFilterChain(cb ChainFactoryCallbacks)
}
