package filters

import (
	"runtime"
	"sync"
	"sync/atomic"

	ot "github.com/opentracing/opentracing-go"
	"github.com/zhaohuabing/meta-protocol-proxy/logging"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// tryCatch recovers a panicking filter the same way a misbehaving filter is
// contained in a long-lived process: log it and stop that stream's chain
// instead of taking the whole connection down.
func tryCatch(p func(), onErr func(err interface{}, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			onErr(err, string(buf[:n]))
		}
	}()

	p()
}

// Stream drives one request/response exchange through an ordered list of
// decoder filters followed by the same list's encoder filters in reverse.
// DecodeMessage, EncodeMessage, the Continue* callbacks and Destroy are
// serialized by an internal mutex, so a pool callback may resume the stream
// from another goroutine; building the chain through the Add* methods is
// not synchronized and happens before the first message.
type Stream struct {
	id  uint64
	log logging.Logger
	tr  ot.Tracer
	sp  ot.Span

	mu sync.Mutex

	decoders    []DecoderFilter
	decoderIdx  int
	decodePaused bool
	decodeMeta  *metadata.Metadata
	decodeMut   *metadata.Mutation

	encoders    []EncoderFilter
	encoderIdx  int
	encodePaused bool
	encodeMeta  *metadata.Metadata
	encodeMut   *metadata.Mutation

	destroyed bool

	// localReplied is set by SendLocalReply without taking mu, since a
	// decoder filter calls it from inside DecodeMessage.
	localReplied atomic.Bool

	// OnFilterPanic, when set, is notified on every recovered filter
	// panic in addition to the log line; tests use this to observe which
	// panic was recovered.
	OnFilterPanic func(filterIndex int, err interface{})

	// LocalReply, when set, receives DirectResponse values produced by
	// SendLocalReply. The host wires this to its downstream encoder.
	LocalReply func(DirectResponse)
}

// NewStream creates a Stream bound to one logical request/response
// exchange. factory populates the decoder/encoder lists via
// ChainFactoryCallbacks before any message arrives.
func NewStream(id uint64, log logging.Logger, tracer ot.Tracer, span ot.Span, factory ChainFactory) *Stream {
	s := &Stream{id: id, log: log, tr: tracer, sp: span}
	factory.CreateFilterChain(s)
	return s
}

func (s *Stream) AddDecoderFilter(f DecoderFilter) {
	f.SetDecoderFilterCallbacks(s)
	s.decoders = append(s.decoders, f)
}

func (s *Stream) AddEncoderFilter(f EncoderFilter) {
	f.SetEncoderFilterCallbacks(s)
	s.encoders = append(s.encoders, f)
}

func (s *Stream) AddFilter(d DecoderFilter, e EncoderFilter) {
	if d != nil {
		s.AddDecoderFilter(d)
	}
	if e != nil {
		s.AddEncoderFilter(e)
	}
}

func (s *Stream) StreamID() uint64    { return s.id }
func (s *Stream) ActiveSpan() ot.Span { return s.sp }
func (s *Stream) Tracer() ot.Tracer   { return s.tr }

// DecodeMessage runs the decoder filter chain starting at the current
// cursor, which is 0 on first call and wherever ContinueDecoding left it on
// resumption. It returns once every filter has run, one has paused the
// chain, or one ended it with StopIteration/SendLocalReply.
func (s *Stream) DecodeMessage(meta *metadata.Metadata, mut *metadata.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	if meta == nil {
		meta, mut = s.decodeMeta, s.decodeMut
	} else {
		s.decodeMeta, s.decodeMut = meta, mut
	}

	for s.decoderIdx < len(s.decoders) {
		if s.localReplied.Load() {
			s.decoderIdx = len(s.decoders)
			s.decodePaused = false
			return
		}
		f := s.decoders[s.decoderIdx]
		idx := s.decoderIdx
		status := s.runDecoder(f, idx, meta, mut)

		switch status {
		case ContinueIteration:
			s.decoderIdx++
		case PauseIteration:
			s.decodePaused = true
			return
		case StopIteration:
			return
		case Retry:
			// restart the chain at the head with the same meta/mut
			// the stream was first invoked with; the filter that
			// asked for this is responsible for not looping forever.
			s.decoderIdx = 0
		}
	}
}

func (s *Stream) runDecoder(f DecoderFilter, idx int, meta *metadata.Metadata, mut *metadata.Mutation) FilterStatus {
	var status FilterStatus
	tryCatch(func() {
		status = f.OnMessageDecoded(meta, mut)
	}, func(err interface{}, stack string) {
		status = StopIteration
		if s.log != nil {
			s.log.Errorf("recovered panic in decoder filter %d: %v\n%s", idx, err, stack)
		}
		if s.OnFilterPanic != nil {
			s.OnFilterPanic(idx, err)
		}
	})
	return status
}

// ContinueDecoding resumes the decoder chain at the filter after the one
// that paused it. Calling it while the chain is not paused is a no-op,
// matching the teacher's tolerance of redundant continue calls from
// filters that raced with stream teardown.
func (s *Stream) ContinueDecoding() {
	s.mu.Lock()
	if s.destroyed || !s.decodePaused {
		s.mu.Unlock()
		return
	}
	s.decodePaused = false
	s.decoderIdx++
	s.mu.Unlock()

	s.DecodeMessage(nil, nil)
}

// SendLocalReply ends the stream's decode path immediately: no further
// decoder filter runs, and the reply is handed to whatever owns downstream
// encoding (a Router or the host's connection manager). The decoder loop
// checks the flag this sets before running another filter.
func (s *Stream) SendLocalReply(resp DirectResponse) {
	s.localReplied.Store(true)

	if s.LocalReply != nil {
		s.LocalReply(resp)
	}
}

// EncodeMessage is the response-path counterpart of DecodeMessage, running
// encoder filters in the reverse of their decode-time registration order,
// matching how a response traverses a filter chain back out.
func (s *Stream) EncodeMessage(meta *metadata.Metadata, mut *metadata.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	if meta == nil {
		meta, mut = s.encodeMeta, s.encodeMut
	} else {
		s.encodeMeta, s.encodeMut = meta, mut
	}

	last := len(s.encoders) - 1
	for s.encoderIdx <= last {
		pos := last - s.encoderIdx
		f := s.encoders[pos]
		status := s.runEncoder(f, pos, meta, mut)

		switch status {
		case ContinueIteration:
			s.encoderIdx++
		case PauseIteration:
			s.encodePaused = true
			return
		case StopIteration:
			return
		case Retry:
			// restart the chain at the tail (the encoder chain's
			// "head") with the same meta/mut it was first invoked
			// with.
			s.encoderIdx = 0
		}
	}
}

func (s *Stream) runEncoder(f EncoderFilter, idx int, meta *metadata.Metadata, mut *metadata.Mutation) FilterStatus {
	var status FilterStatus
	tryCatch(func() {
		status = f.OnMessageEncoded(meta, mut)
	}, func(err interface{}, stack string) {
		status = StopIteration
		if s.log != nil {
			s.log.Errorf("recovered panic in encoder filter %d: %v\n%s", idx, err, stack)
		}
		if s.OnFilterPanic != nil {
			s.OnFilterPanic(idx, err)
		}
	})
	return status
}

// ContinueEncoding resumes the encoder chain after a pause.
func (s *Stream) ContinueEncoding() {
	s.mu.Lock()
	if s.destroyed || !s.encodePaused {
		s.mu.Unlock()
		return
	}
	s.encodePaused = false
	s.encoderIdx++
	s.mu.Unlock()

	s.EncodeMessage(nil, nil)
}

// Destroy tears the stream down: every filter's OnDestroy runs exactly
// once, and no further Continue*/OnMessage* call has any effect.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	decoders, encoders := s.decoders, s.encoders
	s.mu.Unlock()

	for _, f := range decoders {
		f.OnDestroy()
	}
	for _, f := range encoders {
		f.OnDestroy()
	}
}
