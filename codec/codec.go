// Package codec defines the wire codec boundary this module consumes but
// never implements: a concrete protocol's framing, serialization, and
// exception encoding live entirely on the other side of this interface.
package codec

import (
	"bytes"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// DecodeResult is the outcome of one Decode call.
type DecodeResult int

const (
	// Waiting means buf did not yet contain a complete frame; unread
	// bytes are left in buf for the next call once more arrive.
	Waiting DecodeResult = iota

	// Done means one full frame was parsed into meta and consumed from
	// buf.
	Done

	// Error means buf's leading bytes cannot be parsed as a valid frame
	// at all, independent of how many more bytes might arrive.
	Error
)

func (r DecodeResult) String() string {
	switch r {
	case Waiting:
		return "Waiting"
	case Done:
		return "Done"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Codec is the pluggable wire format this module decodes downstream
// requests with and encodes upstream requests and downstream replies with.
// A host supplies one concrete implementation per protocol; this module
// only drives the interface.
type Codec interface {
	// Decode parses one frame out of buf into meta. On Waiting, buf is
	// left untouched beyond whatever partial frame was already there; on
	// Done, the consumed bytes have been removed from buf and meta is
	// ready to pass to the filter chain; on Error, buf's state is
	// undefined and the stream must be torn down.
	Decode(buf *bytes.Buffer, meta *metadata.Metadata) DecodeResult

	// Encode serializes meta into out, applying mut's recorded changes
	// first.
	Encode(meta *metadata.Metadata, mut *metadata.Mutation, out *bytes.Buffer) error

	// OnError produces the encoded exception reply for a frame that
	// failed to decode or encode, so the caller has something to send
	// downstream instead of just closing the connection.
	OnError(meta *metadata.Metadata) filters.DirectResponse
}
