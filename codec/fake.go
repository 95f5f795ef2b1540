package codec

import (
	"bytes"
	"fmt"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// FakeCodec is a minimal newline-delimited codec with no real wire format
// of its own, for tests that need a Codec without depending on a concrete
// protocol implementation. A frame is one line; Decode reports Waiting
// until a full line is buffered.
type FakeCodec struct{}

// Decode implements Codec.
func (FakeCodec) Decode(buf *bytes.Buffer, meta *metadata.Metadata) DecodeResult {
	b := buf.Bytes()
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return Waiting
	}

	line := make([]byte, i)
	copy(line, b[:i])
	buf.Next(i + 1)

	if bytes.HasPrefix(line, []byte("ERR:")) {
		return Error
	}

	meta.Origin = line
	return Done
}

// Encode implements Codec.
func (FakeCodec) Encode(meta *metadata.Metadata, mut *metadata.Mutation, out *bytes.Buffer) error {
	if mut != nil {
		mut.Apply(meta)
	}

	body, _ := meta.Origin.([]byte)
	out.Write(body)
	out.WriteByte('\n')
	return nil
}

// OnError implements Codec.
func (FakeCodec) OnError(meta *metadata.Metadata) filters.DirectResponse {
	return filters.DirectResponse{
		Type:    filters.Exception,
		Message: &metadata.Metadata{RequestID: meta.RequestID, Origin: []byte(fmt.Sprintf("codec error for request %s", meta.RequestID))},
	}
}
