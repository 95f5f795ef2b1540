package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaohuabing/meta-protocol-proxy/codec"
	"github.com/zhaohuabing/meta-protocol-proxy/filters"
	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

func TestFakeCodecDecodeWaitsOnPartialFrame(t *testing.T) {
	buf := bytes.NewBufferString("no newline yet")
	meta := &metadata.Metadata{}

	result := codec.FakeCodec{}.Decode(buf, meta)

	assert.Equal(t, codec.Waiting, result)
	assert.Equal(t, "no newline yet", buf.String(), "an incomplete frame must be left untouched")
}

func TestFakeCodecDecodeConsumesOneLine(t *testing.T) {
	buf := bytes.NewBufferString("first\nsecond\n")
	meta := &metadata.Metadata{}

	result := codec.FakeCodec{}.Decode(buf, meta)

	require.Equal(t, codec.Done, result)
	assert.Equal(t, []byte("first"), meta.Origin)
	assert.Equal(t, "second\n", buf.String(), "only the consumed frame is removed from buf")
}

func TestFakeCodecDecodeReportsErrorOnErrPrefix(t *testing.T) {
	buf := bytes.NewBufferString("ERR: boom\n")
	meta := &metadata.Metadata{}

	result := codec.FakeCodec{}.Decode(buf, meta)

	assert.Equal(t, codec.Error, result)
}

func TestFakeCodecEncodeAppliesMutationAndFraming(t *testing.T) {
	meta := &metadata.Metadata{Origin: []byte("hello")}
	mut := &metadata.Mutation{}
	mut.Append("x-trace", "abc")

	var out bytes.Buffer
	err := codec.FakeCodec{}.Encode(meta, mut, &out)

	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())
	v, ok := meta.Get("x-trace")
	require.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestFakeCodecOnErrorNamesTheRequest(t *testing.T) {
	resp := codec.FakeCodec{}.OnError(&metadata.Metadata{RequestID: "r-42"})

	assert.Equal(t, filters.Exception, resp.Type)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "r-42", resp.Message.RequestID)
	assert.Contains(t, string(resp.Message.Origin.([]byte)), "r-42")
}
