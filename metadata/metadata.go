// Package metadata holds the decoded representation of a meta-protocol
// message as it moves through a filter chain, independent of any concrete
// wire format.
package metadata

// MessageType distinguishes a request from a response, marks one-way
// (fire-and-forget) traffic that never gets a reply, and names the
// streaming/keepalive shapes a protocol on top of this module may use:
// StreamInit opens a long-lived exchange whose connection outlives the
// request that opened it, StreamData/StreamClose carry and end it, and
// Heartbeat is a keepalive that never reaches the router.
type MessageType int

const (
	Request MessageType = iota
	Response
	Oneway
	StreamInit
	StreamData
	StreamClose
	Heartbeat
)

// ReservedKey names header/metadata slots this module writes itself rather
// than leaving to route configuration.
type ReservedKey string

// RealServerAddress records the upstream host a request was actually sent
// to, written into the message metadata once a connection is ready.
const RealServerAddress ReservedKey = "x-real-server-address"

// Header is a single ordered (key, value) entry. Order matters for
// descriptor hashing in rate limiting and for deterministic encoding.
type Header struct {
	Key   string
	Value string
}

// Metadata is the decoded, protocol-agnostic view of one message. Origin
// holds the codec's own representation of the message body, opaque to
// everything except the codec that produced it and the one that will
// re-encode it.
type Metadata struct {
	MessageType MessageType
	RequestID   string
	StreamID    uint64
	Headers     []Header
	Origin      interface{}
}

// Clone returns a deep-enough copy for mirroring: headers are copied so a
// shadow request's mutations never leak back into the primary one. Origin
// is left shared, since the shadow path only ever reads it.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	headers := make([]Header, len(m.Headers))
	copy(headers, m.Headers)
	return &Metadata{
		MessageType: m.MessageType,
		RequestID:   m.RequestID,
		StreamID:    m.StreamID,
		Headers:     headers,
		Origin:      m.Origin,
	}
}

// Get returns the value of the first header matching key and whether it
// was present.
func (m *Metadata) Get(key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Set overwrites the first header matching key, or appends a new one.
func (m *Metadata) Set(key, value string) {
	for i := range m.Headers {
		if m.Headers[i].Key == key {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
}

// IsOneway reports whether this message never gets a reply.
func (m *Metadata) IsOneway() bool { return m.MessageType == Oneway }

// IsStreamInit reports whether this message opens a long-lived exchange
// whose connection must outlive the request that opened it.
func (m *Metadata) IsStreamInit() bool { return m.MessageType == StreamInit }

// Mutation is an append-only list of header changes to splice into a
// message at encode time, used by route entries to rewrite requests before
// they reach upstream and responses before they reach downstream.
type Mutation struct {
	entries []Header
}

// Append records that key should be set to value at apply time.
func (m *Mutation) Append(key, value string) {
	m.entries = append(m.entries, Header{Key: key, Value: value})
}

// Entries returns the recorded mutations in application order.
func (m *Mutation) Entries() []Header {
	return m.entries
}

// Apply splices the recorded mutations into meta's headers, in order.
func (m *Mutation) Apply(meta *Metadata) {
	if m == nil {
		return
	}
	for _, e := range m.entries {
		meta.Set(e.Key, e.Value)
	}
}
