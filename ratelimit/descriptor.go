package ratelimit

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Entry is one (key, value) pair of a rate-limit descriptor, e.g.
// {"remote_address", "10.0.0.1"}. A Descriptor is the ordered list of
// entries a request was classified into; it is hashed to find the bucket
// configured for that classification. No bucket is created on lookup.
type Entry struct {
	Key   string
	Value string
}

// Descriptor identifies one bucket below the global one. Two descriptors
// with the same entries in the same order hash identically; order is
// significant by design, the same way a descriptor match in the original
// is sensitive to entry order.
type Descriptor []Entry

func (d Descriptor) hash() uint64 {
	h := xxhash.New()
	for _, e := range d {
		_, _ = h.WriteString(e.Key)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(e.Value)
		_, _ = h.WriteString("\x01")
	}
	return h.Sum64()
}

// Key returns the string a Settings.Descriptors map and RequestAllowed use
// to identify this descriptor's bucket. Order-sensitive, matching hash():
// {a,b} and {b,a} hash, and key, differently.
func (d Descriptor) Key() string {
	return strconv.FormatUint(d.hash(), 36)
}

// key is the internal alias RequestAllowed looks buckets up by.
func (d Descriptor) key() string { return d.Key() }
