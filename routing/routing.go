// Package routing matches a decoded message against a configured table of
// routes, selecting a cluster and any mirror (shadow) policies that should
// fire alongside it.
package routing

import (
	"errors"
	"fmt"

	xxhash "github.com/cespare/xxhash/v2"

	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// PredicateType enumerates the ways a header predicate can compare a
// header's value against the configured matcher value. Every type can be
// inverted.
type PredicateType int

const (
	Exact PredicateType = iota
	Prefix
	Suffix
	Regex
	Range
	Present
)

// HeaderPredicate matches a single header against one rule. Range compares
// the header's value, parsed as an integer, against [Start, End).
type HeaderPredicate struct {
	Name     string
	Type     PredicateType
	Value    string
	Start    int64
	End      int64
	Invert   bool
	compiled *compiledPredicate
}

// Denominator is the base a FractionalPercent's Numerator is measured
// against.
type Denominator int

const (
	Hundred Denominator = iota
	TenThousand
	Million
)

func (d Denominator) value() int64 {
	switch d {
	case TenThousand:
		return 10000
	case Million:
		return 1000000
	default:
		return 100
	}
}

// FractionalPercent expresses "Numerator out of Denominator" gating, the
// same shape a runtime-overridable traffic-shadowing percentage takes.
type FractionalPercent struct {
	Numerator   uint32
	Denominator Denominator
}

// RuntimeLoader resolves a runtime override for a fractional-percent gate
// by key, falling back to the route's static value when absent. Hosts
// implement this against whatever dynamic config system they run; this
// module never reads or writes runtime values itself.
type RuntimeLoader interface {
	FeatureEnabled(key string, defaultPercent FractionalPercent, stableRandom uint64) bool
}

// staticRuntime always falls back to the static percentage, used when a
// route carries no RuntimeLoader.
type staticRuntime struct{}

func (staticRuntime) FeatureEnabled(_ string, defaultPercent FractionalPercent, stableRandom uint64) bool {
	return int64(stableRandom%uint64(defaultPercent.Denominator.value())) < int64(defaultPercent.Numerator)
}

// MirrorPolicy describes one shadow destination for a matched route.
// ShouldShadow is evaluated independently for every policy on a route, so a
// route can mirror to more than one cluster.
type MirrorPolicy struct {
	Cluster      string
	Percent      FractionalPercent
	RuntimeKey   string
	TraceSampled bool
}

// ShouldShadow decides whether this policy fires for one request, using
// stableRandom (typically derived from the request id) so repeated
// evaluation of the same request is deterministic.
func (p MirrorPolicy) ShouldShadow(loader RuntimeLoader, stableRandom uint64) bool {
	if loader == nil {
		loader = staticRuntime{}
	}
	return loader.FeatureEnabled(p.RuntimeKey, p.Percent, stableRandom)
}

// WeightedCluster is one entry in a weighted-cluster route: Weight out of
// the route's total determines the odds this entry is picked.
type WeightedCluster struct {
	ClusterName string
	Weight      uint32
	// RequestMutation and ResponseMutation override the owning route's
	// mutations when non-nil, the same way a weighted cluster entry can
	// override its parent route's metadata-match criteria.
	RequestMutation  []metadata.Header
	ResponseMutation []metadata.Header
}

// HashPolicy names the header a consistent-hash load balancer should key
// its ring lookup on for a route, so repeated requests carrying the same
// value land on the same upstream shard. A zero HashPolicy (empty
// HeaderName) means the route has no affinity preference and any
// connection pool is free to pick a host however it likes.
type HashPolicy struct {
	HeaderName string
}

// Hash computes the ring key for meta under this policy. ok is false when
// the policy is unset or the named header is absent, telling the caller to
// fall back to whatever selection it would otherwise use.
func (p HashPolicy) Hash(meta *metadata.Metadata) (key uint64, ok bool) {
	if p.HeaderName == "" {
		return 0, false
	}
	v, found := meta.Get(p.HeaderName)
	if !found {
		return 0, false
	}
	return xxhash.Sum64String(v), true
}

// RouteEntry is one row of the route table: a predicate list that must all
// match (AND) for the row to apply, and either a single cluster or a
// weighted list to choose from once it does.
type RouteEntry struct {
	Name             string
	ClusterName      string
	WeightedClusters []WeightedCluster
	Headers          []HeaderPredicate
	RequestMutation  []metadata.Header
	ResponseMutation []metadata.Header
	MirrorPolicies   []MirrorPolicy
	RuntimeLoader    RuntimeLoader
	HashPolicy       HashPolicy
}

// TotalWeight sums the weighted clusters' weights, 0 for a single-cluster
// route.
func (r *RouteEntry) TotalWeight() uint32 {
	var total uint32
	for _, c := range r.WeightedClusters {
		total += c.Weight
	}
	return total
}

// ClusterEntry resolves which cluster a matched route sends to, given a
// random value in [0, TotalWeight()). A single-cluster route ignores
// randomValue entirely. Zero-weight entries are never selected; a target
// is assigned to the first entry whose running cumulative weight exceeds
// it, the same running-sum selection a weighted pick over an ordered list
// does.
func (r *RouteEntry) ClusterEntry(randomValue uint64) (cluster string, reqMut, respMut []metadata.Header) {
	if len(r.WeightedClusters) == 0 {
		return r.ClusterName, r.RequestMutation, r.ResponseMutation
	}

	total := r.TotalWeight()
	if total == 0 {
		return r.ClusterName, r.RequestMutation, r.ResponseMutation
	}

	target := randomValue % uint64(total)
	var running uint64
	for _, c := range r.WeightedClusters {
		if c.Weight == 0 {
			continue
		}
		running += uint64(c.Weight)
		if target < running {
			reqMut, respMut := c.RequestMutation, c.ResponseMutation
			if reqMut == nil {
				reqMut = r.RequestMutation
			}
			if respMut == nil {
				respMut = r.ResponseMutation
			}
			return c.ClusterName, reqMut, respMut
		}
	}

	// unreachable when total == TotalWeight() and weights are
	// non-negative; kept as a defensive fallback rather than a panic.
	return r.ClusterName, r.RequestMutation, r.ResponseMutation
}

// ErrRouteNotFound is returned by Matcher.Match when no route's predicates
// matched the message.
var ErrRouteNotFound = errors.New("route not found")

// Matcher holds an ordered, immutable route table. Swapping the table for a
// new generation is done by constructing a new Matcher and atomically
// publishing it, the same hot-swap shape a host uses for any other
// generation-based config.
type Matcher struct {
	routes []*RouteEntry
}

// NewMatcher compiles routes into a Matcher, pre-compiling every regex
// predicate so Match never fails on a configuration error.
func NewMatcher(routes []*RouteEntry) (*Matcher, error) {
	for _, r := range routes {
		for i := range r.Headers {
			if err := r.Headers[i].compile(); err != nil {
				return nil, fmt.Errorf("route %q: header %q: %w", r.Name, r.Headers[i].Name, err)
			}
		}
	}
	return &Matcher{routes: routes}, nil
}

// Match returns the first route whose predicates all match meta's headers.
// Route order is significant: this is first-match-wins, not best-match.
func (m *Matcher) Match(meta *metadata.Metadata) (*RouteEntry, error) {
	for _, r := range m.routes {
		if headersMatch(r.Headers, meta) {
			return r, nil
		}
	}
	return nil, ErrRouteNotFound
}

func headersMatch(preds []HeaderPredicate, meta *metadata.Metadata) bool {
	for _, p := range preds {
		if !p.matches(meta) {
			return false
		}
	}
	return true
}
