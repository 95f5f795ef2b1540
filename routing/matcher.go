package routing

import (
	"regexp"
	"strconv"

	"github.com/zhaohuabing/meta-protocol-proxy/metadata"
)

// compiledPredicate caches the compiled regexp of a Regex HeaderPredicate
// so Match never repeats regexp compilation per request.
type compiledPredicate struct {
	rx *regexp.Regexp
}

func (p *HeaderPredicate) compile() error {
	if p.Type != Regex {
		return nil
	}
	rx, err := regexp.Compile(p.Value)
	if err != nil {
		return err
	}
	p.compiled = &compiledPredicate{rx: rx}
	return nil
}

// matches evaluates the predicate against meta, applying Invert last so an
// inverted Present predicate still reads naturally as "header absent".
func (p *HeaderPredicate) matches(meta *metadata.Metadata) bool {
	result := p.matchesRaw(meta)
	if p.Invert {
		return !result
	}
	return result
}

func (p *HeaderPredicate) matchesRaw(meta *metadata.Metadata) bool {
	value, present := meta.Get(p.Name)

	if p.Type == Present {
		return present
	}

	if !present {
		return false
	}

	switch p.Type {
	case Exact:
		return value == p.Value
	case Prefix:
		return hasPrefixFold(value, p.Value)
	case Suffix:
		return hasSuffixFold(value, p.Value)
	case Regex:
		if p.compiled == nil {
			// compile() was skipped, e.g. a predicate built without
			// going through NewMatcher; fall back to a direct compile
			// rather than reporting no match.
			rx, err := regexp.Compile(p.Value)
			if err != nil {
				return false
			}
			return rx.MatchString(value)
		}
		return p.compiled.rx.MatchString(value)
	case Range:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		return n >= p.Start && n < p.End
	default:
		return false
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return equalFold(s[:len(prefix)], prefix)
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return equalFold(s[len(s)-len(suffix):], suffix)
}

// equalFold is a case-insensitive ASCII compare, matching the teacher's
// header-matching fold behavior. The Prefix and Suffix predicates use it on
// header values; header names and Exact values are compared as-is.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
