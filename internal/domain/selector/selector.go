// Package selector parses provider selector strings and matches them
// against upstream configurations.
//
// Grammar:
//
//	<name>                 explicit upstream name
//	tag:<tag>              any upstream carrying the tag
//	tag:<tag>@<range>      tagged upstreams whose version satisfies the range
//	version:<range>        upstreams whose version satisfies the range
//
// <range> is a semver range expression ("1.2.3", "^1.0.0", ">=1.0.0 <2.0.0").
package selector

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

const (
	tagPrefix     = "tag:"
	versionPrefix = "version:"
)

// Selector is a parsed provider selector.
type Selector struct {
	// Raw is the original selector string, used as the round-robin
	// counter key.
	Raw string
	// Name is set for explicit-name selectors; Tag and Range are empty.
	Name string
	// Tag is set for tag: selectors.
	Tag string
	// Range is the parsed semver constraint, nil when none was supplied.
	Range *semver.Constraints
}

// IsExplicit reports whether the selector names a single upstream directly.
func (s Selector) IsExplicit() bool {
	return s.Name != ""
}

// Parse parses a selector string. Invalid predicates yield KindBadRequest.
func Parse(raw string) (Selector, error) {
	if raw == "" {
		return Selector{}, routererr.New(routererr.KindBadRequest, "selector must not be empty")
	}

	switch {
	case strings.HasPrefix(raw, tagPrefix):
		rest := raw[len(tagPrefix):]
		tag, rangeExpr, hasRange := strings.Cut(rest, "@")
		if tag == "" {
			return Selector{}, routererr.Newf(routererr.KindBadRequest, "selector %q: missing tag", raw)
		}
		s := Selector{Raw: raw, Tag: tag}
		if hasRange {
			c, err := semver.NewConstraint(rangeExpr)
			if err != nil {
				return Selector{}, routererr.Newf(routererr.KindBadRequest, "selector %q: invalid version range %q", raw, rangeExpr)
			}
			s.Range = c
		}
		return s, nil

	case strings.HasPrefix(raw, versionPrefix):
		rangeExpr := raw[len(versionPrefix):]
		c, err := semver.NewConstraint(rangeExpr)
		if err != nil {
			return Selector{}, routererr.Newf(routererr.KindBadRequest, "selector %q: invalid version range %q", raw, rangeExpr)
		}
		return Selector{Raw: raw, Range: c}, nil

	default:
		return Selector{Raw: raw, Name: raw}, nil
	}
}

// Matches reports whether the upstream satisfies the selector's predicate.
// Explicit-name selectors match by name only. An upstream without a valid
// semver version never matches a range.
func (s Selector) Matches(u *config.UpstreamConfig) bool {
	if s.IsExplicit() {
		return u.Name == s.Name
	}
	if s.Tag != "" && !hasTag(u, s.Tag) {
		return false
	}
	if s.Range != nil {
		v, err := semver.NewVersion(u.Version)
		if err != nil {
			return false
		}
		if !s.Range.Check(v) {
			return false
		}
	}
	return true
}

func hasTag(u *config.UpstreamConfig, tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
