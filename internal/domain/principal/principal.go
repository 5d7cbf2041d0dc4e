// Package principal resolves bearer tokens to an authorization context and
// enforces upstream allowlists.
package principal

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

// Principal is the resolved identity for one request or session.
type Principal struct {
	// Token is the raw bearer token; empty for anonymous principals.
	// It keys the rate limiter and is never logged.
	Token string
	// Fingerprint is the loggable identifier for the token.
	Fingerprint string
	ProjectID   string

	// AllowedServers and AllowedTags are the effective allowlists after
	// intersecting token and project scopes. Nil means unrestricted.
	AllowedServers []string
	AllowedTags    []string

	// RequestsPerMinute is the effective budget; 0 means unlimited.
	RequestsPerMinute int

	anonymous bool
}

// Anonymous is the principal used when authentication is disabled.
// It is unrestricted and unlimited.
var Anonymous = Principal{Fingerprint: "anonymous", anonymous: true}

// IsAnonymous reports whether this principal bypasses auth-derived scoping.
func (p Principal) IsAnonymous() bool {
	return p.anonymous
}

// Fingerprint returns the loggable identifier for a raw token: the first
// 12 hex characters of its SHA-256 digest.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// FromToken resolves a bearer token against the auth configuration.
//
// With no configured tokens every caller is anonymous. Otherwise a missing
// or unknown token yields KindUnauthenticated. Token scoping intersects
// with project scoping; a token-level rate limit overrides the project's.
func FromToken(cfg *config.Config, token string) (Principal, error) {
	if len(cfg.Auth.Tokens) == 0 {
		return Anonymous, nil
	}
	if token == "" {
		return Principal{}, routererr.New(routererr.KindUnauthenticated, "missing bearer token")
	}

	var match *config.TokenConfig
	for i := range cfg.Auth.Tokens {
		if cfg.Auth.Tokens[i].Value == token {
			match = &cfg.Auth.Tokens[i]
			break
		}
	}
	if match == nil {
		return Principal{}, routererr.New(routererr.KindUnauthenticated, "unknown bearer token")
	}

	p := Principal{
		Token:          token,
		Fingerprint:    Fingerprint(token),
		ProjectID:      match.ProjectID,
		AllowedServers: match.AllowedMCPServers,
		AllowedTags:    match.AllowedTags,
	}
	if match.RateLimit != nil {
		p.RequestsPerMinute = match.RateLimit.RequestsPerMinute
	}

	if match.ProjectID != "" {
		proj := cfg.Project(match.ProjectID)
		if proj == nil {
			// Validation rejects dangling references; a live snapshot can
			// still race a reload that removed the project.
			return Principal{}, routererr.Newf(routererr.KindUnauthenticated, "token references unknown project %q", match.ProjectID)
		}
		p.AllowedServers = intersect(p.AllowedServers, proj.AllowedMCPServers)
		p.AllowedTags = intersect(p.AllowedTags, proj.AllowedTags)
		if p.RequestsPerMinute == 0 && proj.RateLimit != nil {
			p.RequestsPerMinute = proj.RateLimit.RequestsPerMinute
		}
	}
	return p, nil
}

// intersect combines two allowlists where nil means unrestricted.
// An empty non-nil result denies everything.
func intersect(a, b []string) []string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// CanAccess reports whether the principal may route to the given upstream.
// Both allowlists must pass: a non-nil server list must name the upstream,
// and a non-nil tag list must share at least one tag with it. Anonymous
// principals pass unconditionally.
func (p Principal) CanAccess(u *config.UpstreamConfig) bool {
	if p.anonymous {
		return true
	}
	if p.AllowedServers != nil && !contains(p.AllowedServers, u.Name) {
		return false
	}
	if p.AllowedTags != nil && !anyOverlap(p.AllowedTags, u.Tags) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func anyOverlap(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

// CheckAccess returns KindForbidden when the principal may not route to the
// named upstream.
func CheckAccess(p Principal, u *config.UpstreamConfig) error {
	if !p.CanAccess(u) {
		return routererr.Newf(routererr.KindForbidden, "access to upstream %q denied", u.Name)
	}
	return nil
}
