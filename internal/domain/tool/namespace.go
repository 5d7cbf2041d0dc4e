// Package tool implements namespaced tool-name rewriting for upstream tools
// surfaced directly on the router.
package tool

import "strings"

// Sanitize rewrites an upstream tool name into the character set accepted
// in namespaced identifiers. Letters, digits, '_', '.', and '-' pass
// through; every other rune becomes '_'. Leading and trailing dots are
// trimmed; a name that sanitizes to nothing becomes "_".
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "_"
	}
	return s
}

// Namespaced returns the router-visible name for an upstream tool:
// "<upstream>.<sanitized tool name>".
func Namespaced(upstream, toolName string) string {
	return upstream + "." + Sanitize(toolName)
}

// SplitNamespaced resolves a namespaced name back to its upstream. Upstream
// names may themselves contain dots, so the match takes the longest known
// upstream name that prefixes the input followed by a '.' separator. The
// returned remainder is the sanitized tool name; callers map it back to the
// original through their tool cache.
func SplitNamespaced(name string, upstreams []string) (upstream, rest string, ok bool) {
	for _, candidate := range upstreams {
		if len(candidate) >= len(name) {
			continue
		}
		if !strings.HasPrefix(name, candidate) || name[len(candidate)] != '.' {
			continue
		}
		if len(candidate) > len(upstream) {
			upstream = candidate
			rest = name[len(candidate)+1:]
		}
	}
	if upstream == "" || rest == "" {
		return "", "", false
	}
	return upstream, rest, true
}
