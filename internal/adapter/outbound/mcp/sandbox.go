package mcp

import (
	"path/filepath"
	"strings"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

// checkSandbox enforces the process-level guardrails before a pipe upstream
// is spawned. Nil allowlists do not restrict; empty ones deny.
func checkSandbox(u *config.UpstreamConfig, sb config.StdioSandboxConfig) error {
	if sb.AllowedCommands != nil && !commandAllowed(u.Command, sb.AllowedCommands) {
		return routererr.Newf(routererr.KindConfigInvalid,
			"upstream %q: command %q not in sandbox allowedCommands", u.Name, u.Command)
	}
	if sb.AllowedCwdRoots != nil && u.Cwd != "" && !cwdAllowed(u.Cwd, sb.AllowedCwdRoots) {
		return routererr.Newf(routererr.KindConfigInvalid,
			"upstream %q: cwd %q not under any sandbox allowedCwdRoots", u.Name, u.Cwd)
	}
	if sb.AllowedEnvKeys != nil {
		allowed := make(map[string]struct{}, len(sb.AllowedEnvKeys))
		for _, k := range sb.AllowedEnvKeys {
			allowed[k] = struct{}{}
		}
		for k := range u.Env {
			if _, ok := allowed[k]; !ok {
				return routererr.Newf(routererr.KindConfigInvalid,
					"upstream %q: env key %q not in sandbox allowedEnvKeys", u.Name, k)
			}
		}
	}
	return nil
}

// commandAllowed matches either the exact configured command string or its
// base name, so allowlists can name bare executables while configs use
// absolute paths.
func commandAllowed(command string, allowed []string) bool {
	base := filepath.Base(command)
	for _, a := range allowed {
		if command == a || base == a || base == filepath.Base(a) {
			return true
		}
	}
	return false
}

// cwdAllowed reports whether cwd is lexically inside one of the roots.
func cwdAllowed(cwd string, roots []string) bool {
	cleaned := filepath.Clean(cwd)
	for _, root := range roots {
		rel, err := filepath.Rel(filepath.Clean(root), cleaned)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}
