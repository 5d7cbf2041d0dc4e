package mcp

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// baseInheritedKeys is the minimal environment passed to spawned upstreams.
// Everything else from the router's own environment is withheld unless the
// sandbox explicitly inherits it.
func baseInheritedKeys() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH",
			"PROCESSOR_ARCHITECTURE", "SYSTEMDRIVE", "SYSTEMROOT", "TEMP",
			"USERNAME", "USERPROFILE",
		}
	}
	return []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
}

// buildChildEnv assembles the environment for a spawned upstream process:
// the platform base set, then sandbox-inherited keys, then the upstream's
// explicit env entries, later sources overriding earlier ones. Inherited
// values starting with "()" are dropped (exported shell functions are an
// injection vector, not configuration).
func buildChildEnv(explicit map[string]string, inheritKeys []string) []string {
	merged := make(map[string]string)
	inherit := func(key string) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.HasPrefix(v, "()") {
			return
		}
		merged[key] = v
	}
	for _, key := range baseInheritedKeys() {
		inherit(key)
	}
	for _, key := range inheritKeys {
		inherit(key)
	}
	for k, v := range explicit {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
