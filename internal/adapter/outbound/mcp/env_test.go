package mcp

import (
	"runtime"
	"strings"
	"testing"
)

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestBuildChildEnv_BaseSetOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX base set")
	}
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/router")
	t.Setenv("SECRET_API_KEY", "leaky")

	env := buildChildEnv(nil, nil)
	if v, ok := envValue(env, "PATH"); !ok || v != "/usr/bin" {
		t.Errorf("PATH = %q, %v", v, ok)
	}
	if v, ok := envValue(env, "HOME"); !ok || v != "/home/router" {
		t.Errorf("HOME = %q, %v", v, ok)
	}
	if _, ok := envValue(env, "SECRET_API_KEY"); ok {
		t.Error("non-base variable leaked into child env")
	}
}

func TestBuildChildEnv_InheritKeys(t *testing.T) {
	t.Setenv("EXTRA_TOKEN", "abc")

	env := buildChildEnv(nil, []string{"EXTRA_TOKEN", "NOT_SET_AT_ALL"})
	if v, ok := envValue(env, "EXTRA_TOKEN"); !ok || v != "abc" {
		t.Errorf("EXTRA_TOKEN = %q, %v", v, ok)
	}
	if _, ok := envValue(env, "NOT_SET_AT_ALL"); ok {
		t.Error("unset inherit key materialized")
	}
}

func TestBuildChildEnv_ExplicitWins(t *testing.T) {
	t.Setenv("HOME", "/home/router")

	env := buildChildEnv(map[string]string{"HOME": "/sandbox", "MODE": "test"}, nil)
	if v, _ := envValue(env, "HOME"); v != "/sandbox" {
		t.Errorf("HOME = %q, want explicit value", v)
	}
	if v, _ := envValue(env, "MODE"); v != "test" {
		t.Errorf("MODE = %q", v)
	}
}

func TestBuildChildEnv_DropsExportedFunctions(t *testing.T) {
	t.Setenv("TERM", "() { :; }; echo pwned")

	env := buildChildEnv(nil, nil)
	if _, ok := envValue(env, "TERM"); ok {
		t.Error("function-shaped value inherited")
	}
}
