// Package config provides the router configuration model.
//
// The configuration file is a strict JSON document: unknown keys are
// rejected at load time so a typo never silently disables a guardrail.
// Both the current `mcpServers` key and the historical `upstreams` alias
// are normalized into one upstream map. Configuration snapshots are
// immutable once published; reloads replace the whole snapshot (see Ref).
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Tool exposure modes.
const (
	// ExposureHierarchical surfaces only the router's own tools
	// (list_providers, tools.list, tools.call, tools.refresh).
	ExposureHierarchical = "hierarchical"
	// ExposureNamespaced surfaces every visible upstream tool under
	// "<upstream>.<tool>" (plus list_providers for debuggability).
	ExposureNamespaced = "namespaced"
	// ExposureBoth surfaces both sets.
	ExposureBoth = "both"
)

// Selector strategies.
const (
	StrategyRoundRobin = "roundRobin"
	StrategyRandom     = "random"
)

// Upstream transports.
const (
	TransportPipe = "pipe"
	TransportHTTP = "http"
)

// Config is the top-level router configuration. Field names mirror the
// JSON schema exactly; unknown keys are rejected by the loader.
type Config struct {
	Listen       ListenConfig               `json:"listen"`
	Admin        AdminConfig                `json:"admin"`
	ToolExposure string                     `json:"toolExposure" validate:"omitempty,oneof=hierarchical namespaced both"`
	Routing      RoutingConfig              `json:"routing"`
	Audit        AuditConfig                `json:"audit"`
	Projects     []ProjectConfig            `json:"projects" validate:"omitempty,dive"`
	Auth         AuthConfig                 `json:"auth"`
	Sandbox      SandboxConfig              `json:"sandbox"`
	MCPServers   map[string]*UpstreamConfig `json:"mcpServers"`
	// Upstreams is the legacy alias for MCPServers. The loader merges both
	// into Servers; a name present in both maps is a validation error.
	Upstreams map[string]*UpstreamConfig `json:"upstreams"`

	// Servers is the normalized upstream map (filled by Normalize, never
	// read from JSON directly).
	Servers map[string]*UpstreamConfig `json:"-"`
}

// ListenConfig configures the front-end listeners.
type ListenConfig struct {
	HTTP  HTTPListenConfig `json:"http"`
	Stdio bool             `json:"stdio"`
}

// HTTPListenConfig configures the HTTP front-end.
type HTTPListenConfig struct {
	Host string `json:"host"`
	// Port distinguishes "unset" (PORT env override applies, default
	// otherwise) from an explicit value. Zero is permitted: the OS
	// chooses a free port.
	Port *int   `json:"port" validate:"omitempty,min=0,max=65535"`
	Path string `json:"path"`
}

// AdminConfig configures the admin status endpoint.
type AdminConfig struct {
	Enabled              bool   `json:"enabled"`
	Path                 string `json:"path"`
	AllowUnauthenticated bool   `json:"allowUnauthenticated"`
}

// RoutingConfig groups the selector strategy with the availability controls.
type RoutingConfig struct {
	SelectorStrategy string               `json:"selectorStrategy" validate:"omitempty,oneof=roundRobin random"`
	HealthChecks     HealthChecksConfig   `json:"healthChecks"`
	CircuitBreaker   CircuitBreakerConfig `json:"circuitBreaker"`
}

// HealthChecksConfig configures the periodic upstream probe loop.
type HealthChecksConfig struct {
	Enabled      bool `json:"enabled"`
	IntervalMs   int  `json:"intervalMs" validate:"omitempty,min=100"`
	TimeoutMs    int  `json:"timeoutMs" validate:"omitempty,min=1"`
	IncludeStdio bool `json:"includeStdio"`
}

// CircuitBreakerConfig configures the per-upstream breaker.
type CircuitBreakerConfig struct {
	Enabled          *bool `json:"enabled"`
	FailureThreshold int   `json:"failureThreshold" validate:"omitempty,min=1"`
	OpenMs           int   `json:"openMs" validate:"omitempty,min=1"`
}

// AuditConfig configures the tool-call audit trail.
type AuditConfig struct {
	Enabled          bool `json:"enabled"`
	LogArguments     bool `json:"logArguments"`
	MaxArgumentChars int  `json:"maxArgumentChars" validate:"omitempty,min=1"`
}

// ProjectConfig scopes a group of tokens to shared allowlists and limits.
type ProjectConfig struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
	// AllowedMCPServers is nil for "all upstreams"; an empty list denies all.
	AllowedMCPServers []string         `json:"allowedMcpServers"`
	AllowedTags       []string         `json:"allowedTags"`
	RateLimit         *RateLimitConfig `json:"rateLimit"`
}

// AuthConfig holds the static token list. An empty list disables
// authentication and every caller is anonymous.
type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens" validate:"omitempty,dive"`
}

// TokenConfig defines one bearer token and its scoping.
type TokenConfig struct {
	Value             string           `json:"value" validate:"required"`
	ProjectID         string           `json:"projectId"`
	AllowedMCPServers []string         `json:"allowedMcpServers"`
	AllowedTags       []string         `json:"allowedTags"`
	RateLimit         *RateLimitConfig `json:"rateLimit"`
}

// RateLimitConfig is a per-minute request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requestsPerMinute" validate:"omitempty,min=1"`
}

// SandboxConfig holds process-level guardrails for spawned upstreams.
type SandboxConfig struct {
	Stdio StdioSandboxConfig `json:"stdio"`
}

// StdioSandboxConfig restricts what a pipe upstream may execute.
// Nil slices mean "unrestricted"; empty slices deny everything.
type StdioSandboxConfig struct {
	AllowedCommands []string `json:"allowedCommands"`
	AllowedCwdRoots []string `json:"allowedCwdRoots"`
	AllowedEnvKeys  []string `json:"allowedEnvKeys"`
	InheritEnvKeys  []string `json:"inheritEnvKeys"`
}

// UpstreamConfig describes one upstream tool server. Immutable per snapshot.
type UpstreamConfig struct {
	// Name is filled during normalization from the map key.
	Name string `json:"-"`

	Transport string   `json:"transport" validate:"required,oneof=pipe http"`
	Enabled   *bool    `json:"enabled"`
	Tags      []string `json:"tags"`
	Version   string   `json:"version"`
	TimeoutMs int      `json:"timeoutMs" validate:"omitempty,min=1"`

	// HTTP transport.
	URL     string            `json:"url" validate:"omitempty,url"`
	Headers map[string]string `json:"headers"`

	// Pipe transport.
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	StderrMode string            `json:"stderrMode" validate:"omitempty,oneof=log ignore"`
	Restart    *RestartConfig    `json:"restart"`
}

// RestartConfig governs in-call respawn retries for pipe upstreams.
type RestartConfig struct {
	MaxRetries     int     `json:"maxRetries" validate:"omitempty,min=0"`
	InitialDelayMs int     `json:"initialDelayMs" validate:"omitempty,min=1"`
	Factor         float64 `json:"factor" validate:"omitempty,gte=1"`
	MaxDelayMs     int     `json:"maxDelayMs" validate:"omitempty,min=1"`
}

// Defaults applied by SetDefaults.
const (
	DefaultHTTPHost         = "127.0.0.1"
	DefaultHTTPPort         = 8080
	DefaultMCPPath          = "/mcp"
	DefaultAdminPath        = "/admin"
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultOpenMs           = 30_000
	DefaultHealthIntervalMs = 60_000
	DefaultHealthTimeoutMs  = 5_000
	DefaultMaxArgumentChars = 2_000
	DefaultRestartRetries   = 2
	DefaultRestartDelayMs   = 250
	DefaultRestartFactor    = 2.0
	DefaultRestartMaxMs     = 5_000
)

// IsEnabled reports whether the upstream participates in routing.
// Absent `enabled` defaults to true.
func (u *UpstreamConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// Timeout returns the per-operation deadline for this upstream.
func (u *UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs > 0 {
		return time.Duration(u.TimeoutMs) * time.Millisecond
	}
	return DefaultUpstreamTimeout
}

// RestartPolicy returns the effective restart policy for a pipe upstream
// with defaults filled in.
func (u *UpstreamConfig) RestartPolicy() RestartConfig {
	rc := RestartConfig{
		MaxRetries:     DefaultRestartRetries,
		InitialDelayMs: DefaultRestartDelayMs,
		Factor:         DefaultRestartFactor,
		MaxDelayMs:     DefaultRestartMaxMs,
	}
	if u.Restart == nil {
		return rc
	}
	if u.Restart.MaxRetries > 0 {
		rc.MaxRetries = u.Restart.MaxRetries
	}
	if u.Restart.InitialDelayMs > 0 {
		rc.InitialDelayMs = u.Restart.InitialDelayMs
	}
	if u.Restart.Factor >= 1 {
		rc.Factor = u.Restart.Factor
	}
	if u.Restart.MaxDelayMs > 0 {
		rc.MaxDelayMs = u.Restart.MaxDelayMs
	}
	return rc
}

// Fingerprint returns a stable hash of the upstream configuration. The
// manager evicts a live client when its fingerprint changes across reloads.
func (u *UpstreamConfig) Fingerprint() uint64 {
	// Shadow struct with sorted key/value slices so map iteration order
	// cannot perturb the hash.
	type stable struct {
		Transport  string         `json:"transport"`
		Enabled    *bool          `json:"enabled"`
		Tags       []string       `json:"tags"`
		Version    string         `json:"version"`
		TimeoutMs  int            `json:"timeoutMs"`
		URL        string         `json:"url"`
		Headers    []string       `json:"headers"`
		Command    string         `json:"command"`
		Args       []string       `json:"args"`
		Cwd        string         `json:"cwd"`
		Env        []string       `json:"env"`
		StderrMode string         `json:"stderrMode"`
		Restart    *RestartConfig `json:"restart"`
	}
	raw, err := json.Marshal(stable{
		Transport:  u.Transport,
		Enabled:    u.Enabled,
		Tags:       u.Tags,
		Version:    u.Version,
		TimeoutMs:  u.TimeoutMs,
		URL:        u.URL,
		Headers:    sortedKV(u.Headers),
		Command:    u.Command,
		Args:       u.Args,
		Cwd:        u.Cwd,
		Env:        sortedKV(u.Env),
		StderrMode: u.StderrMode,
		Restart:    u.Restart,
	})
	if err != nil {
		return 0
	}
	return xxhash.Sum64(raw)
}

func sortedKV(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	kv := make([]string, 0, len(m))
	for k, v := range m {
		kv = append(kv, k+"="+v)
	}
	sort.Strings(kv)
	return kv
}

// BreakerEnabled reports whether the circuit breaker is active.
// Absent `enabled` defaults to true.
func (c *CircuitBreakerConfig) BreakerEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// OpenDuration returns how long an opened breaker stays open before
// admitting a probe.
func (c *CircuitBreakerConfig) OpenDuration() time.Duration {
	ms := c.OpenMs
	if ms <= 0 {
		ms = DefaultOpenMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Interval returns the health check period.
func (h *HealthChecksConfig) Interval() time.Duration {
	ms := h.IntervalMs
	if ms <= 0 {
		ms = DefaultHealthIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Timeout returns the per-probe deadline.
func (h *HealthChecksConfig) Timeout() time.Duration {
	ms := h.TimeoutMs
	if ms <= 0 {
		ms = DefaultHealthTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// SetDefaults fills optional fields with their documented defaults.
// Called by the loader after parsing and before validation.
func (c *Config) SetDefaults() {
	if c.Listen.HTTP.Host == "" {
		c.Listen.HTTP.Host = DefaultHTTPHost
	}
	if c.Listen.HTTP.Path == "" {
		c.Listen.HTTP.Path = DefaultMCPPath
	}
	if c.Admin.Path == "" {
		c.Admin.Path = DefaultAdminPath
	}
	if c.ToolExposure == "" {
		c.ToolExposure = ExposureHierarchical
	}
	if c.Routing.SelectorStrategy == "" {
		c.Routing.SelectorStrategy = StrategyRoundRobin
	}
	if c.Routing.HealthChecks.IntervalMs == 0 {
		c.Routing.HealthChecks.IntervalMs = DefaultHealthIntervalMs
	}
	if c.Routing.HealthChecks.TimeoutMs == 0 {
		c.Routing.HealthChecks.TimeoutMs = DefaultHealthTimeoutMs
	}
	if c.Routing.CircuitBreaker.FailureThreshold == 0 {
		c.Routing.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Routing.CircuitBreaker.OpenMs == 0 {
		c.Routing.CircuitBreaker.OpenMs = DefaultOpenMs
	}
	if c.Audit.MaxArgumentChars == 0 {
		c.Audit.MaxArgumentChars = DefaultMaxArgumentChars
	}
}

// HTTPPort returns the effective listen port. envPort only applies when
// the config file leaves the port unset.
func (c *Config) HTTPPort(envPort int, envSet bool) int {
	if c.Listen.HTTP.Port != nil {
		return *c.Listen.HTTP.Port
	}
	if envSet {
		return envPort
	}
	return DefaultHTTPPort
}

// Project returns the project with the given id, or nil.
func (c *Config) Project(id string) *ProjectConfig {
	for i := range c.Projects {
		if c.Projects[i].ID == id {
			return &c.Projects[i]
		}
	}
	return nil
}

// Upstream returns the named upstream, or nil.
func (c *Config) Upstream(name string) *UpstreamConfig {
	return c.Servers[name]
}

// UpstreamNames returns all configured upstream names in ascending order.
func (c *Config) UpstreamNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize merges the mcpServers map and the legacy upstreams alias into
// Servers and stamps each entry with its name. A name present in both maps
// is rejected.
func (c *Config) Normalize() error {
	c.Servers = make(map[string]*UpstreamConfig, len(c.MCPServers)+len(c.Upstreams))
	for name, u := range c.MCPServers {
		u.Name = name
		c.Servers[name] = u
	}
	for name, u := range c.Upstreams {
		if _, dup := c.Servers[name]; dup {
			return fmt.Errorf("upstream %q defined under both mcpServers and upstreams", name)
		}
		u.Name = name
		c.Servers[name] = u
	}
	return nil
}
