package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/audit"
	"github.com/mcp-router/mcp-router/internal/domain/breaker"
	"github.com/mcp-router/mcp-router/internal/domain/principal"
	"github.com/mcp-router/mcp-router/internal/domain/ratelimit"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/domain/selector"
	"github.com/mcp-router/mcp-router/internal/domain/tool"
	"github.com/mcp-router/mcp-router/internal/metrics"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Router tool names.
const (
	ToolListProviders = "list_providers"
	ToolToolsList     = "tools.list"
	ToolToolsCall     = "tools.call"
	ToolToolsRefresh  = "tools.refresh"
)

// Tool metadata keys recorded on namespaced tools.
const (
	metaOriginalName = "mcp-router/originalName"
	metaUpstream     = "mcp-router/upstream"
)

// Deps are the process-wide components shared by every engine instance.
type Deps struct {
	Ref     *config.Ref
	Manager *UpstreamManager
	Breaker *breaker.Breaker
	Limiter *ratelimit.Limiter
	Health  *HealthChecker
	Metrics *metrics.Metrics
	Audit   *audit.Logger
	Logger  *slog.Logger
}

// Engine is the per-session routing core. It owns the session's tool cache
// and round-robin counters and is bound to one principal for its lifetime.
type Engine struct {
	deps      Deps
	prin      principal.Principal
	sessionID string
	cache     *ToolCache

	// rng drives the random selector strategy; replaceable in tests.
	rng func() float64

	mu         sync.Mutex
	rrCounters map[string]int
}

// NewEngine creates an engine bound to a principal and session.
func NewEngine(deps Deps, prin principal.Principal, sessionID string) *Engine {
	return &Engine{
		deps:       deps,
		prin:       prin,
		sessionID:  sessionID,
		cache:      NewToolCache(DefaultToolCacheTTL),
		rng:        rand.Float64,
		rrCounters: make(map[string]int),
	}
}

// BindSession records the transport-assigned session ID once the session
// completes initialization. Audit records emitted before that carry an
// empty session field.
func (e *Engine) BindSession(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

func (e *Engine) session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Provider is one entry in the list_providers result.
type Provider struct {
	Name           string          `json:"name"`
	URL            string          `json:"url,omitempty"`
	Transport      string          `json:"transport"`
	Tags           []string        `json:"tags,omitempty"`
	Version        string          `json:"version,omitempty"`
	CircuitBreaker ProviderBreaker `json:"circuitBreaker"`
	Health         HealthStatus    `json:"health"`
}

// ProviderBreaker is the breaker view embedded in a Provider.
type ProviderBreaker struct {
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	OpenUntil        time.Time `json:"openUntil,omitzero"`
	HalfOpenInFlight bool      `json:"halfOpenInFlight"`
}

// ProvidersResult is the structured result of list_providers.
type ProvidersResult struct {
	Providers []Provider `json:"providers"`
}

// ToolsListResult is the structured result of tools.list.
type ToolsListResult struct {
	Provider string      `json:"provider"`
	Tools    []*sdk.Tool `json:"tools"`
}

// ToolCallOutcome is the structured result of tools.call.
type ToolCallOutcome struct {
	Provider          string        `json:"provider"`
	Name              string        `json:"name"`
	Content           []sdk.Content `json:"content"`
	StructuredContent any           `json:"structuredContent"`
	IsError           bool          `json:"isError,omitempty"`
}

// RefreshResult is the structured result of tools.refresh.
type RefreshResult struct {
	OK bool `json:"ok"`
}

// ListProviders returns every upstream visible to the session's principal,
// optionally filtered by tag and version range.
func (e *Engine) ListProviders(ctx context.Context, tagFilter, versionRange string) (*ProvidersResult, error) {
	if err := e.consumeBudget(); err != nil {
		return nil, err
	}
	cfg := e.deps.Ref.Get()

	var filter selector.Selector
	if tagFilter != "" || versionRange != "" {
		raw := "tag:" + tagFilter
		if tagFilter == "" {
			raw = "version:" + versionRange
		} else if versionRange != "" {
			raw += "@" + versionRange
		}
		parsed, err := selector.Parse(raw)
		if err != nil {
			return nil, err
		}
		filter = parsed
	}

	result := &ProvidersResult{Providers: []Provider{}}
	for _, u := range e.visibleUpstreams(cfg) {
		if filter.Raw != "" && !filter.Matches(u) {
			continue
		}
		snap := e.deps.Breaker.SnapshotOf(u.Name)
		p := Provider{
			Name:      u.Name,
			URL:       u.URL,
			Transport: u.Transport,
			Tags:      u.Tags,
			Version:   u.Version,
			CircuitBreaker: ProviderBreaker{
				State:            snap.State.String(),
				Failures:         snap.ConsecutiveFailures,
				OpenUntil:        snap.OpenUntil,
				HalfOpenInFlight: snap.HalfOpenInFlight,
			},
			Health: HealthStatus{Status: HealthUnknown},
		}
		if e.deps.Health != nil {
			p.Health = e.deps.Health.StatusOf(u.Name)
		}
		result.Providers = append(result.Providers, p)
	}
	return result, nil
}

// ToolsList returns the tool list of the upstream the selector resolves
// to, served from the session cache when fresh.
func (e *Engine) ToolsList(ctx context.Context, providerSelector string) (*ToolsListResult, error) {
	if err := e.consumeBudget(); err != nil {
		return nil, err
	}
	cfg := e.deps.Ref.Get()
	name, err := e.resolve(cfg, providerSelector)
	if err != nil {
		return nil, err
	}

	if tools, ok := e.cache.Get(name); ok {
		return &ToolsListResult{Provider: name, Tools: tools}, nil
	}

	tools, err := e.fetchTools(ctx, cfg, name)
	if err != nil {
		return nil, err
	}
	return &ToolsListResult{Provider: name, Tools: tools}, nil
}

// ToolsCall forwards one tool invocation to the upstream the selector
// resolves to.
func (e *Engine) ToolsCall(ctx context.Context, providerSelector, toolName string, arguments json.RawMessage) (*ToolCallOutcome, error) {
	if err := e.consumeBudget(); err != nil {
		return nil, err
	}
	if toolName == "" {
		return nil, routererr.New(routererr.KindBadRequest, "tool name is required")
	}
	cfg := e.deps.Ref.Get()
	name, err := e.resolve(cfg, providerSelector)
	if err != nil {
		return nil, err
	}
	return e.forwardCall(ctx, cfg, name, toolName, arguments)
}

// ToolsRefresh invalidates the session tool cache for one upstream, or all
// of them when provider is empty.
func (e *Engine) ToolsRefresh(ctx context.Context, providerSelector string) (*RefreshResult, error) {
	if err := e.consumeBudget(); err != nil {
		return nil, err
	}
	if providerSelector == "" {
		e.cache.InvalidateAll()
		return &RefreshResult{OK: true}, nil
	}
	cfg := e.deps.Ref.Get()
	name, err := e.resolve(cfg, providerSelector)
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(name)
	return &RefreshResult{OK: true}, nil
}

// CallNamespaced forwards a call addressed by namespaced tool name
// ("<upstream>.<tool>"). The original tool name is recovered through the
// session cache, falling back to the sanitized remainder.
func (e *Engine) CallNamespaced(ctx context.Context, namespacedName string, arguments json.RawMessage) (*ToolCallOutcome, error) {
	if err := e.consumeBudget(); err != nil {
		return nil, err
	}
	cfg := e.deps.Ref.Get()
	upstream, rest, ok := tool.SplitNamespaced(namespacedName, cfg.UpstreamNames())
	if !ok {
		return nil, routererr.Newf(routererr.KindBadRequest, "unknown namespaced tool %q", namespacedName)
	}
	original, ok := e.cache.Original(upstream, rest)
	if !ok {
		original = rest
	}
	return e.forwardCall(ctx, cfg, upstream, original, arguments)
}

// resolve maps a selector string to exactly one upstream name.
func (e *Engine) resolve(cfg *config.Config, raw string) (string, error) {
	sel, err := selector.Parse(raw)
	if err != nil {
		return "", err
	}
	if sel.IsExplicit() {
		return sel.Name, nil
	}

	var candidates []string
	for _, u := range e.visibleUpstreams(cfg) {
		if sel.Matches(u) {
			candidates = append(candidates, u.Name)
		}
	}
	if len(candidates) == 0 {
		return "", routererr.Newf(routererr.KindNoProvidersMatch, "no providers match selector %q", raw)
	}
	sort.Strings(candidates)

	available := candidates[:0:0]
	for _, name := range candidates {
		snap := e.deps.Breaker.SnapshotOf(name)
		// Open breakers cannot serve; a half-open breaker with its probe
		// slot taken would reject the attempt too, so neither may win the
		// pick while another candidate can serve.
		if snap.State == breaker.Open {
			continue
		}
		if snap.State == breaker.HalfOpen && snap.HalfOpenInFlight {
			continue
		}
		available = append(available, name)
	}
	if len(available) == 0 {
		return "", routererr.Newf(routererr.KindUpstreamUnavailable, "all providers matching %q are unavailable", raw)
	}

	return e.pick(cfg, sel.Raw, available), nil
}

// pick applies the configured selector strategy to an ordered candidate set.
func (e *Engine) pick(cfg *config.Config, selectorKey string, candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	if cfg.Routing.SelectorStrategy == config.StrategyRandom {
		idx := int(e.rng() * float64(len(candidates)))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(candidates) {
			idx = len(candidates) - 1
		}
		return candidates[idx]
	}

	e.mu.Lock()
	counter := e.rrCounters[selectorKey]
	e.rrCounters[selectorKey] = counter + 1
	e.mu.Unlock()
	return candidates[counter%len(candidates)]
}

// visibleUpstreams returns the enabled upstreams the principal may see,
// in ascending name order.
func (e *Engine) visibleUpstreams(cfg *config.Config) []*config.UpstreamConfig {
	var out []*config.UpstreamConfig
	for _, name := range cfg.UpstreamNames() {
		u := cfg.Upstream(name)
		if u.IsEnabled() && e.prin.CanAccess(u) {
			out = append(out, u)
		}
	}
	return out
}

// consumeBudget charges one request against the principal's rate budget.
func (e *Engine) consumeBudget() error {
	if e.prin.RequestsPerMinute <= 0 {
		return nil
	}
	d := e.deps.Limiter.Allow(e.prin.Token, e.prin.RequestsPerMinute)
	if !d.Allowed {
		return routererr.RateLimited(d.RetryAfter)
	}
	return nil
}

// fetchTools lists an upstream's tools through the availability pipeline
// and refreshes the session cache.
func (e *Engine) fetchTools(ctx context.Context, cfg *config.Config, name string) ([]*sdk.Tool, error) {
	var tools []*sdk.Tool
	err := e.withUpstream(cfg, name, func(client outbound.UpstreamClient) error {
		var err error
		tools, err = client.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.cache.Put(name, tools)
	return tools, nil
}

// forwardCall runs one tool call through the full pipeline: allowlist,
// breaker, client call, classification, metrics, audit.
func (e *Engine) forwardCall(ctx context.Context, cfg *config.Config, name, toolName string, arguments json.RawMessage) (*ToolCallOutcome, error) {
	session := e.session()
	start := e.deps.Audit.ToolStart(session, e.prin.Fingerprint, name, toolName, arguments)

	var res *sdk.CallToolResult
	err := e.withUpstream(cfg, name, func(client outbound.UpstreamClient) error {
		var err error
		res, err = client.CallTool(ctx, toolName, arguments)
		return err
	})

	elapsed := time.Since(start)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveToolCall(name, toolName, err == nil, elapsed)
	}
	e.deps.Audit.ToolEnd(session, e.prin.Fingerprint, name, toolName, start, err)
	if err != nil {
		return nil, err
	}

	return &ToolCallOutcome{
		Provider:          name,
		Name:              toolName,
		Content:           res.Content,
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
	}, nil
}

// withUpstream enforces access and breaker admission around one upstream
// operation and reports the outcome back to the breaker.
func (e *Engine) withUpstream(cfg *config.Config, name string, op func(outbound.UpstreamClient) error) error {
	u := cfg.Upstream(name)
	if u == nil {
		return routererr.Newf(routererr.KindBadRequest, "unknown upstream %q", name)
	}
	if err := principal.CheckAccess(e.prin, u); err != nil {
		return err
	}

	client, err := e.deps.Manager.Get(name, cfg)
	if err != nil {
		return err
	}

	if !e.deps.Breaker.Allow(name) {
		return routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q circuit is open", name)
	}

	err = op(client)
	ok := err == nil || routererr.KindOf(err) == routererr.KindProtocol
	e.deps.Breaker.Record(name, ok)
	if !ok && e.deps.Metrics != nil {
		e.deps.Metrics.UpstreamFailure(name)
	}
	return err
}
