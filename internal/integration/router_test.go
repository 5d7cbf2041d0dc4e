// Package integration exercises the router end to end: a real HTTP
// front-end, real MCP clients from the SDK, and in-process upstream MCP
// servers behind httptest.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	httpfe "github.com/mcp-router/mcp-router/internal/adapter/inbound/http"
	mcpclient "github.com/mcp-router/mcp-router/internal/adapter/outbound/mcp"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/audit"
	"github.com/mcp-router/mcp-router/internal/domain/breaker"
	"github.com/mcp-router/mcp-router/internal/domain/ratelimit"
	"github.com/mcp-router/mcp-router/internal/metrics"
	"github.com/mcp-router/mcp-router/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startUpstream runs an in-process MCP server with one echo tool that
// reports which upstream served the call.
func startUpstream(t *testing.T, name string) string {
	t.Helper()
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: "1.0.0"}, nil)
	server.AddTool(&sdk.Tool{
		Name:        "echo",
		Description: "Echo the arguments back.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string"},
			},
		},
	}, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &sdk.CallToolResult{
			StructuredContent: map[string]any{"server": name, "echo": args},
		}, nil
	})

	handler := sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts.URL
}

// startRouter boots the full stack on a free port and returns its base URL.
func startRouter(t *testing.T, cfgJSON string) string {
	t.Helper()
	cfg, err := config.Parse([]byte(cfgJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// Tests always bind an OS-assigned port so they can run in parallel.
	port := 0
	cfg.Listen.HTTP.Port = &port
	logger := testLogger()

	ref := config.NewRef(cfg)
	m := metrics.New()
	brk := breaker.New(breaker.Config{
		Enabled:          cfg.Routing.CircuitBreaker.BreakerEnabled(),
		FailureThreshold: cfg.Routing.CircuitBreaker.FailureThreshold,
		OpenFor:          cfg.Routing.CircuitBreaker.OpenDuration(),
	}, nil)
	manager := service.NewUpstreamManager(mcpclient.NewClientFactory(logger), logger)
	deps := service.Deps{
		Ref:     ref,
		Manager: manager,
		Breaker: brk,
		Limiter: ratelimit.NewLimiter(),
		Metrics: m,
		Audit:   audit.NewLogger(logger, cfg.Audit),
		Logger:  logger,
	}

	front := httpfe.NewTransport(deps, "integration")
	if err := front.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = front.Shutdown(ctx)
		manager.CloseAll()
	})
	return "http://" + front.Addr()
}

// authClient returns an HTTP client that attaches the given bearer token.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if b.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return b.base.RoundTrip(req)
}

func authClient(token string) *http.Client {
	return &http.Client{Transport: bearerTransport{token: token, base: http.DefaultTransport}}
}

func connect(t *testing.T, routerURL, token string) *sdk.ClientSession {
	t.Helper()
	client := sdk.NewClient(&sdk.Implementation{Name: "integration-test", Version: "0.0.0"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:   routerURL + "/mcp",
		HTTPClient: authClient(token),
	}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// call invokes a router tool and decodes its structured content into out.
// It returns false when the call failed (transport error or tool error).
func call(t *testing.T, session *sdk.ClientSession, tool string, args map[string]any, out any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return false
	}
	if res.IsError {
		return false
	}
	if out != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatalf("marshal structured content: %v", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode structured content: %v", err)
		}
	}
	return true
}

type echoResult struct {
	Provider          string `json:"provider"`
	Name              string `json:"name"`
	StructuredContent struct {
		Server string         `json:"server"`
		Echo   map[string]any `json:"echo"`
	} `json:"structuredContent"`
}

func TestRouter_ForwardsToExplicitProvider(t *testing.T) {
	upstreamURL := startUpstream(t, "files")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"mcpServers": {"files": {"transport": "http", "url": %q}}
	}`, upstreamURL))

	session := connect(t, routerURL, "")

	var out echoResult
	if !call(t, session, "tools.call", map[string]any{
		"provider":  "files",
		"name":      "echo",
		"arguments": map[string]any{"text": "hello"},
	}, &out) {
		t.Fatal("tools.call failed")
	}
	if out.Provider != "files" || out.Name != "echo" {
		t.Errorf("outcome = %s/%s", out.Provider, out.Name)
	}
	if out.StructuredContent.Server != "files" {
		t.Errorf("served by %q, want files", out.StructuredContent.Server)
	}
	if out.StructuredContent.Echo["text"] != "hello" {
		t.Errorf("echo = %v", out.StructuredContent.Echo)
	}

	// Discovery works through the same session.
	var providers struct {
		Providers []struct {
			Name      string `json:"name"`
			Transport string `json:"transport"`
			CircuitBreaker struct {
				State string `json:"state"`
			} `json:"circuitBreaker"`
		} `json:"providers"`
	}
	if !call(t, session, "list_providers", nil, &providers) {
		t.Fatal("list_providers failed")
	}
	if len(providers.Providers) != 1 || providers.Providers[0].Name != "files" {
		t.Fatalf("providers = %+v", providers.Providers)
	}
	if providers.Providers[0].CircuitBreaker.State != "closed" {
		t.Errorf("breaker state = %q", providers.Providers[0].CircuitBreaker.State)
	}

	var tools struct {
		Provider string `json:"provider"`
		Tools    []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if !call(t, session, "tools.list", map[string]any{"provider": "files"}, &tools) {
		t.Fatal("tools.list failed")
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools.Tools)
	}

	var refreshed struct {
		OK bool `json:"ok"`
	}
	if !call(t, session, "tools.refresh", nil, &refreshed) || !refreshed.OK {
		t.Error("tools.refresh failed")
	}
}

func TestRouter_RoundRobinAcrossTag(t *testing.T) {
	urlA := startUpstream(t, "search-a")
	urlB := startUpstream(t, "search-b")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"mcpServers": {
			"search-a": {"transport": "http", "url": %q, "tags": ["search"]},
			"search-b": {"transport": "http", "url": %q, "tags": ["search"]}
		}
	}`, urlA, urlB))

	session := connect(t, routerURL, "")

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		var out echoResult
		if !call(t, session, "tools.call", map[string]any{
			"provider": "tag:search",
			"name":     "echo",
		}, &out) {
			t.Fatalf("call %d failed", i)
		}
		seen[out.StructuredContent.Server]++
	}
	if seen["search-a"] != 2 || seen["search-b"] != 2 {
		t.Errorf("distribution = %v, want 2/2", seen)
	}
}

func TestRouter_VersionRangeRouting(t *testing.T) {
	urlV1 := startUpstream(t, "kb-v1")
	urlV2 := startUpstream(t, "kb-v2")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"mcpServers": {
			"kb-v1": {"transport": "http", "url": %q, "tags": ["kb"], "version": "1.4.2"},
			"kb-v2": {"transport": "http", "url": %q, "tags": ["kb"], "version": "2.1.0"}
		}
	}`, urlV1, urlV2))

	session := connect(t, routerURL, "")

	var out echoResult
	if !call(t, session, "tools.call", map[string]any{
		"provider": "tag:kb@^1.0.0",
		"name":     "echo",
	}, &out) {
		t.Fatal("versioned call failed")
	}
	if out.StructuredContent.Server != "kb-v1" {
		t.Errorf("served by %q, want kb-v1", out.StructuredContent.Server)
	}

	if !call(t, session, "tools.call", map[string]any{
		"provider": "version:>=2.0.0",
		"name":     "echo",
	}, &out) {
		t.Fatal("version selector call failed")
	}
	if out.StructuredContent.Server != "kb-v2" {
		t.Errorf("served by %q, want kb-v2", out.StructuredContent.Server)
	}
}

func TestRouter_BreakerSkipsDeadUpstream(t *testing.T) {
	liveURL := startUpstream(t, "live")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"routing": {"circuitBreaker": {"failureThreshold": 1, "openMs": 60000}},
		"mcpServers": {
			"dead": {"transport": "http", "url": "http://127.0.0.1:1", "tags": ["pool"], "timeoutMs": 500},
			"live": {"transport": "http", "url": %q, "tags": ["pool"]}
		}
	}`, liveURL))

	session := connect(t, routerURL, "")

	// Round-robin visits "dead" first; the failure opens its breaker.
	var out echoResult
	_ = call(t, session, "tools.call", map[string]any{"provider": "tag:pool", "name": "echo"}, &out)

	// All subsequent calls must land on the live upstream.
	for i := 0; i < 3; i++ {
		if !call(t, session, "tools.call", map[string]any{"provider": "tag:pool", "name": "echo"}, &out) {
			t.Fatalf("call %d after breaker open failed", i)
		}
		if out.StructuredContent.Server != "live" {
			t.Fatalf("call %d served by %q, want live", i, out.StructuredContent.Server)
		}
	}
}

func TestRouter_ProjectAllowlist(t *testing.T) {
	urlA := startUpstream(t, "allowed")
	urlB := startUpstream(t, "blocked")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"projects": [{"id": "p1", "allowedMcpServers": ["allowed"]}],
		"auth": {"tokens": [{"value": "scoped-token", "projectId": "p1"}]},
		"mcpServers": {
			"allowed": {"transport": "http", "url": %q},
			"blocked": {"transport": "http", "url": %q}
		}
	}`, urlA, urlB))

	session := connect(t, routerURL, "scoped-token")

	var out echoResult
	if !call(t, session, "tools.call", map[string]any{"provider": "allowed", "name": "echo"}, &out) {
		t.Fatal("call to allowed upstream failed")
	}
	if call(t, session, "tools.call", map[string]any{"provider": "blocked", "name": "echo"}, nil) {
		t.Error("call to blocked upstream succeeded")
	}

	// Discovery is scoped the same way.
	var providers struct {
		Providers []struct {
			Name string `json:"name"`
		} `json:"providers"`
	}
	if !call(t, session, "list_providers", nil, &providers) {
		t.Fatal("list_providers failed")
	}
	if len(providers.Providers) != 1 || providers.Providers[0].Name != "allowed" {
		t.Errorf("visible providers = %+v", providers.Providers)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	upstreamURL := startUpstream(t, "limited")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"auth": {"tokens": [{"value": "slow-token", "rateLimit": {"requestsPerMinute": 2}}]},
		"mcpServers": {"limited": {"transport": "http", "url": %q}}
	}`, upstreamURL))

	session := connect(t, routerURL, "slow-token")

	for i := 0; i < 2; i++ {
		if !call(t, session, "tools.call", map[string]any{"provider": "limited", "name": "echo"}, nil) {
			t.Fatalf("call %d failed before the budget ran out", i)
		}
	}
	if call(t, session, "list_providers", nil, nil) {
		t.Error("third request succeeded past a 2 rpm budget")
	}
}

func TestRouter_NamespacedExposure(t *testing.T) {
	upstreamURL := startUpstream(t, "files")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"toolExposure": "namespaced",
		"mcpServers": {"files": {"transport": "http", "url": %q}}
	}`, upstreamURL))

	session := connect(t, routerURL, "")

	// Namespaced registration happens when the session finishes
	// initializing; poll until the mirrored tool shows up.
	deadline := time.Now().Add(5 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := session.ListTools(ctx, &sdk.ListToolsParams{})
		cancel()
		if err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
		for _, tool := range res.Tools {
			if tool.Name == "files.echo" {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !found {
		t.Fatal("namespaced tool files.echo never appeared")
	}

	var out echoResult
	if !call(t, session, "files.echo", map[string]any{"text": "ns"}, &out) {
		t.Fatal("namespaced call failed")
	}
	if out.StructuredContent.Server != "files" || out.StructuredContent.Echo["text"] != "ns" {
		t.Errorf("namespaced result = %+v", out.StructuredContent)
	}
}

func TestRouter_DeprecatedSSETransport(t *testing.T) {
	upstreamURL := startUpstream(t, "files")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"mcpServers": {"files": {"transport": "http", "url": %q}}
	}`, upstreamURL))

	client := sdk.NewClient(&sdk.Implementation{Name: "sse-test", Version: "0.0.0"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, &sdk.SSEClientTransport{
		Endpoint:   routerURL + "/sse",
		HTTPClient: authClient(""),
	}, nil)
	if err != nil {
		t.Fatalf("SSE Connect() error = %v", err)
	}
	defer session.Close()

	var out echoResult
	if !call(t, session, "tools.call", map[string]any{
		"provider": "files",
		"name":     "echo",
	}, &out) {
		t.Fatal("tools.call over SSE failed")
	}
	if out.StructuredContent.Server != "files" {
		t.Errorf("served by %q, want files", out.StructuredContent.Server)
	}
}

func TestRouter_UnauthenticatedRejected(t *testing.T) {
	upstreamURL := startUpstream(t, "files")
	routerURL := startRouter(t, fmt.Sprintf(`{
		"auth": {"tokens": [{"value": "only-token"}]},
		"mcpServers": {"files": {"transport": "http", "url": %q}}
	}`, upstreamURL))

	client := sdk.NewClient(&sdk.Implementation{Name: "anon", Version: "0.0.0"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint: routerURL + "/mcp",
	}, nil)
	if err == nil {
		t.Fatal("anonymous Connect() succeeded against token-protected router")
	}
}
