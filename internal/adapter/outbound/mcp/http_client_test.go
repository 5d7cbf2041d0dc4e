package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEchoUpstream serves a single echo tool over streamable HTTP.
func newEchoUpstream(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	server := sdk.NewServer(&sdk.Implementation{Name: "mock-upstream", Version: "0.1.0"}, nil)
	server.AddTool(&sdk.Tool{
		Name:        "echo",
		Description: "echoes the message back",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"message": {Type: "string"},
			},
		},
	}, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &sdk.CallToolResult{
			Content:           []sdk.Content{&sdk.TextContent{Text: args.Message}},
			StructuredContent: map[string]any{"message": args.Message},
		}, nil
	})

	var handler http.Handler = sdk.NewStreamableHTTPHandler(
		func(*http.Request) *sdk.Server { return server }, nil)
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func httpUpstreamConfig(url string) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       url,
		TimeoutMs: 10_000,
	}
}

func TestHTTPClient_CallTool(t *testing.T) {
	t.Parallel()

	ts := newEchoUpstream(t, nil)
	c := NewHTTPClient(httpUpstreamConfig(ts.URL), testLogger())
	defer c.Close()

	res, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	sc, ok := res.StructuredContent.(map[string]any)
	if !ok || sc["message"] != "hello" {
		t.Errorf("StructuredContent = %v, want message=hello", res.StructuredContent)
	}
}

func TestHTTPClient_ListTools(t *testing.T) {
	t.Parallel()

	ts := newEchoUpstream(t, nil)
	c := NewHTTPClient(httpUpstreamConfig(ts.URL), testLogger())
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %v, want [echo]", tools)
	}
}

func TestHTTPClient_UnknownToolIsProtocolError(t *testing.T) {
	t.Parallel()

	ts := newEchoUpstream(t, nil)
	c := NewHTTPClient(httpUpstreamConfig(ts.URL), testLogger())
	defer c.Close()

	_, err := c.CallTool(context.Background(), "no_such_tool", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("CallTool() succeeded for unknown tool")
	}
	if routererr.KindOf(err) != routererr.KindProtocol {
		t.Errorf("kind = %v, want Protocol", routererr.KindOf(err))
	}
}

func TestHTTPClient_UnreachableIsUnavailable(t *testing.T) {
	t.Parallel()

	cfg := httpUpstreamConfig("http://127.0.0.1:1/mcp")
	cfg.TimeoutMs = 1000
	c := NewHTTPClient(cfg, testLogger())
	defer c.Close()

	_, err := c.ListTools(context.Background())
	if routererr.KindOf(err) != routererr.KindUpstreamUnavailable {
		t.Errorf("kind = %v (err=%v), want UpstreamUnavailable", routererr.KindOf(err), err)
	}
}

func TestHTTPClient_InjectsConfiguredHeaders(t *testing.T) {
	t.Parallel()

	var missing atomic.Int32
	ts := newEchoUpstream(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Api-Key") != "secret-key" {
				missing.Add(1)
			}
			next.ServeHTTP(w, r)
		})
	})

	cfg := httpUpstreamConfig(ts.URL)
	cfg.Headers = map[string]string{"X-Api-Key": "secret-key"}
	c := NewHTTPClient(cfg, testLogger())
	defer c.Close()

	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if missing.Load() != 0 {
		t.Errorf("%d upstream requests missing configured header", missing.Load())
	}
}

func TestHTTPClient_ConcurrentFirstUseSharesOneConnect(t *testing.T) {
	t.Parallel()

	var initializes atomic.Int32
	ts := newEchoUpstream(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// New sessions arrive without a session id header.
			if r.Method == http.MethodPost && r.Header.Get("Mcp-Session-Id") == "" {
				initializes.Add(1)
			}
			next.ServeHTTP(w, r)
		})
	})
	c := NewHTTPClient(httpUpstreamConfig(ts.URL), testLogger())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ListTools(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if initializes.Load() != 1 {
		t.Errorf("initialize requests = %d, want 1 (coalesced connect)", initializes.Load())
	}
}

func TestHTTPClient_CloseThenUseFails(t *testing.T) {
	t.Parallel()

	ts := newEchoUpstream(t, nil)
	c := NewHTTPClient(httpUpstreamConfig(ts.URL), testLogger())
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := c.ListTools(context.Background()); routererr.KindOf(err) != routererr.KindUpstreamUnavailable {
		t.Errorf("use after close: kind = %v, want UpstreamUnavailable", routererr.KindOf(err))
	}
}
