package service

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/principal"
	"github.com/mcp-router/mcp-router/internal/domain/tool"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerName identifies the router in MCP handshakes.
const ServerName = "mcp-router"

// BuildServer constructs the MCP server for one session, bound to the
// caller's principal. Which tools it surfaces depends on toolExposure:
// hierarchical registers the router's own tools, namespaced mirrors every
// visible upstream tool under "<upstream>.<tool>" (list_providers stays
// available for discovery), both does both.
func BuildServer(deps Deps, prin principal.Principal, version string) *sdk.Server {
	engine := NewEngine(deps, prin, "")
	exposure := deps.Ref.Get().ToolExposure

	var server *sdk.Server
	server = sdk.NewServer(&sdk.Implementation{
		Name:    ServerName,
		Version: version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			engine.BindSession(req.Session.ID())
			if exposure == config.ExposureNamespaced || exposure == config.ExposureBoth {
				registerNamespacedTools(ctx, server, engine, deps)
			}
		},
	})

	server.AddTool(listProvidersTool(), func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args struct {
			Tag     string `json:"tag"`
			Version string `json:"version"`
		}
		if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		res, err := engine.ListProviders(ctx, args.Tag, args.Version)
		if err != nil {
			return nil, err
		}
		return toolResult(res)
	})

	if exposure == config.ExposureHierarchical || exposure == config.ExposureBoth {
		server.AddTool(toolsListTool(), func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
			var args struct {
				Provider string `json:"provider"`
			}
			if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
			res, err := engine.ToolsList(ctx, args.Provider)
			if err != nil {
				return nil, err
			}
			return toolResult(res)
		})

		server.AddTool(toolsCallTool(), func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
			var args struct {
				Provider  string          `json:"provider"`
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
			res, err := engine.ToolsCall(ctx, args.Provider, args.Name, args.Arguments)
			if err != nil {
				return nil, err
			}
			return forwardedResult(res), nil
		})

		server.AddTool(toolsRefreshTool(), func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
			var args struct {
				Provider string `json:"provider"`
			}
			if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
			res, err := engine.ToolsRefresh(ctx, args.Provider)
			if err != nil {
				return nil, err
			}
			return toolResult(res)
		})
	}

	return server
}

// registerNamespacedTools mirrors every visible upstream tool onto the
// session's server. A failing upstream is skipped and logged so one dead
// upstream cannot blank out the whole listing.
func registerNamespacedTools(ctx context.Context, server *sdk.Server, engine *Engine, deps Deps) {
	cfg := deps.Ref.Get()
	for _, u := range engine.visibleUpstreams(cfg) {
		tools, err := engine.fetchTools(ctx, cfg, u.Name)
		if err != nil {
			deps.Logger.Warn("skipping upstream during namespaced registration",
				"upstream", u.Name, "error", err)
			continue
		}
		for _, t := range tools {
			mirrored := *t
			mirrored.Name = tool.Namespaced(u.Name, t.Name)
			meta := sdk.Meta{}
			for k, v := range t.Meta {
				meta[k] = v
			}
			meta[metaOriginalName] = t.Name
			meta[metaUpstream] = u.Name
			mirrored.Meta = meta

			namespacedName := mirrored.Name
			server.AddTool(&mirrored, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
				res, err := engine.CallNamespaced(ctx, namespacedName, req.Params.Arguments)
				if err != nil {
					return nil, err
				}
				return forwardedResult(res), nil
			})
		}
	}
}

func listProvidersTool() *sdk.Tool {
	return &sdk.Tool{
		Name:        ToolListProviders,
		Description: "List configured upstream providers with availability state, optionally filtered by tag or version range.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"tag":     {Type: "string", Description: "Only providers carrying this tag."},
				"version": {Type: "string", Description: "Only providers whose version satisfies this semver range."},
			},
		},
	}
}

func toolsListTool() *sdk.Tool {
	return &sdk.Tool{
		Name:        ToolToolsList,
		Description: "List the tools of the provider a selector resolves to.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"provider": {Type: "string", Description: "Provider name, tag:<tag>, tag:<tag>@<range>, or version:<range>."},
			},
			Required: []string{"provider"},
		},
	}
}

func toolsCallTool() *sdk.Tool {
	return &sdk.Tool{
		Name:        ToolToolsCall,
		Description: "Invoke a tool on the provider a selector resolves to.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"provider":  {Type: "string", Description: "Provider name, tag:<tag>, tag:<tag>@<range>, or version:<range>."},
				"name":      {Type: "string", Description: "Tool name as the upstream reports it."},
				"arguments": {Type: "object", Description: "Arguments forwarded verbatim to the upstream tool."},
			},
			Required: []string{"provider", "name"},
		},
	}
}

func toolsRefreshTool() *sdk.Tool {
	return &sdk.Tool{
		Name:        ToolToolsRefresh,
		Description: "Invalidate the cached tool list of one provider, or all providers.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"provider": {Type: "string", Description: "Provider selector; omit to refresh everything."},
			},
		},
	}
}

func unmarshalArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

// toolResult wraps a structured value as a tool result, duplicating it as
// JSON text for clients that only read content.
func toolResult(v any) (*sdk.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &sdk.CallToolResult{
		Content:           []sdk.Content{&sdk.TextContent{Text: string(b)}},
		StructuredContent: v,
	}, nil
}

// forwardedResult rebuilds a forwarded call outcome, preserving the
// upstream's content and error flag.
func forwardedResult(out *ToolCallOutcome) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		Content:           out.Content,
		StructuredContent: out,
		IsError:           out.IsError,
	}
}
