package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/platform"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

// LatestProtocolVersion is answered when the client asks for a version the
// gateway does not know.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = map[string]bool{
	"2024-11-05":          true,
	"2025-03-26":          true,
	LatestProtocolVersion: true,
}

const (
	guideURI   = "ultralight://guide"
	libraryURI = "ultralight://library"
)

//go:embed guide.md
var guide string

// capabilityGroups scopes /mcp/{group} to a slice of the catalog.
var capabilityGroups = map[string][]string{
	"resources": {
		"publish", "fetch_source", "sandbox_test", "set_live_version", "set_visibility",
		"set_download_policy", "set_external_service", "set_rate_limit", "set_pricing",
	},
	"permissions": {"grant_permissions", "revoke_permissions", "list_permissions", "export_permissions"},
	"discovery":   {"discover_library", "discover_appstore", "discover_inspect", "rate_item", "view_call_logs"},
	"secrets":     {"connect_secrets", "view_connections"},
	"memory":      {"memory_write", "memory_read", "memory_query", "memory_forget"},
	"documents":   {"page_publish", "page_list", "share"},
	"community":   {"report_shortcoming", "browse_gaps"},
}

func inGroup(group, name string) bool {
	for _, n := range capabilityGroups[group] {
		if n == name {
			return true
		}
	}
	return false
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type serverCapabilities struct {
	Tools     map[string]any `json:"tools"`
	Resources map[string]any `json:"resources"`
}

func (g *Gateway) initialize(req *Request) *initializeResult {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}
	version := LatestProtocolVersion
	if supportedProtocolVersions[p.ProtocolVersion] {
		version = p.ProtocolVersion
	}
	return &initializeResult{
		ProtocolVersion: version,
		Capabilities: serverCapabilities{
			Tools:     map[string]any{"listChanged": false},
			Resources: map[string]any{"subscribe": false, "listChanged": false},
		},
		ServerInfo: mcp.Implementation{Name: g.cfg.ServerName, Version: g.cfg.ServerVersion},
		Instructions: "Read " + guideURI + " for how publishing, grants and discovery work. " +
			"Read " + libraryURI + " for the resources you own or were granted.",
	}
}

type listResult struct {
	Tools []mcp.Tool `json:"tools"`
}

func (g *Gateway) listCapabilities(group string) *listResult {
	all := g.cfg.Registry.Tools()
	if group == "" {
		return &listResult{Tools: all}
	}
	out := make([]mcp.Tool, 0, len(capabilityGroups[group]))
	for _, t := range all {
		if inGroup(group, t.Name) {
			out = append(out, t)
		}
	}
	return &listResult{Tools: out}
}

// toolResult is a tool call result. The JSON text mirrors structuredContent
// for clients that only read content.
type toolResult struct {
	Content           []mcp.Content  `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

type invokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (g *Gateway) invoke(ctx context.Context, caller *platform.Caller, group string, req *Request, ev *storage.AuditEvent) (any, *rpcerr.Error) {
	if len(req.Params) == 0 {
		return nil, rpcerr.InvalidParams("params are required")
	}
	var p invokeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpcerr.InvalidParams("params: %v", err)
	}
	if p.Name == "" {
		return nil, rpcerr.InvalidParams("name is required")
	}
	ev.Capability = p.Name
	if group != "" && !inGroup(group, p.Name) {
		return nil, rpcerr.NotFound("capability %s is not in group %s", p.Name, group)
	}

	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if intent, ok := args["_intent"].(string); ok {
		ev.Intent = storage.TruncatePayload(intent, storage.PayloadPreviewLength)
	}
	if session, ok := args["_session_id"].(string); ok && session != "" {
		ev.SessionID = session
	}
	delete(args, "_intent")
	delete(args, "_session_id")
	if rid, ok := args["resource_id"].(string); ok {
		ev.ResourceID = rid
	}
	ev.InputPreview = preview(args)

	var meta map[string]any
	if g.cfg.Quota != nil {
		d, err := g.cfg.Quota.Check(ctx, caller.UserID, caller.Tier)
		switch {
		case err != nil:
			g.logger.Warn("quota check failed, allowing",
				zap.String("user_id", caller.UserID),
				zap.Error(err),
			)
		case !d.Allowed:
			g.metrics.reject("quota")
			return nil, rpcerr.New(rpcerr.CodeQuotaExceeded, "weekly call quota of %d exhausted", d.Limit).WithData(map[string]any{
				"used":     d.Used,
				"limit":    d.Limit,
				"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
			})
		case d.Overage:
			ev.QuotaOverage = true
			meta = map[string]any{"quota": map[string]any{
				"overage":  true,
				"used":     d.Used,
				"limit":    d.Limit,
				"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
			}}
		}
	}

	if err := g.cfg.Registry.Validate(p.Name, args); err != nil {
		return nil, g.operationError(p.Name, err)
	}

	start := g.now()
	out, err := g.cfg.Platform.Invoke(ctx, caller, p.Name, args)
	g.metrics.invoke(p.Name, err == nil, g.now().Sub(start))
	if err != nil {
		return nil, g.operationError(p.Name, err)
	}

	text, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, g.operationError(p.Name, err)
	}
	ev.OutputPreview = storage.TruncatePayload(string(text), storage.PayloadPreviewLength)
	return &toolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: out,
		Meta:              meta,
	}, nil
}

// operationError keeps structured errors and hides everything else.
func (g *Gateway) operationError(name string, err error) *rpcerr.Error {
	if rerr, ok := rpcerr.As(err); ok {
		return rerr
	}
	g.logger.Error("capability failed",
		zap.String("capability", name),
		zap.Error(err),
	)
	return rpcerr.New(rpcerr.CodeInternalError, "internal error")
}

type resourceListResult struct {
	Resources []mcp.Resource `json:"resources"`
}

func listResources() *resourceListResult {
	return &resourceListResult{Resources: []mcp.Resource{
		mcp.NewResource(guideURI, "Platform guide",
			mcp.WithResourceDescription("How publishing, versions, grants, discovery and sharing work."),
			mcp.WithMIMEType("text/markdown"),
		),
		mcp.NewResource(libraryURI, "Your library",
			mcp.WithResourceDescription("Every resource you own or have been granted, with its functions."),
			mcp.WithMIMEType("text/markdown"),
		),
	}}
}

type readResult struct {
	Contents []mcp.ResourceContents `json:"contents"`
}

func (g *Gateway) readResource(ctx context.Context, caller *platform.Caller, req *Request) (any, *rpcerr.Error) {
	var p struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, rpcerr.InvalidParams("params: %v", err)
		}
	}

	var text string
	switch p.URI {
	case "":
		return nil, rpcerr.InvalidParams("uri is required")
	case guideURI:
		text = guide
	case libraryURI:
		if g.cfg.Library == nil {
			return nil, rpcerr.NotFound("resource not found: %s", p.URI)
		}
		md, err := g.cfg.Library.Render(ctx, caller.UserID)
		if err != nil {
			return nil, g.operationError("resources/read", err)
		}
		text = md
	default:
		return nil, rpcerr.NotFound("resource not found: %s", p.URI)
	}
	return &readResult{Contents: []mcp.ResourceContents{
		mcp.TextResourceContents{URI: p.URI, MIMEType: "text/markdown", Text: text},
	}}, nil
}

func preview(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return storage.TruncatePayload(string(raw), storage.PayloadPreviewLength)
}
