// Package platform implements the operations of the capability catalog on
// top of the lifecycle, grants, discovery and sharing services.
package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/capability"
	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/memory"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/secrets"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

// Caller is the authenticated identity an operation runs as.
type Caller struct {
	UserID   string
	Email    string
	Tier     string
	RemoteIP string
}

// Handler runs one operation. args have already passed schema validation.
type Handler func(ctx context.Context, caller *Caller, args map[string]any) (any, error)

// Identities resolves a user id or email.
type Identities interface {
	sharing.Identities
}

// Config wires a Platform. Bundler, Sandbox, Embedder and CallLogs are
// optional; the operations needing them report themselves unavailable.
type Config struct {
	Registry   *capability.Registry
	Lifecycle  *lifecycle.Service
	Grants     *grants.Service
	Discovery  *discovery.Engine
	Sharing    *sharing.Service
	Documents  documents.Store
	Memory     memory.Store
	Secrets    *secrets.Service
	Blobs      blob.Store
	Community  CommunityStore
	Identities Identities
	Bundler    Bundler
	Sandbox    Sandbox
	Embedder   discovery.Embedder
	CallLogs   storage.CallLogReader
	Sink       sink.Sink
	Logger     *zap.Logger
}

// Platform dispatches catalog operations to their handlers.
type Platform struct {
	cfg      Config
	handlers map[string]Handler
	sink     sink.Sink
	logger   *zap.Logger
}

// New builds the handler table and checks it covers the whole catalog.
func New(cfg Config) (*Platform, error) {
	p := &Platform{cfg: cfg, sink: cfg.Sink, logger: cfg.Logger}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.sink == nil {
		p.sink = &sink.Inline{}
	}
	if cfg.Bundler == nil {
		p.cfg.Bundler = SourceScanner{}
	}

	p.handlers = map[string]Handler{
		"publish":              p.publish,
		"fetch_source":         p.fetchSource,
		"sandbox_test":         p.sandboxTest,
		"set_live_version":     p.setLiveVersion,
		"set_visibility":       p.setVisibility,
		"set_download_policy":  p.setDownloadPolicy,
		"set_external_service": p.setExternalService,
		"set_rate_limit":       p.setRateLimit,
		"set_pricing":          p.setPricing,
		"grant_permissions":    p.grantPermissions,
		"revoke_permissions":   p.revokePermissions,
		"list_permissions":     p.listPermissions,
		"export_permissions":   p.exportPermissions,
		"discover_library":     p.discoverLibrary,
		"discover_appstore":    p.discoverAppstore,
		"discover_inspect":     p.discoverInspect,
		"rate_item":            p.rateItem,
		"view_call_logs":       p.viewCallLogs,
		"connect_secrets":      p.connectSecrets,
		"view_connections":     p.viewConnections,
		"memory_write":         p.memoryWrite,
		"memory_read":          p.memoryRead,
		"memory_query":         p.memoryQuery,
		"memory_forget":        p.memoryForget,
		"page_publish":         p.pagePublish,
		"page_list":            p.pageList,
		"share":                p.share,
		"report_shortcoming":   p.reportShortcoming,
		"browse_gaps":          p.browseGaps,
	}

	if cfg.Registry != nil {
		for _, name := range cfg.Registry.Names() {
			if _, ok := p.handlers[name]; !ok {
				return nil, fmt.Errorf("New: no handler for capability %q", name)
			}
		}
		for name := range p.handlers {
			if _, ok := cfg.Registry.Lookup(name); !ok {
				return nil, fmt.Errorf("New: handler %q is not in the catalog", name)
			}
		}
	}
	return p, nil
}

// Invoke runs the named operation.
func (p *Platform) Invoke(ctx context.Context, caller *Caller, name string, args map[string]any) (any, error) {
	h, ok := p.handlers[name]
	if !ok {
		return nil, rpcerr.NotFound("unknown capability: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return h(ctx, caller, args)
}

// decodeArgs maps the argument object onto a typed struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return rpcerr.InvalidParams("arguments are not valid JSON: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return rpcerr.InvalidParams("%v", err)
	}
	return nil
}

// unavailable reports an optional collaborator that is not configured.
func unavailable(what string) error {
	return rpcerr.New(rpcerr.CodeInternalError, "%s is not available on this deployment", what)
}
