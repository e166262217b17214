package platform

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/secrets"
)

// maxBundleBytes caps the decoded size of one publish.
const maxBundleBytes = 5 << 20

type fileArg struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type fileOut struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func decodeFiles(in []fileArg) ([]blob.File, error) {
	seen := make(map[string]bool, len(in))
	out := make([]blob.File, 0, len(in))
	total := 0
	for _, f := range in {
		p := path.Clean(strings.TrimPrefix(f.Path, "./"))
		if p == "." || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "../") || p == ".." {
			return nil, rpcerr.Validation("invalid file path %q", f.Path)
		}
		if seen[p] {
			return nil, rpcerr.Validation("duplicate file path %q", p)
		}
		seen[p] = true

		content := []byte(f.Content)
		if f.Encoding == "base64" {
			raw, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return nil, rpcerr.InvalidParams("%s: content is not valid base64", p)
			}
			content = raw
		}
		total += len(content)
		if total > maxBundleBytes {
			return nil, rpcerr.Validation("source bundle exceeds %d bytes", maxBundleBytes)
		}
		out = append(out, blob.File{Path: p, Content: content})
	}
	return out, nil
}

func encodeFiles(files []blob.File) []fileOut {
	out := make([]fileOut, len(files))
	for i, f := range files {
		if blob.IsText(f.Content) {
			out[i] = fileOut{Path: f.Path, Content: string(f.Content), Encoding: "utf8"}
		} else {
			out[i] = fileOut{Path: f.Path, Content: base64.StdEncoding.EncodeToString(f.Content), Encoding: "base64"}
		}
	}
	return out
}

// visibleResource returns a resource the caller may see: their own, a
// listed one, or one they hold a grant on. Anything else is not found.
func (p *Platform) visibleResource(ctx context.Context, caller *Caller, resourceID string) (*lifecycle.Resource, error) {
	r, err := p.cfg.Lifecycle.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID == caller.UserID || r.Visibility != lifecycle.VisibilityPrivate {
		return r, nil
	}
	granted, err := p.cfg.Grants.HasAnyGrant(ctx, resourceID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("visibleResource: %w", err)
	}
	if !granted {
		return nil, rpcerr.NotFound("resource %s not found", resourceID)
	}
	return r, nil
}

type publishArgs struct {
	ResourceID  string    `json:"resource_id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     string    `json:"version"`
	Visibility  string    `json:"visibility"`
	Files       []fileArg `json:"files"`
}

type publishResult struct {
	*lifecycle.PublishResult
	BundleHash      string   `json:"bundle_hash"`
	RequiredSecrets []string `json:"required_secrets,omitempty"`
	OptionalSecrets []string `json:"optional_secrets,omitempty"`
}

func (p *Platform) publish(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a publishArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.ResourceID != "" {
		if _, err := p.cfg.Lifecycle.Owned(ctx, a.ResourceID, caller.UserID); err != nil {
			return nil, err
		}
	}
	files, err := decodeFiles(a.Files)
	if err != nil {
		return nil, err
	}

	info, err := p.cfg.Bundler.Build(ctx, files)
	if err != nil {
		return nil, rpcerr.BuildFailed("%v", err)
	}

	hash := blob.HashBundle(files)
	if p.cfg.Blobs != nil {
		if hash, err = p.cfg.Blobs.PutBundle(ctx, files); err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
	}

	res, err := p.cfg.Lifecycle.Publish(ctx, lifecycle.PublishRequest{
		CallerID:    caller.UserID,
		ResourceID:  a.ResourceID,
		Slug:        a.Slug,
		Name:        a.Name,
		Description: a.Description,
		Version:     a.Version,
		Visibility:  lifecycle.Visibility(a.Visibility),
		Build: lifecycle.Build{
			BundleHash:      string(hash),
			Exports:         info.Exports,
			RequiredSecrets: info.RequiredSecrets,
			OptionalSecrets: info.OptionalSecrets,
		},
	})
	if err != nil {
		return nil, err
	}
	return &publishResult{
		PublishResult:   res,
		BundleHash:      string(hash),
		RequiredSecrets: info.RequiredSecrets,
		OptionalSecrets: info.OptionalSecrets,
	}, nil
}

type versionArgs struct {
	ResourceID string `json:"resource_id"`
	Version    string `json:"version"`
}

func (p *Platform) fetchSource(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a versionArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Blobs == nil {
		return nil, unavailable("source storage")
	}
	r, err := p.visibleResource(ctx, caller, a.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := p.checkDownload(ctx, caller, r); err != nil {
		return nil, err
	}
	v, err := p.cfg.Lifecycle.Version(ctx, r, a.Version)
	if err != nil {
		return nil, err
	}
	files, err := p.cfg.Blobs.GetBundle(ctx, blob.Hash(v.BundleHash))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, rpcerr.NotFound("source of %s@%s is not stored", r.ID, v.Version)
	}
	if err != nil {
		return nil, fmt.Errorf("fetchSource: %w", err)
	}
	return map[string]any{
		"resource_id": r.ID,
		"version":     v.Version,
		"bundle_hash": v.BundleHash,
		"files":       encodeFiles(files),
	}, nil
}

// checkDownload applies the resource's download policy.
func (p *Platform) checkDownload(ctx context.Context, caller *Caller, r *lifecycle.Resource) error {
	if r.OwnerID == caller.UserID {
		return nil
	}
	switch r.DownloadPolicy {
	case lifecycle.DownloadPublic:
		if r.Visibility != lifecycle.VisibilityPrivate {
			return nil
		}
		fallthrough
	case lifecycle.DownloadGrantees:
		granted, err := p.cfg.Grants.HasAnyGrant(ctx, r.ID, caller.UserID)
		if err != nil {
			return fmt.Errorf("checkDownload: %w", err)
		}
		if granted {
			return nil
		}
	}
	return rpcerr.Forbidden("the download policy of %s does not allow you to fetch its source", r.ID)
}

type sandboxArgs struct {
	ResourceID string         `json:"resource_id"`
	Function   string         `json:"function"`
	Version    string         `json:"version"`
	Args       map[string]any `json:"args"`
}

func (p *Platform) sandboxTest(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a sandboxArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Sandbox == nil {
		return nil, unavailable("the sandbox")
	}
	r, err := p.visibleResource(ctx, caller, a.ResourceID)
	if err != nil {
		return nil, err
	}

	if r.OwnerID != caller.UserID {
		if a.Version != "" && a.Version != r.LiveVersion {
			return nil, rpcerr.Forbidden("only the owner can test versions other than the live one")
		}
	}

	v, err := p.cfg.Lifecycle.Version(ctx, r, a.Version)
	if err != nil {
		return nil, err
	}
	if !contains(v.Exports, a.Function) {
		return nil, rpcerr.NotFound("%s@%s does not export %q", r.ID, v.Version, a.Function)
	}

	values := map[string]string{}
	if p.cfg.Secrets != nil {
		opened, err := p.cfg.Secrets.Open(ctx, caller.UserID, r.ID)
		if err != nil {
			p.logger.Warn("secret lookup failed, running without secrets",
				zap.String("resource_id", r.ID),
				zap.String("user_id", caller.UserID),
				zap.Error(err),
			)
		} else {
			values = opened
		}
	}
	if missing := secrets.Missing(v.RequiredSecrets, keys(values)); len(missing) > 0 {
		return nil, rpcerr.Validation("connect the required secrets of %s first: %s", r.ID, strings.Join(missing, ", ")).
			WithData(map[string]any{"missing_secrets": missing})
	}

	// Grant budgets are consumed here, once nothing else can reject the call.
	if r.OwnerID != caller.UserID {
		if err := p.authorizeCall(ctx, caller, r, a.Function, a.Args); err != nil {
			return nil, err
		}
	}

	var files []blob.File
	if p.cfg.Blobs != nil {
		files, err = p.cfg.Blobs.GetBundle(ctx, blob.Hash(v.BundleHash))
		if err != nil {
			return nil, fmt.Errorf("sandboxTest: %w", err)
		}
	}

	res, err := p.cfg.Sandbox.Run(ctx, &SandboxRequest{
		ResourceID:      r.ID,
		Version:         v.Version,
		Function:        a.Function,
		Args:            a.Args,
		Files:           files,
		Secrets:         values,
		ExternalService: r.ExternalService,
		CallerID:        caller.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("sandboxTest: %w", err)
	}

	if p.cfg.Community != nil {
		resourceID := r.ID
		p.sink.Go("resource_call_count", func(ctx context.Context) error {
			return p.cfg.Community.RecordCall(ctx, resourceID, time.Now())
		})
	}
	return res, nil
}

// authorizeCall enforces grants for non-owners. Listed resources are open
// to callers without a grant; a caller holding grants is bound by them.
func (p *Platform) authorizeCall(ctx context.Context, caller *Caller, r *lifecycle.Resource, function string, fnArgs map[string]any) error {
	if r.Visibility != lifecycle.VisibilityPrivate {
		granted, err := p.cfg.Grants.HasAnyGrant(ctx, r.ID, caller.UserID)
		if err != nil {
			return fmt.Errorf("authorizeCall: %w", err)
		}
		if !granted {
			return nil
		}
	}
	return p.cfg.Grants.Authorize(ctx, grants.AuthorizeRequest{
		ResourceID: r.ID,
		CallerID:   caller.UserID,
		Capability: function,
		RemoteIP:   caller.RemoteIP,
		Args:       fnArgs,
	})
}

func (p *Platform) setLiveVersion(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a versionArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	r, err := p.cfg.Lifecycle.SetLive(ctx, caller.UserID, a.ResourceID, a.Version)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"resource_id":  r.ID,
		"live_version": r.LiveVersion,
		"exports":      r.Exports,
	}, nil
}

func (p *Platform) setVisibility(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
		Visibility string `json:"visibility"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	r, err := p.cfg.Lifecycle.SetVisibility(ctx, caller.UserID, a.ResourceID, lifecycle.Visibility(a.Visibility))
	if err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": r.ID, "visibility": r.Visibility}, nil
}

func (p *Platform) setDownloadPolicy(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
		Policy     string `json:"policy"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := p.cfg.Lifecycle.SetDownloadPolicy(ctx, caller.UserID, a.ResourceID, lifecycle.DownloadPolicy(a.Policy)); err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": a.ResourceID, "download_policy": a.Policy}, nil
}

func (p *Platform) setExternalService(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string  `json:"resource_id"`
		URL        *string `json:"url"`
		AuthSecret string  `json:"auth_secret"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	var svc *lifecycle.ExternalService
	if a.URL != nil && *a.URL != "" {
		svc = &lifecycle.ExternalService{URL: *a.URL, AuthSecret: a.AuthSecret}
	}
	if err := p.cfg.Lifecycle.SetExternalService(ctx, caller.UserID, a.ResourceID, svc); err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": a.ResourceID, "external_service": svc}, nil
}

func (p *Platform) setRateLimit(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
		lifecycle.RateLimit
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	var rl *lifecycle.RateLimit
	if a.CallsPerMinute > 0 || a.CallsPerDay > 0 {
		rl = &a.RateLimit
	}
	if err := p.cfg.Lifecycle.SetRateLimit(ctx, caller.UserID, a.ResourceID, rl); err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": a.ResourceID, "rate_limit": rl}, nil
}

func (p *Platform) setPricing(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
		lifecycle.Pricing
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := p.cfg.Lifecycle.SetPricing(ctx, caller.UserID, a.ResourceID, &a.Pricing); err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": a.ResourceID, "pricing": a.Pricing}, nil
}

func (p *Platform) connectSecrets(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string             `json:"resource_id"`
		Secrets    map[string]*string `json:"secrets"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Secrets == nil {
		return nil, unavailable("secret storage")
	}
	r, err := p.visibleResource(ctx, caller, a.ResourceID)
	if err != nil {
		return nil, err
	}
	declared := append(append([]string(nil), r.RequiredSecrets...), r.OptionalSecrets...)
	for k, v := range a.Secrets {
		if !contains(declared, k) {
			return nil, rpcerr.Validation("%s does not declare a secret named %q", r.ID, k)
		}
		if v != nil && *v == "" {
			return nil, rpcerr.Validation("secret %q is empty; pass null to remove it", k)
		}
	}

	res, err := p.cfg.Secrets.Connect(ctx, caller.UserID, r.ID, a.Secrets)
	if err != nil {
		return nil, fmt.Errorf("connectSecrets: %w", err)
	}
	connected, err := p.cfg.Secrets.ConnectedKeys(ctx, caller.UserID, []string{r.ID})
	if err != nil {
		return nil, fmt.Errorf("connectSecrets: %w", err)
	}
	return map[string]any{
		"resource_id":      r.ID,
		"set":              res.Set,
		"removed":          res.Removed,
		"missing_required": nonNil(secrets.Missing(r.RequiredSecrets, connected[r.ID])),
	}, nil
}

type connectionView struct {
	ResourceID      string               `json:"resource_id"`
	Connected       []secrets.Connection `json:"connected"`
	RequiredSecrets []string             `json:"required_secrets,omitempty"`
	OptionalSecrets []string             `json:"optional_secrets,omitempty"`
	Missing         []string             `json:"missing_required,omitempty"`
}

func (p *Platform) viewConnections(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Secrets == nil {
		return nil, unavailable("secret storage")
	}

	if a.ResourceID != "" {
		r, err := p.visibleResource(ctx, caller, a.ResourceID)
		if err != nil {
			return nil, err
		}
		conns, err := p.cfg.Secrets.Connected(ctx, caller.UserID, []string{r.ID})
		if err != nil {
			return nil, fmt.Errorf("viewConnections: %w", err)
		}
		list := conns[r.ID]
		names := make([]string, len(list))
		for i, c := range list {
			names[i] = c.Key
		}
		return &connectionView{
			ResourceID:      r.ID,
			Connected:       nonNilConns(list),
			RequiredSecrets: r.RequiredSecrets,
			OptionalSecrets: r.OptionalSecrets,
			Missing:         secrets.Missing(r.RequiredSecrets, names),
		}, nil
	}

	conns, err := p.cfg.Secrets.Connected(ctx, caller.UserID, nil)
	if err != nil {
		return nil, fmt.Errorf("viewConnections: %w", err)
	}
	out := make([]connectionView, 0, len(conns))
	for id, list := range conns {
		out = append(out, connectionView{ResourceID: id, Connected: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return map[string]any{"connections": out}, nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilConns(s []secrets.Connection) []secrets.Connection {
	if s == nil {
		return []secrets.Connection{}
	}
	return s
}
