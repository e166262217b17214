package platform

import (
	"context"

	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
)

type grantArgs struct {
	ResourceID   string              `json:"resource_id"`
	Grantee      string              `json:"grantee"`
	Capabilities []string            `json:"capabilities"`
	Constraints  *grants.Constraints `json:"constraints"`
}

func (p *Platform) grantPermissions(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a grantArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return p.cfg.Grants.Grant(ctx, grants.GrantRequest{
		CallerID:     caller.UserID,
		ResourceID:   a.ResourceID,
		Grantee:      a.Grantee,
		Capabilities: a.Capabilities,
		Constraints:  a.Constraints,
	})
}

func (p *Platform) revokePermissions(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a grantArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return p.cfg.Grants.Revoke(ctx, grants.RevokeRequest{
		CallerID:     caller.UserID,
		ResourceID:   a.ResourceID,
		Grantee:      a.Grantee,
		Capabilities: a.Capabilities,
	})
}

func (p *Platform) listPermissions(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
		Grantee    string `json:"grantee"`
		Capability string `json:"capability"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	entries, err := p.cfg.Grants.List(ctx, grants.ListRequest{
		CallerID:   caller.UserID,
		ResourceID: a.ResourceID,
		Grantee:    a.Grantee,
		Capability: a.Capability,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []grants.ListEntry{}
	}
	return map[string]any{"resource_id": a.ResourceID, "grantees": entries}, nil
}

func (p *Platform) exportPermissions(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	rows, err := p.cfg.Grants.Export(ctx, caller.UserID, a.ResourceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": a.ResourceID, "rows": rows, "count": len(rows)}, nil
}
