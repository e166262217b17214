package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evrydayimruslin/ultralight-sub003/internal/memory"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
)

const (
	maxMemoryValueBytes = 64 << 10
	defaultMemoryQuery  = 50
	maxMemoryQuery      = 500
)

type memoryArgs struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Scope  string          `json:"scope"`
	Owner  string          `json:"owner"`
	Prefix string          `json:"prefix"`
	Limit  int             `json:"limit"`
}

func (a *memoryArgs) scope() string {
	if a.Scope == "" {
		return memory.DefaultScope
	}
	return a.Scope
}

// memoryOwner resolves the owner argument; empty means the caller.
func (p *Platform) memoryOwner(ctx context.Context, caller *Caller, ref string) (string, error) {
	if ref == "" || ref == caller.UserID || (caller.Email != "" && ref == caller.Email) {
		return caller.UserID, nil
	}
	u, err := p.cfg.Identities.ResolveIdentity(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("memoryOwner: %w", err)
	}
	if u == nil {
		return "", rpcerr.NotFound("user %s not found", ref)
	}
	return u.ID, nil
}

func (p *Platform) checkKeyAccess(ctx context.Context, caller *Caller, owner, scope, key string, write bool) error {
	if owner == caller.UserID {
		return nil
	}
	ok, err := p.cfg.Sharing.CanAccessKey(ctx, owner, scope, key, caller.UserID, caller.Email, write)
	if err != nil {
		return fmt.Errorf("checkKeyAccess: %w", err)
	}
	if !ok {
		verb := "read"
		if write {
			verb = "write"
		}
		return rpcerr.Forbidden("memory key %q is not shared with you for %s access", key, verb)
	}
	return nil
}

func (p *Platform) memoryWrite(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a memoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if len(a.Value) == 0 {
		a.Value = json.RawMessage("null")
	}
	if len(a.Value) > maxMemoryValueBytes {
		return nil, rpcerr.Validation("memory values are limited to %d bytes", maxMemoryValueBytes)
	}
	owner, err := p.memoryOwner(ctx, caller, a.Owner)
	if err != nil {
		return nil, err
	}
	if err := p.checkKeyAccess(ctx, caller, owner, a.scope(), a.Key, true); err != nil {
		return nil, err
	}

	e := &memory.Entry{OwnerID: owner, Scope: a.scope(), Key: a.Key, Value: a.Value, UpdatedAt: time.Now().UTC()}
	if err := p.cfg.Memory.Put(ctx, e); err != nil {
		return nil, fmt.Errorf("memoryWrite: %w", err)
	}
	return map[string]any{"owner_id": owner, "scope": e.Scope, "key": e.Key, "updated_at": e.UpdatedAt}, nil
}

func (p *Platform) memoryRead(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a memoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	owner, err := p.memoryOwner(ctx, caller, a.Owner)
	if err != nil {
		return nil, err
	}
	if err := p.checkKeyAccess(ctx, caller, owner, a.scope(), a.Key, false); err != nil {
		return nil, err
	}
	e, err := p.cfg.Memory.Get(ctx, owner, a.scope(), a.Key)
	if err != nil {
		return nil, fmt.Errorf("memoryRead: %w", err)
	}
	if e == nil {
		return map[string]any{"key": a.Key, "scope": a.scope(), "found": false, "value": nil}, nil
	}
	return map[string]any{"key": e.Key, "scope": e.Scope, "found": true, "value": e.Value, "updated_at": e.UpdatedAt}, nil
}

func (p *Platform) memoryQuery(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a memoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = defaultMemoryQuery
	}
	owner, err := p.memoryOwner(ctx, caller, a.Owner)
	if err != nil {
		return nil, err
	}

	if owner == caller.UserID {
		entries, err := p.cfg.Memory.Query(ctx, owner, a.scope(), a.Prefix, limit)
		if err != nil {
			return nil, fmt.Errorf("memoryQuery: %w", err)
		}
		return map[string]any{"entries": nonNilEntries(entries)}, nil
	}

	patterns, err := p.cfg.Sharing.SharedPatterns(ctx, owner, a.scope(), caller.UserID, caller.Email)
	if err != nil {
		return nil, fmt.Errorf("memoryQuery: %w", err)
	}
	if len(patterns) == 0 {
		return nil, rpcerr.Forbidden("no memory in scope %q is shared with you", a.scope())
	}
	entries, err := p.cfg.Memory.Query(ctx, owner, a.scope(), a.Prefix, maxMemoryQuery)
	if err != nil {
		return nil, fmt.Errorf("memoryQuery: %w", err)
	}
	var out []memory.Entry
	for _, e := range entries {
		for _, pat := range patterns {
			if sharing.MatchKeyPattern(pat, e.Key) {
				out = append(out, e)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return map[string]any{"entries": nonNilEntries(out)}, nil
}

func (p *Platform) memoryForget(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a memoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	deleted, err := p.cfg.Memory.Delete(ctx, caller.UserID, a.scope(), a.Key)
	if err != nil {
		return nil, fmt.Errorf("memoryForget: %w", err)
	}
	return map[string]any{"key": a.Key, "scope": a.scope(), "deleted": deleted}, nil
}

func nonNilEntries(in []memory.Entry) []memory.Entry {
	if in == nil {
		return []memory.Entry{}
	}
	return in
}
