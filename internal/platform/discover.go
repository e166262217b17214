package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

func (p *Platform) discoverLibrary(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	results, err := p.cfg.Discovery.Library(ctx, caller.UserID, a.Query, a.Limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []discovery.Candidate{}
	}
	return map[string]any{"results": results}, nil
}

func (p *Platform) discoverAppstore(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		Query string           `json:"query"`
		Limit int              `json:"limit"`
		Kinds []discovery.Kind `json:"kinds"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return p.cfg.Discovery.Search(ctx, discovery.Request{
		CallerID: caller.UserID,
		Query:    a.Query,
		Limit:    a.Limit,
		Kinds:    a.Kinds,
	})
}

type inspectResult struct {
	*discovery.Candidate
	Access         string                   `json:"access"`
	Visibility     lifecycle.Visibility     `json:"visibility"`
	LiveVersion    string                   `json:"live_version"`
	Versions       []string                 `json:"versions,omitempty"`
	DownloadPolicy lifecycle.DownloadPolicy `json:"download_policy"`
	RateLimit      *lifecycle.RateLimit     `json:"rate_limit,omitempty"`
	Pricing        *lifecycle.Pricing       `json:"pricing,omitempty"`
}

func (p *Platform) discoverInspect(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string `json:"resource_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	r, err := p.visibleResource(ctx, caller, a.ResourceID)
	if err != nil {
		return nil, err
	}
	c, err := p.cfg.Discovery.Inspect(ctx, caller.UserID, r.ID)
	if e, ok := rpcerr.As(err); ok && e.Code == rpcerr.CodeNotFound {
		// Not every source carries unindexed resources.
		c, err = &discovery.Candidate{
			ID:              r.ID,
			Kind:            discovery.KindResource,
			Slug:            r.Slug,
			Name:            r.Name,
			Description:     r.Description,
			OwnerID:         r.OwnerID,
			Exports:         r.Exports,
			RequiredSecrets: r.RequiredSecrets,
			OptionalSecrets: r.OptionalSecrets,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &inspectResult{
		Candidate:      c,
		Access:         "public",
		Visibility:     r.Visibility,
		LiveVersion:    r.LiveVersion,
		DownloadPolicy: r.DownloadPolicy,
		RateLimit:      r.RateLimit,
		Pricing:        r.Pricing,
	}
	switch {
	case r.OwnerID == caller.UserID:
		out.Access = "owner"
		out.Versions = r.Versions
	default:
		granted, err := p.cfg.Grants.HasAnyGrant(ctx, r.ID, caller.UserID)
		if err != nil {
			return nil, fmt.Errorf("discoverInspect: %w", err)
		}
		if granted {
			out.Access = "granted"
		}
	}
	return out, nil
}

func (p *Platform) rateItem(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ItemID string         `json:"item_id"`
		Kind   discovery.Kind `json:"kind"`
		Rating Rating         `json:"rating"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Community == nil {
		return nil, unavailable("rating")
	}
	if a.Kind == "" {
		a.Kind = discovery.KindResource
	}

	switch a.Kind {
	case discovery.KindResource:
		r, err := p.visibleResource(ctx, caller, a.ItemID)
		if err != nil {
			return nil, err
		}
		if r.OwnerID == caller.UserID {
			return nil, rpcerr.Validation("you cannot rate your own resource")
		}
	case discovery.KindPage:
		doc, err := p.cfg.Documents.Get(ctx, a.ItemID)
		if errors.Is(err, documents.ErrNotFound) {
			return nil, rpcerr.NotFound("page %s not found", a.ItemID)
		}
		if err != nil {
			return nil, fmt.Errorf("rateItem: %w", err)
		}
		ok, err := p.cfg.Sharing.CanAccessDocument(ctx, doc, caller.UserID, caller.Email, false)
		if err != nil {
			return nil, fmt.Errorf("rateItem: %w", err)
		}
		if !ok {
			return nil, rpcerr.NotFound("page %s not found", a.ItemID)
		}
		if doc.OwnerID == caller.UserID {
			return nil, rpcerr.Validation("you cannot rate your own page")
		}
	default:
		return nil, rpcerr.Validation("unknown item kind %q", a.Kind)
	}

	if err := p.cfg.Community.SetRating(ctx, caller.UserID, a.ItemID, a.Kind, a.Rating); err != nil {
		return nil, fmt.Errorf("rateItem: %w", err)
	}
	hidden := a.Rating == RatingDislike
	if err := p.cfg.Community.SetHidden(ctx, caller.UserID, a.ItemID, hidden); err != nil {
		return nil, fmt.Errorf("rateItem: %w", err)
	}
	return map[string]any{"item_id": a.ItemID, "kind": a.Kind, "rating": a.Rating, "hidden": hidden}, nil
}

func (p *Platform) viewCallLogs(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		ResourceID string     `json:"resource_id"`
		Since      *time.Time `json:"since"`
		Limit      int        `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.CallLogs == nil {
		return nil, unavailable("call log storage")
	}

	q := storage.CallLogQuery{Since: a.Since, Limit: a.Limit}
	if a.ResourceID != "" {
		if _, err := p.cfg.Lifecycle.Owned(ctx, a.ResourceID, caller.UserID); err != nil {
			return nil, err
		}
		q.ResourceID = a.ResourceID
	} else {
		q.UserID = caller.UserID
	}

	calls, err := p.cfg.CallLogs.ListCalls(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("viewCallLogs: %w", err)
	}
	if calls == nil {
		calls = []storage.CallLog{}
	}
	return map[string]any{"calls": calls}, nil
}
