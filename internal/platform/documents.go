package platform

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
)

func (p *Platform) pagePublish(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		Slug       string               `json:"slug"`
		Title      string               `json:"title"`
		Content    string               `json:"content"`
		Kind       documents.Kind       `json:"kind"`
		Visibility documents.Visibility `json:"visibility"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Kind == "" {
		a.Kind = documents.KindPage
	}
	if !a.Kind.Valid() {
		return nil, rpcerr.Validation("unknown document kind %q", a.Kind)
	}
	switch a.Visibility {
	case "":
		a.Visibility = documents.VisibilityPrivate
	case documents.VisibilityPrivate, documents.VisibilityUnlisted, documents.VisibilityPublic:
	default:
		return nil, rpcerr.Validation("invalid visibility %q", a.Visibility)
	}
	if a.Title == "" {
		a.Title = a.Slug
	}

	doc, err := p.cfg.Documents.Put(ctx, &documents.Document{
		OwnerID:    caller.UserID,
		Kind:       a.Kind,
		Slug:       a.Slug,
		Title:      a.Title,
		Content:    a.Content,
		Visibility: a.Visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("pagePublish: %w", err)
	}

	if doc.Kind == documents.KindPage && doc.Visibility == documents.VisibilityPublic && p.cfg.Embedder != nil {
		id, text := doc.ID, doc.Title+"\n\n"+doc.Content
		p.sink.Go("page_embedding", func(ctx context.Context) error {
			vec, err := p.cfg.Embedder.Embed(ctx, text)
			if err != nil {
				return err
			}
			return p.cfg.Documents.SetEmbedding(ctx, id, vec)
		})
	}

	out := *doc
	out.Content = ""
	return &out, nil
}

func (p *Platform) pageList(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		Kind documents.Kind `json:"kind"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	docs, err := p.cfg.Documents.ListOwned(ctx, caller.UserID, a.Kind)
	if err != nil {
		return nil, fmt.Errorf("pageList: %w", err)
	}
	if docs == nil {
		docs = []documents.Document{}
	}
	return map[string]any{"documents": docs}, nil
}

type shareArgs struct {
	Action     string            `json:"action"`
	Kind       sharing.Kind      `json:"kind"`
	ContentID  string            `json:"content_id"`
	Scope      string            `json:"scope"`
	KeyPattern string            `json:"key_pattern"`
	Grantee    string            `json:"grantee"`
	Access     sharing.Access    `json:"access"`
	Direction  sharing.Direction `json:"direction"`
}

func (p *Platform) share(ctx context.Context, caller *Caller, args map[string]any) (any, error) {
	var a shareArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	switch a.Action {
	case "grant":
		if a.Grantee == "" {
			return nil, rpcerr.Validation("grantee is required to share")
		}
		return p.cfg.Sharing.Grant(ctx, sharing.GrantRequest{
			CallerID:   caller.UserID,
			Kind:       a.Kind,
			ContentID:  a.ContentID,
			Scope:      a.Scope,
			KeyPattern: a.KeyPattern,
			Grantee:    a.Grantee,
			Access:     a.Access,
		})
	case "revoke":
		n, err := p.cfg.Sharing.Revoke(ctx, sharing.RevokeRequest{
			CallerID:   caller.UserID,
			Kind:       a.Kind,
			ContentID:  a.ContentID,
			Scope:      a.Scope,
			KeyPattern: a.KeyPattern,
			Grantee:    a.Grantee,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": n}, nil
	case "list":
		return p.cfg.Sharing.List(ctx, caller.UserID, caller.Email, a.Direction)
	case "regenerate_link":
		url, err := p.cfg.Sharing.RegenerateLink(ctx, caller.UserID, a.Kind, a.ContentID)
		if err != nil {
			return nil, err
		}
		p.logger.Info("share link regenerated",
			zap.String("user_id", caller.UserID),
			zap.String("content_id", a.ContentID),
		)
		return map[string]any{"content_id": a.ContentID, "share_url": url}, nil
	default:
		return nil, rpcerr.Validation("unknown share action %q", a.Action)
	}
}
