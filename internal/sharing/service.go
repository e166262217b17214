package sharing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/memory"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

// Identities resolves a grantee reference (user id or email).
type Identities interface {
	ResolveIdentity(ctx context.Context, ref string) (*auth.User, error)
}

// Service implements the share verbs.
type Service struct {
	store      Store
	docs       documents.Store
	identities Identities
	baseURL    string
	logger     *zap.Logger
}

// Config configures a Service. BaseURL prefixes share links.
type Config struct {
	Store      Store
	Documents  documents.Store
	Identities Identities
	BaseURL    string
	Logger     *zap.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      cfg.Store,
		docs:       cfg.Documents,
		identities: cfg.Identities,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// GrantRequest shares a document (ContentID) or a memory key pattern.
type GrantRequest struct {
	CallerID   string
	Kind       Kind
	ContentID  string
	Scope      string
	KeyPattern string
	Grantee    string
	Access     Access
}

// GrantResult reports the stored share. ShareURL is only set when this
// grant created the document's link.
type GrantResult struct {
	Kind         Kind   `json:"kind"`
	ContentID    string `json:"content_id,omitempty"`
	Scope        string `json:"scope,omitempty"`
	KeyPattern   string `json:"key_pattern,omitempty"`
	GranteeID    string `json:"grantee_id,omitempty"`
	GranteeEmail string `json:"grantee_email,omitempty"`
	Access       Access `json:"access"`
	Pending      bool   `json:"pending"`
	ShareURL     string `json:"share_url,omitempty"`
}

func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if !req.Kind.Valid() {
		return nil, rpcerr.Validation("unknown share kind %q", req.Kind)
	}
	if req.Access == "" {
		req.Access = AccessRead
	}
	if !req.Access.Valid() {
		return nil, rpcerr.Validation("invalid access %q", req.Access)
	}
	granteeID, email, err := s.resolveGrantee(ctx, req.Grantee)
	if err != nil {
		return nil, err
	}
	if granteeID == req.CallerID {
		return nil, rpcerr.Validation("you cannot share with yourself")
	}
	res := &GrantResult{
		Kind:         req.Kind,
		GranteeID:    granteeID,
		GranteeEmail: email,
		Access:       req.Access,
		Pending:      granteeID == "",
	}

	if req.Kind == KindMemoryKey {
		scope, pattern, err := keyTarget(req.Scope, req.KeyPattern)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpsertKeyShare(ctx, &KeyShare{
			OwnerID:      req.CallerID,
			Scope:        scope,
			KeyPattern:   pattern,
			GranteeID:    granteeID,
			GranteeEmail: email,
			Access:       req.Access,
		}); err != nil {
			return nil, fmt.Errorf("Grant: %w", err)
		}
		res.Scope, res.KeyPattern = scope, pattern
		return res, nil
	}

	doc, err := s.ownedDocument(ctx, req.CallerID, req.Kind, req.ContentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertContentShare(ctx, &ContentShare{
		ContentID:    doc.ID,
		Kind:         req.Kind,
		OwnerID:      req.CallerID,
		GranteeID:    granteeID,
		GranteeEmail: email,
		Access:       req.Access,
	}); err != nil {
		return nil, fmt.Errorf("Grant: %w", err)
	}
	res.ContentID = doc.ID

	if doc.Visibility == documents.VisibilityPrivate {
		if err := s.docs.SetVisibility(ctx, doc.ID, documents.VisibilityShared); err != nil {
			return nil, fmt.Errorf("Grant: %w", err)
		}
	}
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("Grant: %w", err)
	}
	created, err := s.store.EnsureLink(ctx, req.Kind, doc.ID, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("Grant: %w", err)
	}
	if created {
		res.ShareURL = s.linkURL(token)
	}
	return res, nil
}

// RevokeRequest removes shares. An empty Grantee on a document removes
// every share of it; memory key revokes always name a grantee.
type RevokeRequest struct {
	CallerID   string
	Kind       Kind
	ContentID  string
	Scope      string
	KeyPattern string
	Grantee    string
}

func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (int, error) {
	if !req.Kind.Valid() {
		return 0, rpcerr.Validation("unknown share kind %q", req.Kind)
	}

	var keys []string
	if req.Grantee != "" {
		var err error
		if keys, err = s.granteeKeys(ctx, req.Grantee); err != nil {
			return 0, err
		}
	}

	if req.Kind == KindMemoryKey {
		if len(keys) == 0 {
			return 0, rpcerr.Validation("grantee is required to revoke a memory key share")
		}
		scope, pattern, err := keyTarget(req.Scope, req.KeyPattern)
		if err != nil {
			return 0, err
		}
		n, err := s.store.DeleteKeyShare(ctx, req.CallerID, scope, pattern, keys)
		if err != nil {
			return 0, fmt.Errorf("Revoke: %w", err)
		}
		return n, nil
	}

	doc, err := s.ownedDocument(ctx, req.CallerID, req.Kind, req.ContentID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DeleteContentShares(ctx, doc.ID, keys)
	if err != nil {
		return 0, fmt.Errorf("Revoke: %w", err)
	}
	return n, nil
}

// ListResult groups shares by kind.
type ListResult struct {
	Direction        Direction      `json:"direction"`
	Pages            []ContentShare `json:"pages"`
	MemoryDocuments  []ContentShare `json:"memory_documents"`
	LibraryDocuments []ContentShare `json:"library_documents"`
	MemoryKeys       []KeyShare     `json:"memory_keys"`
}

// List returns what the caller shared (outgoing) or was given (incoming).
// Incoming matches the caller's id or, for unregistered grantees, email.
func (s *Service) List(ctx context.Context, callerID, callerEmail string, dir Direction) (*ListResult, error) {
	if dir == "" {
		dir = Outgoing
	}
	var content []ContentShare
	var keys []KeyShare
	var err error
	switch dir {
	case Outgoing:
		if content, err = s.store.ContentSharesByOwner(ctx, callerID); err == nil {
			keys, err = s.store.KeySharesByOwner(ctx, callerID)
		}
	case Incoming:
		if content, err = s.store.ContentSharesFor(ctx, callerID, callerEmail); err == nil {
			keys, err = s.store.KeySharesFor(ctx, callerID, callerEmail)
		}
	default:
		return nil, rpcerr.Validation("invalid direction %q", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}

	out := &ListResult{
		Direction:        dir,
		Pages:            []ContentShare{},
		MemoryDocuments:  []ContentShare{},
		LibraryDocuments: []ContentShare{},
		MemoryKeys:       keys,
	}
	if out.MemoryKeys == nil {
		out.MemoryKeys = []KeyShare{}
	}
	for _, c := range content {
		switch c.Kind {
		case KindPage:
			out.Pages = append(out.Pages, c)
		case KindMemoryDocument:
			out.MemoryDocuments = append(out.MemoryDocuments, c)
		case KindLibraryDocument:
			out.LibraryDocuments = append(out.LibraryDocuments, c)
		}
	}
	return out, nil
}

// RegenerateLink issues a new link token, invalidating the previous one.
func (s *Service) RegenerateLink(ctx context.Context, callerID string, kind Kind, contentID string) (string, error) {
	if !kind.IsDocument() {
		return "", rpcerr.Validation("links exist only for documents")
	}
	doc, err := s.ownedDocument(ctx, callerID, kind, contentID)
	if err != nil {
		return "", err
	}
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("RegenerateLink: %w", err)
	}
	if err := s.store.ReplaceLink(ctx, kind, doc.ID, HashToken(token)); err != nil {
		return "", fmt.Errorf("RegenerateLink: %w", err)
	}
	return s.linkURL(token), nil
}

// SharedDocument is a document rendered for a link-based read.
type SharedDocument struct {
	ID        string
	Kind      Kind
	Title     string
	HTML      string
	UpdatedAt time.Time
}

// ReadByToken resolves a link token and renders the document.
func (s *Service) ReadByToken(ctx context.Context, token string) (*SharedDocument, error) {
	if token == "" {
		return nil, rpcerr.NotFound("link not found")
	}
	id, kind, err := s.store.LinkTarget(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("ReadByToken: %w", err)
	}
	if id == "" {
		return nil, rpcerr.NotFound("link not found")
	}
	doc, err := s.docs.Get(ctx, id)
	if errors.Is(err, documents.ErrNotFound) {
		return nil, rpcerr.NotFound("link not found")
	}
	if err != nil {
		return nil, fmt.Errorf("ReadByToken: %w", err)
	}
	html, err := documents.RenderHTML(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("ReadByToken: render: %w", err)
	}
	return &SharedDocument{ID: doc.ID, Kind: kind, Title: doc.Title, HTML: html, UpdatedAt: doc.UpdatedAt}, nil
}

// CanAccessKey reports whether the caller may read (or, with write, modify)
// key in ownerID's scope.
func (s *Service) CanAccessKey(ctx context.Context, ownerID, scope, key, callerID, callerEmail string, write bool) (bool, error) {
	if ownerID == callerID {
		return true, nil
	}
	shares, err := s.store.KeySharesFor(ctx, callerID, callerEmail)
	if err != nil {
		return false, fmt.Errorf("CanAccessKey: %w", err)
	}
	for _, ks := range shares {
		if ks.OwnerID != ownerID || ks.Scope != scope || !MatchKeyPattern(ks.KeyPattern, key) {
			continue
		}
		if !write || ks.Access == AccessReadWrite {
			return true, nil
		}
	}
	return false, nil
}

// SharedPatterns returns the key patterns of ownerID's scope readable by
// the caller.
func (s *Service) SharedPatterns(ctx context.Context, ownerID, scope, callerID, callerEmail string) ([]string, error) {
	shares, err := s.store.KeySharesFor(ctx, callerID, callerEmail)
	if err != nil {
		return nil, fmt.Errorf("SharedPatterns: %w", err)
	}
	var out []string
	for _, ks := range shares {
		if ks.OwnerID == ownerID && ks.Scope == scope {
			out = append(out, ks.KeyPattern)
		}
	}
	return out, nil
}

// CanAccessDocument reports whether the caller may read (or write) doc.
func (s *Service) CanAccessDocument(ctx context.Context, doc *documents.Document, callerID, callerEmail string, write bool) (bool, error) {
	if doc.OwnerID == callerID {
		return true, nil
	}
	if !write && (doc.Visibility == documents.VisibilityPublic || doc.Visibility == documents.VisibilityUnlisted) {
		return true, nil
	}
	shares, err := s.store.ContentSharesFor(ctx, callerID, callerEmail)
	if err != nil {
		return false, fmt.Errorf("CanAccessDocument: %w", err)
	}
	for _, cs := range shares {
		if cs.ContentID == doc.ID && (!write || cs.Access == AccessReadWrite) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) ownedDocument(ctx context.Context, callerID string, kind Kind, id string) (*documents.Document, error) {
	if id == "" {
		return nil, rpcerr.Validation("content_id is required for %s shares", kind)
	}
	doc, err := s.docs.Get(ctx, id)
	if errors.Is(err, documents.ErrNotFound) || (err == nil && string(doc.Kind) != string(kind)) {
		return nil, rpcerr.NotFound("%s %s not found", kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("document lookup: %w", err)
	}
	if doc.OwnerID != callerID {
		return nil, rpcerr.Forbidden("only the owner can share %s", id)
	}
	return doc, nil
}

// resolveGrantee returns the grantee's id and email. An unregistered email
// resolves to ("", email).
func (s *Service) resolveGrantee(ctx context.Context, ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", rpcerr.Validation("grantee is required")
	}
	u, err := s.identities.ResolveIdentity(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("resolve grantee: %w", err)
	}
	if u != nil {
		return u.ID, strings.ToLower(u.Email), nil
	}
	if strings.Contains(ref, "@") {
		return "", strings.ToLower(ref), nil
	}
	return "", "", rpcerr.NotFound("user %s not found", ref)
}

// granteeKeys lists the row keys a grantee may be stored under.
func (s *Service) granteeKeys(ctx context.Context, ref string) ([]string, error) {
	id, email, err := s.resolveGrantee(ctx, ref)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	if id != "" {
		keys = append(keys, granteeKey(id, ""))
	}
	if email != "" {
		keys = append(keys, granteeKey("", email))
	}
	return keys, nil
}

func keyTarget(scope, pattern string) (string, string, error) {
	if scope == "" {
		scope = memory.DefaultScope
	}
	if pattern == "" {
		return "", "", rpcerr.Validation("key_pattern is required for memory key shares")
	}
	if strings.Contains(strings.TrimSuffix(pattern, Wildcard), Wildcard) {
		return "", "", rpcerr.Validation("the wildcard %q may only end a key pattern", Wildcard)
	}
	return scope, pattern, nil
}

func (s *Service) linkURL(token string) string {
	return s.baseURL + "/s/" + token
}
