package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
)

// ResourceDirectory answers the grant model's resource lookups from the
// lifecycle store.
type ResourceDirectory struct {
	Store lifecycle.Store
}

func (d ResourceDirectory) ResourceInfo(ctx context.Context, resourceID string) (*grants.ResourceInfo, error) {
	r, err := d.Store.Get(ctx, resourceID)
	if err != nil || r == nil {
		return nil, err
	}
	return &grants.ResourceInfo{ID: r.ID, OwnerID: r.OwnerID, Capabilities: r.Exports}, nil
}

// BalanceGate checks the users table against a minimum balance.
type BalanceGate struct {
	db       *sql.DB
	minCents int
}

func NewBalanceGate(db *sql.DB, minCents int) *BalanceGate {
	return &BalanceGate{db: db, minCents: minCents}
}

func (g *BalanceGate) HasMinimumBalance(ctx context.Context, userID string) (bool, error) {
	if g.minCents <= 0 {
		return true, nil
	}
	var balance int
	err := g.db.QueryRowContext(ctx, `SELECT balance_cents FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("HasMinimumBalance: %w", err)
	}
	return balance >= g.minCents, nil
}

// ArtifactReloader republishes a version's README as the resource's
// library document when the live version moves.
type ArtifactReloader struct {
	Store     lifecycle.Store
	Blobs     blob.Store
	Documents documents.Store
}

func (a ArtifactReloader) Reload(ctx context.Context, resourceID, version string) error {
	r, err := a.Store.Get(ctx, resourceID)
	if err != nil || r == nil {
		return err
	}
	v, err := a.Store.GetVersion(ctx, resourceID, version)
	if err != nil || v == nil {
		return err
	}
	files, err := a.Blobs.GetBundle(ctx, blob.Hash(v.BundleHash))
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("Reload: %w", err)
	}
	for _, f := range files {
		if !strings.EqualFold(path.Base(f.Path), "readme.md") {
			continue
		}
		_, err := a.Documents.Put(ctx, &documents.Document{
			OwnerID:    r.OwnerID,
			Kind:       documents.KindLibraryDocument,
			Slug:       r.Slug + "-readme",
			Title:      r.Name + " " + v.Version,
			Content:    string(f.Content),
			Visibility: documents.VisibilityPrivate,
		})
		if err != nil {
			return fmt.Errorf("Reload: %w", err)
		}
		return nil
	}
	return nil
}

// LibrarySlug is the slug of each user's compiled library document.
const LibrarySlug = "library"

// Library compiles a user's resource index: everything they own plus
// everything granted to them.
type Library struct {
	Store     lifecycle.Store
	Discovery *discovery.Engine
	Documents documents.Store
}

// Rebuild stores the owner's compiled index as a library document.
func (l *Library) Rebuild(ctx context.Context, ownerID string) error {
	md, err := l.Render(ctx, ownerID)
	if err != nil {
		return err
	}
	_, err = l.Documents.Put(ctx, &documents.Document{
		OwnerID:    ownerID,
		Kind:       documents.KindLibraryDocument,
		Slug:       LibrarySlug,
		Title:      "Library",
		Content:    md,
		Visibility: documents.VisibilityPrivate,
	})
	if err != nil {
		return fmt.Errorf("Rebuild: %w", err)
	}
	return nil
}

type libraryItem struct {
	id, name, slug, description string
	exports, required           []string
	owned                       bool
}

// Render compiles the index as markdown.
func (l *Library) Render(ctx context.Context, userID string) (string, error) {
	owned, err := l.Store.ListOwned(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("Render: %w", err)
	}
	items := make(map[string]libraryItem, len(owned))
	for _, r := range owned {
		items[r.ID] = libraryItem{
			id: r.ID, name: r.Name, slug: r.Slug, description: r.Description,
			exports: r.Exports, required: r.RequiredSecrets, owned: true,
		}
	}
	if l.Discovery != nil {
		granted, err := l.Discovery.Library(ctx, userID, "", discovery.MaxLimit)
		if err != nil {
			return "", fmt.Errorf("Render: %w", err)
		}
		for _, c := range granted {
			if _, ok := items[c.ID]; ok {
				continue
			}
			items[c.ID] = libraryItem{
				id: c.ID, name: c.Name, slug: c.Slug, description: c.Description,
				exports: c.Exports, required: c.RequiredSecrets,
			}
		}
	}

	list := make([]libraryItem, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].owned != list[j].owned {
			return list[i].owned
		}
		return list[i].name < list[j].name
	})

	var b strings.Builder
	b.WriteString("# Library\n\n")
	if len(list) == 0 {
		b.WriteString("You have no resources yet. Publish one or ask an owner for a grant.\n")
		return b.String(), nil
	}
	for _, it := range list {
		fmt.Fprintf(&b, "## %s (`%s`)\n\n", it.name, it.slug)
		if it.owned {
			b.WriteString("Owned by you.\n\n")
		} else {
			b.WriteString("Shared with you.\n\n")
		}
		if it.description != "" {
			b.WriteString(it.description + "\n\n")
		}
		fmt.Fprintf(&b, "- id: `%s`\n", it.id)
		if len(it.exports) > 0 {
			fmt.Fprintf(&b, "- functions: %s\n", strings.Join(it.exports, ", "))
		}
		if len(it.required) > 0 {
			fmt.Fprintf(&b, "- required secrets: %s\n", strings.Join(it.required, ", "))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
