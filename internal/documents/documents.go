// Package documents stores pages, memory documents and library documents.
package documents

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Kind is a document kind.
type Kind string

const (
	KindPage            Kind = "page"
	KindMemoryDocument  Kind = "memory_document"
	KindLibraryDocument Kind = "library_document"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPage, KindMemoryDocument, KindLibraryDocument:
		return true
	}
	return false
}

// Visibility of a document. Shared is set by the first share grant.
type Visibility string

const (
	VisibilityPrivate  Visibility = "private"
	VisibilityShared   Visibility = "shared"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPublic   Visibility = "public"
)

// Document is one markdown document.
type Document struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Kind       Kind       `json:"kind"`
	Slug       string     `json:"slug"`
	Title      string     `json:"title"`
	Content    string     `json:"content,omitempty"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store persists documents.
type Store interface {
	// Put upserts by (owner, kind, slug) and returns the stored document.
	Put(ctx context.Context, d *Document) (*Document, error)
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*Document, error)
	ListOwned(ctx context.Context, ownerID string, kind Kind) ([]Document, error)
	SetVisibility(ctx context.Context, id string, vis Visibility) error
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

var (
	renderer     goldmark.Markdown
	rendererOnce sync.Once
)

func markdown() goldmark.Markdown {
	rendererOnce.Do(func() {
		renderer = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return renderer
}

// RenderHTML converts markdown to HTML. Raw HTML in the source is not
// passed through.
func RenderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
