package documents

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML("# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n<script>alert(1)</script>\n")
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	if !strings.Contains(out, "<h1>Title</h1>") {
		t.Errorf("missing heading: %s", out)
	}
	if !strings.Contains(out, "<table>") {
		t.Errorf("tables should render: %s", out)
	}
	if strings.Contains(out, "<script>") {
		t.Errorf("raw HTML passed through: %s", out)
	}
}

func TestMemoryStore_PutUpsertsBySlug(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: "notes", Title: "v1", Content: "a", Visibility: VisibilityPrivate})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: "notes", Title: "v2", Content: "b", Visibility: VisibilityPrivate})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("same slug got a new id: %s vs %s", first.ID, second.ID)
	}
	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "v2" || got.Content != "b" {
		t.Errorf("got %+v, want replaced content", got)
	}

	other, _ := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindMemoryDocument, Slug: "notes", Content: "c"})
	if other.ID == first.ID {
		t.Error("a different kind must not collide on slug")
	}
}

func TestMemoryStore_SharedSurvivesPrivateRepublish(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d, _ := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: "notes", Visibility: VisibilityPrivate})
	if err := s.SetVisibility(ctx, d.ID, VisibilityShared); err != nil {
		t.Fatalf("SetVisibility() error = %v", err)
	}
	again, _ := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: "notes", Visibility: VisibilityPrivate})
	if again.Visibility != VisibilityShared {
		t.Errorf("Visibility = %s, want shared kept", again.Visibility)
	}
	public, _ := s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: "notes", Visibility: VisibilityPublic})
	if public.Visibility != VisibilityPublic {
		t.Errorf("Visibility = %s, want public", public.Visibility)
	}
}

func TestMemoryStore_ListOwned(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, slug := range []string{"b", "a"} {
		_, _ = s.Put(ctx, &Document{OwnerID: "u1", Kind: KindPage, Slug: slug, Content: "body"})
	}
	_, _ = s.Put(ctx, &Document{OwnerID: "u1", Kind: KindLibraryDocument, Slug: "library"})
	_, _ = s.Put(ctx, &Document{OwnerID: "u2", Kind: KindPage, Slug: "c"})

	pages, err := s.ListOwned(ctx, "u1", KindPage)
	if err != nil {
		t.Fatalf("ListOwned() error = %v", err)
	}
	if len(pages) != 2 || pages[0].Slug != "a" || pages[1].Slug != "b" {
		t.Fatalf("pages = %+v", pages)
	}
	if pages[0].Content != "" {
		t.Error("listings should not carry content")
	}

	all, _ := s.ListOwned(ctx, "u1", "")
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := s.SetVisibility(context.Background(), "missing", VisibilityPublic); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetVisibility() error = %v, want ErrNotFound", err)
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindPage, KindMemoryDocument, KindLibraryDocument} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("wiki").Valid() {
		t.Error("wiki should not be valid")
	}
}
