package sharing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

type stubIdentities map[string]*auth.User

func (s stubIdentities) ResolveIdentity(_ context.Context, ref string) (*auth.User, error) {
	for _, u := range s {
		if u.ID == ref || strings.EqualFold(u.Email, ref) {
			return u, nil
		}
	}
	return nil, nil
}

var testUsers = stubIdentities{
	"owner": {ID: "u_owner", Email: "owner@example.com"},
	"bob":   {ID: "u_bob", Email: "bob@example.com"},
}

type fixture struct {
	svc  *Service
	docs *documents.MemoryStore
	doc  *documents.Document
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := documents.NewMemoryStore()
	doc, err := docs.Put(context.Background(), &documents.Document{
		OwnerID:    "u_owner",
		Kind:       documents.KindPage,
		Slug:       "notes",
		Title:      "Notes",
		Content:    "# Hello\n\nShared *notes*.",
		Visibility: documents.VisibilityPrivate,
	})
	require.NoError(t, err)
	svc := NewService(Config{
		Store:      NewMemoryStore(),
		Documents:  docs,
		Identities: testUsers,
		BaseURL:    "https://ultralight.example/",
	})
	return &fixture{svc: svc, docs: docs, doc: doc}
}

func codeOf(t *testing.T, err error) int {
	t.Helper()
	e, ok := rpcerr.As(err)
	require.True(t, ok, "expected rpc error, got %v", err)
	return e.Code
}

func TestMatchKeyPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"notes_*", "notes_42", true},
		{"notes_*", "note_42", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"*", "anything", true},
		{"notes_*", "notes_", true},
		{"a*b", "a*b", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchKeyPattern(tt.pattern, tt.key), "%q vs %q", tt.pattern, tt.key)
	}
}

func TestGrantDocument_ProvisionsLinkAndVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u_bob", res.GranteeID)
	assert.False(t, res.Pending)
	assert.Equal(t, AccessRead, res.Access)
	require.True(t, strings.HasPrefix(res.ShareURL, "https://ultralight.example/s/"), res.ShareURL)

	doc, _ := f.docs.Get(ctx, f.doc.ID)
	assert.Equal(t, documents.VisibilityShared, doc.Visibility)

	// The link is only minted once.
	again, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "u_bob", Access: AccessReadWrite})
	require.NoError(t, err)
	assert.Empty(t, again.ShareURL)

	out, err := f.svc.List(ctx, "u_owner", "owner@example.com", Outgoing)
	require.NoError(t, err)
	require.Len(t, out.Pages, 1, "re-granting updates the existing share")
	assert.Equal(t, AccessReadWrite, out.Pages[0].Access)
}

func TestGrantDocument_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  GrantRequest
		code int
	}{
		{"not owner", GrantRequest{CallerID: "u_bob", Kind: KindPage, ContentID: f.doc.ID, Grantee: "owner@example.com"}, rpcerr.CodeForbidden},
		{"wrong kind", GrantRequest{CallerID: "u_owner", Kind: KindMemoryDocument, ContentID: f.doc.ID, Grantee: "u_bob"}, rpcerr.CodeNotFound},
		{"self", GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "owner@example.com"}, rpcerr.CodeValidationError},
		{"unknown non-email", GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "u_ghost"}, rpcerr.CodeNotFound},
		{"bad access", GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "u_bob", Access: "admin"}, rpcerr.CodeValidationError},
		{"bad kind", GrantRequest{CallerID: "u_owner", Kind: "video", Grantee: "u_bob"}, rpcerr.CodeValidationError},
		{"missing content", GrantRequest{CallerID: "u_owner", Kind: KindPage, Grantee: "u_bob"}, rpcerr.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Grant(ctx, tt.req)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}
}

func TestPendingEmailShare_IncomingByEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "New@Example.com"})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, "new@example.com", res.GranteeEmail)

	// After registering, the new user sees it through their email.
	in, err := f.svc.List(ctx, "u_new", "new@example.com", Incoming)
	require.NoError(t, err)
	require.Len(t, in.Pages, 1)
	assert.Equal(t, f.doc.ID, in.Pages[0].ContentID)

	doc, _ := f.docs.Get(ctx, f.doc.ID)
	ok, err := f.svc.CanAccessDocument(ctx, doc, "u_new", "new@example.com", false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.svc.CanAccessDocument(ctx, doc, "u_new", "new@example.com", true)
	assert.False(t, ok, "read shares do not allow writes")

	n, err := f.svc.Revoke(ctx, RevokeRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKeyShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "notes_*", Grantee: "u_bob"})
	require.NoError(t, err)
	_, err = f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "todo", Grantee: "u_bob", Access: AccessReadWrite})
	require.NoError(t, err)

	check := func(key string, write bool) bool {
		ok, err := f.svc.CanAccessKey(ctx, "u_owner", "user", key, "u_bob", "bob@example.com", write)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, check("notes_42", false))
	assert.False(t, check("notes_42", true))
	assert.False(t, check("note_42", false))
	assert.True(t, check("todo", true))
	assert.False(t, check("todos", false))

	ok, _ := f.svc.CanAccessKey(ctx, "u_owner", "work", "notes_1", "u_bob", "", false)
	assert.False(t, ok, "shares are per scope")

	in, err := f.svc.List(ctx, "u_bob", "bob@example.com", Incoming)
	require.NoError(t, err)
	assert.Len(t, in.MemoryKeys, 2)

	// Revoke only removes the exact tuple.
	n, err := f.svc.Revoke(ctx, RevokeRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "notes_", Grantee: "u_bob"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.svc.Revoke(ctx, RevokeRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "notes_*", Grantee: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, check("notes_42", false))
	assert.True(t, check("todo", false))

	_, err = f.svc.Revoke(ctx, RevokeRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "todo"})
	assert.Equal(t, rpcerr.CodeValidationError, codeOf(t, err))

	_, err = f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindMemoryKey, KeyPattern: "a*b*", Grantee: "u_bob"})
	assert.Equal(t, rpcerr.CodeValidationError, codeOf(t, err))
}

func TestLinks_ReadAndRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: "u_bob"})
	require.NoError(t, err)
	token := res.ShareURL[strings.LastIndex(res.ShareURL, "/")+1:]

	doc, err := f.svc.ReadByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "Notes", doc.Title)
	assert.Contains(t, doc.HTML, "<h1>Hello</h1>")
	assert.Contains(t, doc.HTML, "<em>notes</em>")

	url, err := f.svc.RegenerateLink(ctx, "u_owner", KindPage, f.doc.ID)
	require.NoError(t, err)
	fresh := url[strings.LastIndex(url, "/")+1:]
	assert.NotEqual(t, token, fresh)

	_, err = f.svc.ReadByToken(ctx, token)
	assert.Equal(t, rpcerr.CodeNotFound, codeOf(t, err), "old links stop working")
	_, err = f.svc.ReadByToken(ctx, fresh)
	assert.NoError(t, err)

	_, err = f.svc.RegenerateLink(ctx, "u_bob", KindPage, f.doc.ID)
	assert.Equal(t, rpcerr.CodeForbidden, codeOf(t, err))
	_, err = f.svc.RegenerateLink(ctx, "u_owner", KindMemoryKey, "")
	assert.Equal(t, rpcerr.CodeValidationError, codeOf(t, err))
}

func TestRevokeAllSharesOfDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, g := range []string{"u_bob", "x@example.com", "y@example.com"} {
		_, err := f.svc.Grant(ctx, GrantRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID, Grantee: g})
		require.NoError(t, err)
	}
	n, err := f.svc.Revoke(ctx, RevokeRequest{CallerID: "u_owner", Kind: KindPage, ContentID: f.doc.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err := f.svc.List(ctx, "u_owner", "", Outgoing)
	require.NoError(t, err)
	assert.Empty(t, out.Pages)
	assert.NotNil(t, out.MemoryKeys)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
