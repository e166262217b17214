package platform

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/capability"
	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/memory"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/secrets"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

type stubSandbox struct {
	mu   sync.Mutex
	reqs []*SandboxRequest
}

func (s *stubSandbox) Run(_ context.Context, req *SandboxRequest) (*SandboxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return &SandboxResult{Result: json.RawMessage(`{"ok":true}`), DurationMs: 3}, nil
}

func (s *stubSandbox) last() *SandboxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil
	}
	return s.reqs[len(s.reqs)-1]
}

type fixture struct {
	p         *Platform
	users     *auth.MemoryUserStore
	grants    *grants.Service
	source    *discovery.MemorySource
	community *MemoryCommunityStore
	sandbox   *stubSandbox
	events    *storage.MemoryEvents
	docs      *documents.MemoryStore
	library   *Library

	alice, bob, carol *Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	inline := &sink.Inline{}

	users := auth.NewMemoryUserStore()
	for _, u := range [][2]string{{"alice", "alice@example.com"}, {"bob", "bob@example.com"}} {
		_, _, err := users.EnsureUser(ctx, u[0], u[1])
		require.NoError(t, err)
	}

	sealer, err := secrets.NewEphemeralSealer()
	require.NoError(t, err)
	secretSvc := secrets.NewService(secrets.NewMemoryStore(), sealer, nil)

	source := discovery.NewMemorySource()
	events := storage.NewMemoryEvents(100)
	engine := discovery.NewEngine(discovery.Config{
		Source:      source,
		Connections: secretSvc,
		Events:      events,
		Sink:        inline,
		Seed:        7,
	})

	resources := lifecycle.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	docs := documents.NewMemoryStore()
	library := &Library{Store: resources, Discovery: engine, Documents: docs}
	life := lifecycle.NewService(lifecycle.Config{
		Store:     resources,
		Index:     source,
		Artifacts: ArtifactReloader{Store: resources, Blobs: blobs, Documents: docs},
		Library:   library,
		Sink:      inline,
	})
	grantSvc := grants.NewService(grants.Config{
		Store:      grants.NewMemoryStore(),
		Resources:  ResourceDirectory{Store: resources},
		Identities: users,
	})
	shareSvc := sharing.NewService(sharing.Config{
		Store:      sharing.NewMemoryStore(),
		Documents:  docs,
		Identities: users,
		BaseURL:    "https://ultralight.test/",
	})

	community := NewMemoryCommunityStore(source)
	sandbox := &stubSandbox{}
	p, err := New(Config{
		Registry:   capability.MustLoad(),
		Lifecycle:  life,
		Grants:     grantSvc,
		Discovery:  engine,
		Sharing:    shareSvc,
		Documents:  docs,
		Memory:     memory.NewMemoryStore(),
		Secrets:    secretSvc,
		Blobs:      blobs,
		Community:  community,
		Identities: users,
		Sandbox:    sandbox,
		CallLogs:   events,
		Sink:       inline,
	})
	require.NoError(t, err)

	return &fixture{
		p:         p,
		users:     users,
		grants:    grantSvc,
		source:    source,
		community: community,
		sandbox:   sandbox,
		events:    events,
		docs:      docs,
		library:   library,
		alice:     &Caller{UserID: "alice", Email: "alice@example.com", Tier: "free"},
		bob:       &Caller{UserID: "bob", Email: "bob@example.com", Tier: "free"},
		carol:     &Caller{UserID: "carol", Email: "carol@example.com", Tier: "free"},
	}
}

func (f *fixture) invoke(t *testing.T, caller *Caller, name string, args map[string]any) any {
	t.Helper()
	res, err := f.p.Invoke(context.Background(), caller, name, args)
	require.NoError(t, err, name)
	return res
}

func requireCode(t *testing.T, err error, code int) *rpcerr.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := rpcerr.As(err)
	require.True(t, ok, "expected an rpc error, got %v", err)
	assert.Equal(t, code, e.Code, e.Message)
	return e
}

const weatherSource = `export async function forecast(city) { return { city } }
export const history = (city) => []
function helper() {}
`

func weatherFiles(extra ...map[string]any) []any {
	files := []any{map[string]any{"path": "index.ts", "content": weatherSource}}
	for _, f := range extra {
		files = append(files, f)
	}
	return files
}

// publishWeather creates alice's resource and returns its id.
func (f *fixture) publishWeather(t *testing.T, visibility string, extra ...map[string]any) string {
	t.Helper()
	res := f.invoke(t, f.alice, "publish", map[string]any{
		"name":       "Weather",
		"slug":       "weather",
		"visibility": visibility,
		"files":      weatherFiles(extra...),
	})
	return res.(*publishResult).ResourceID
}

func TestNew_CoversCatalog(t *testing.T) {
	f := newFixture(t)
	assert.Len(t, f.p.handlers, len(capability.MustLoad().Names()))

	_, err := f.p.Invoke(context.Background(), f.alice, "no_such_op", nil)
	requireCode(t, err, rpcerr.CodeNotFound)
}

func TestPublish_CreateThenAppend(t *testing.T) {
	f := newFixture(t)

	first := f.invoke(t, f.alice, "publish", map[string]any{
		"name":  "Weather",
		"files": weatherFiles(),
	}).(*publishResult)
	assert.True(t, first.Created)
	assert.True(t, first.IsLive)
	assert.Equal(t, "weather", first.Slug)
	assert.Equal(t, lifecycle.InitialVersion, first.Version)
	assert.Equal(t, []string{"forecast", "history"}, first.Exports)
	assert.NotEmpty(t, first.BundleHash)

	second := f.invoke(t, f.alice, "publish", map[string]any{
		"resource_id": first.ResourceID,
		"files":       weatherFiles(map[string]any{"path": "README.md", "content": "# Weather\n"}),
	}).(*publishResult)
	assert.False(t, second.Created)
	assert.False(t, second.IsLive)
	assert.Equal(t, "1.0.1", second.Version)
	assert.Equal(t, lifecycle.InitialVersion, second.LiveVersion)
	assert.NotEqual(t, first.BundleHash, second.BundleHash)

	live := f.invoke(t, f.alice, "set_live_version", map[string]any{
		"resource_id": first.ResourceID,
		"version":     "1.0.1",
	}).(map[string]any)
	assert.Equal(t, "1.0.1", live["live_version"])

	// Moving the live pointer republishes the README.
	ctx := context.Background()
	docs, err := f.docs.ListOwned(ctx, "alice", documents.KindLibraryDocument)
	require.NoError(t, err)
	slugs := map[string]string{}
	for _, d := range docs {
		full, err := f.docs.Get(ctx, d.ID)
		require.NoError(t, err)
		slugs[d.Slug] = full.Content
	}
	assert.Equal(t, "# Weather\n", slugs["weather-readme"])
	assert.Contains(t, slugs[LibrarySlug], "Weather (`weather`)")
}

func TestPublish_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.Invoke(ctx, f.alice, "publish", map[string]any{
		"name":  "Docs only",
		"files": []any{map[string]any{"path": "README.md", "content": "nothing to run"}},
	})
	requireCode(t, err, rpcerr.CodeBuildFailed)

	_, err = f.p.Invoke(ctx, f.alice, "publish", map[string]any{
		"name":  "Escape",
		"files": []any{map[string]any{"path": "../index.ts", "content": weatherSource}},
	})
	requireCode(t, err, rpcerr.CodeValidationError)

	id := f.publishWeather(t, "private")
	_, err = f.p.Invoke(ctx, f.bob, "publish", map[string]any{"resource_id": id, "files": weatherFiles()})
	requireCode(t, err, rpcerr.CodeForbidden)
}

func TestFetchSource_DownloadPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.publishWeather(t, "public")

	res := f.invoke(t, f.alice, "fetch_source", map[string]any{"resource_id": id}).(map[string]any)
	files := res["files"].([]fileOut)
	require.Len(t, files, 1)
	assert.Equal(t, weatherSource, files[0].Content)
	assert.Equal(t, "utf8", files[0].Encoding)

	_, err := f.p.Invoke(ctx, f.bob, "fetch_source", map[string]any{"resource_id": id})
	requireCode(t, err, rpcerr.CodeForbidden)

	f.invoke(t, f.alice, "set_download_policy", map[string]any{"resource_id": id, "policy": "public"})
	res = f.invoke(t, f.bob, "fetch_source", map[string]any{"resource_id": id}).(map[string]any)
	assert.Equal(t, lifecycle.InitialVersion, res["version"])

	_, err = f.p.Invoke(ctx, f.bob, "fetch_source", map[string]any{"resource_id": id, "version": "9.9.9"})
	requireCode(t, err, rpcerr.CodeNotFound)
}

func TestGrantFlow_PendingConvertsOnRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.publishWeather(t, "private")

	granted := f.invoke(t, f.alice, "grant_permissions", map[string]any{
		"resource_id":  id,
		"grantee":      "carol@example.com",
		"capabilities": []any{"forecast"},
	}).(*grants.GrantResult)
	assert.True(t, granted.Pending)

	// carol cannot see the resource before registering.
	_, err := f.p.Invoke(ctx, f.carol, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	requireCode(t, err, rpcerr.CodeNotFound)

	_, _, err = f.users.EnsureUser(ctx, "carol", "carol@example.com")
	require.NoError(t, err)
	n, err := f.grants.ConvertPending(ctx, "carol@example.com", "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list := f.invoke(t, f.alice, "list_permissions", map[string]any{"resource_id": id}).(map[string]any)
	entries := list["grantees"].([]grants.ListEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].GranteeID)
	assert.False(t, entries[0].Pending)

	out := f.invoke(t, f.carol, "sandbox_test", map[string]any{
		"resource_id": id,
		"function":    "forecast",
		"args":        map[string]any{"city": "Oslo"},
	}).(*SandboxResult)
	assert.JSONEq(t, `{"ok":true}`, string(out.Result))
	assert.Equal(t, "carol", f.sandbox.last().CallerID)
	assert.Equal(t, weatherSource, string(f.sandbox.last().Files[0].Content))
	assert.Equal(t, 1, f.community.Calls(id))

	_, err = f.p.Invoke(ctx, f.carol, "sandbox_test", map[string]any{"resource_id": id, "function": "history"})
	requireCode(t, err, rpcerr.CodeForbidden)

	_, err = f.p.Invoke(ctx, f.bob, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	requireCode(t, err, rpcerr.CodeNotFound)

	export := f.invoke(t, f.alice, "export_permissions", map[string]any{"resource_id": id}).(map[string]any)
	assert.Equal(t, 1, export["count"])
}

func TestSandboxTest_RequiresSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manifest := map[string]any{
		"path":    "manifest.json",
		"content": `{"functions":["forecast"],"secrets":{"required":["API_KEY"],"optional":["REGION"]}}`,
	}
	id := f.publishWeather(t, "private", manifest)

	_, err := f.p.Invoke(ctx, f.alice, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	e := requireCode(t, err, rpcerr.CodeValidationError)
	assert.Equal(t, map[string]any{"missing_secrets": []string{"API_KEY"}}, e.Data)

	_, err = f.p.Invoke(ctx, f.alice, "connect_secrets", map[string]any{
		"resource_id": id,
		"secrets":     map[string]any{"TOKEN": "x"},
	})
	requireCode(t, err, rpcerr.CodeValidationError)

	_, err = f.p.Invoke(ctx, f.alice, "connect_secrets", map[string]any{
		"resource_id": id,
		"secrets":     map[string]any{"API_KEY": ""},
	})
	requireCode(t, err, rpcerr.CodeValidationError)

	connected := f.invoke(t, f.alice, "connect_secrets", map[string]any{
		"resource_id": id,
		"secrets":     map[string]any{"API_KEY": "k-123", "REGION": "eu"},
	}).(map[string]any)
	assert.Equal(t, []string{}, connected["missing_required"])

	f.invoke(t, f.alice, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	assert.Equal(t, map[string]string{"API_KEY": "k-123", "REGION": "eu"}, f.sandbox.last().Secrets)

	_, err = f.p.Invoke(ctx, f.alice, "sandbox_test", map[string]any{"resource_id": id, "function": "history"})
	requireCode(t, err, rpcerr.CodeNotFound)

	view := f.invoke(t, f.alice, "view_connections", map[string]any{"resource_id": id}).(*connectionView)
	require.Len(t, view.Connected, 2)
	assert.Empty(t, view.Missing)

	removed := f.invoke(t, f.alice, "connect_secrets", map[string]any{
		"resource_id": id,
		"secrets":     map[string]any{"API_KEY": nil},
	}).(map[string]any)
	assert.Equal(t, []string{"API_KEY"}, removed["missing_required"])
}

func TestSandboxTest_RejectedCallKeepsBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manifest := map[string]any{
		"path":    "manifest.json",
		"content": `{"functions":["forecast"],"secrets":{"required":["API_KEY"]}}`,
	}
	id := f.publishWeather(t, "private", manifest)
	f.invoke(t, f.alice, "grant_permissions", map[string]any{
		"resource_id":  id,
		"grantee":      "bob",
		"capabilities": []any{"forecast"},
		"constraints":  map[string]any{"budget": map[string]any{"limit": 1, "period": "day"}},
	})

	for range 2 {
		_, err := f.p.Invoke(ctx, f.bob, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
		requireCode(t, err, rpcerr.CodeValidationError)
	}

	f.invoke(t, f.bob, "connect_secrets", map[string]any{
		"resource_id": id,
		"secrets":     map[string]any{"API_KEY": "bob-key"},
	})
	f.invoke(t, f.bob, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	assert.Equal(t, "bob", f.sandbox.last().CallerID)

	_, err := f.p.Invoke(ctx, f.bob, "sandbox_test", map[string]any{"resource_id": id, "function": "forecast"})
	requireCode(t, err, rpcerr.CodeQuotaExceeded)
}

func TestSettings_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.publishWeather(t, "public")

	_, err := f.p.Invoke(ctx, f.bob, "set_visibility", map[string]any{"resource_id": id, "visibility": "private"})
	requireCode(t, err, rpcerr.CodeForbidden)

	f.invoke(t, f.alice, "set_rate_limit", map[string]any{"resource_id": id, "calls_per_minute": 10})
	f.invoke(t, f.alice, "set_pricing", map[string]any{"resource_id": id, "price_cents": 2})
	f.invoke(t, f.alice, "set_external_service", map[string]any{"resource_id": id, "url": "https://api.example.com"})

	inspect := f.invoke(t, f.bob, "discover_inspect", map[string]any{"resource_id": id}).(*inspectResult)
	assert.Equal(t, "public", inspect.Access)
	assert.Empty(t, inspect.Versions)
	require.NotNil(t, inspect.RateLimit)
	assert.Equal(t, 10, inspect.RateLimit.CallsPerMinute)
	require.NotNil(t, inspect.Pricing)
	assert.Equal(t, 2, inspect.Pricing.PriceCents)

	f.invoke(t, f.alice, "set_visibility", map[string]any{"resource_id": id, "visibility": "private"})
	_, err = f.p.Invoke(ctx, f.bob, "discover_inspect", map[string]any{"resource_id": id})
	requireCode(t, err, rpcerr.CodeNotFound)

	own := f.invoke(t, f.alice, "discover_inspect", map[string]any{"resource_id": id}).(*inspectResult)
	assert.Equal(t, "owner", own.Access)
	assert.Equal(t, []string{lifecycle.InitialVersion}, own.Versions)
}

func TestRateItem_DislikeHides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.publishWeather(t, "public")

	res := f.invoke(t, f.bob, "rate_item", map[string]any{"item_id": id, "rating": "dislike"}).(map[string]any)
	assert.Equal(t, true, res["hidden"])
	assert.True(t, f.community.IsHidden("bob", id))
	assert.Equal(t, -1, f.community.Rating("bob", id))

	hidden, err := f.source.Hidden(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, hidden[id])

	f.invoke(t, f.bob, "rate_item", map[string]any{"item_id": id, "rating": "like"})
	assert.False(t, f.community.IsHidden("bob", id))
	assert.Equal(t, 1, f.community.Rating("bob", id))

	_, err = f.p.Invoke(ctx, f.alice, "rate_item", map[string]any{"item_id": id, "rating": "like"})
	requireCode(t, err, rpcerr.CodeValidationError)
}

func TestDiscover_LibraryAndAppstore(t *testing.T) {
	f := newFixture(t)
	id := f.publishWeather(t, "public")

	lib := f.invoke(t, f.alice, "discover_library", map[string]any{}).(map[string]any)
	assert.NotNil(t, lib["results"])

	store := f.invoke(t, f.bob, "discover_appstore", map[string]any{"limit": 5}).(*discovery.Response)
	var ids []string
	for _, c := range store.Results {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, id)
}

func TestMemory_SharedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.invoke(t, f.alice, "memory_write", map[string]any{"key": "notes/a", "value": "hello"})
	f.invoke(t, f.alice, "memory_write", map[string]any{"key": "private/x", "value": 42})

	own := f.invoke(t, f.alice, "memory_read", map[string]any{"key": "notes/a"}).(map[string]any)
	assert.Equal(t, true, own["found"])

	_, err := f.p.Invoke(ctx, f.bob, "memory_read", map[string]any{"key": "notes/a", "owner": "alice@example.com"})
	requireCode(t, err, rpcerr.CodeForbidden)

	f.invoke(t, f.alice, "share", map[string]any{
		"action":      "grant",
		"kind":        "memory_key",
		"key_pattern": "notes/*",
		"grantee":     "bob@example.com",
	})

	read := f.invoke(t, f.bob, "memory_read", map[string]any{"key": "notes/a", "owner": "alice"}).(map[string]any)
	assert.Equal(t, true, read["found"])
	assert.JSONEq(t, `"hello"`, string(read["value"].(json.RawMessage)))

	_, err = f.p.Invoke(ctx, f.bob, "memory_write", map[string]any{"key": "notes/a", "value": "mine", "owner": "alice"})
	requireCode(t, err, rpcerr.CodeForbidden)

	q := f.invoke(t, f.bob, "memory_query", map[string]any{"owner": "alice"}).(map[string]any)
	entries := q["entries"].([]memory.Entry)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes/a", entries[0].Key)

	gone := f.invoke(t, f.alice, "memory_forget", map[string]any{"key": "private/x"}).(map[string]any)
	assert.Equal(t, true, gone["deleted"])
}

func TestPages_PublishShareList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.invoke(t, f.alice, "page_publish", map[string]any{
		"slug":    "plan",
		"title":   "Plan",
		"content": "# Plan\n\nShip it.",
	}).(*documents.Document)
	assert.Empty(t, doc.Content)
	assert.Equal(t, documents.VisibilityPrivate, doc.Visibility)

	pages := f.invoke(t, f.alice, "page_list", map[string]any{"kind": "page"}).(map[string]any)
	assert.Len(t, pages["documents"], 1)

	_, err := f.p.Invoke(ctx, f.alice, "share", map[string]any{"action": "grant", "kind": "page", "content_id": doc.ID})
	requireCode(t, err, rpcerr.CodeValidationError)

	shared := f.invoke(t, f.alice, "share", map[string]any{
		"action":     "grant",
		"kind":       "page",
		"content_id": doc.ID,
		"grantee":    "bob",
	}).(*sharing.GrantResult)
	assert.True(t, strings.HasPrefix(shared.ShareURL, "https://ultralight.test/s/"), shared.ShareURL)

	incoming := f.invoke(t, f.bob, "share", map[string]any{"action": "list", "direction": "incoming"}).(*sharing.ListResult)
	require.Len(t, incoming.Pages, 1)
	assert.Equal(t, doc.ID, incoming.Pages[0].ContentID)

	_, err = f.p.Invoke(ctx, f.alice, "share", map[string]any{"action": "explode"})
	requireCode(t, err, rpcerr.CodeValidationError)
}

func TestReportShortcoming_GroupsIntoGaps(t *testing.T) {
	f := newFixture(t)

	for _, summary := range []string{"cannot export pdf", "pdf export missing"} {
		res := f.invoke(t, f.bob, "report_shortcoming", map[string]any{
			"summary":    summary,
			"capability": "pdf_export",
		}).(map[string]any)
		assert.Equal(t, true, res["received"])
	}
	assert.Len(t, f.community.Shortcomings(), 2)

	out := f.invoke(t, f.alice, "browse_gaps", map[string]any{}).(map[string]any)
	gaps := out["gaps"].([]Gap)
	require.Len(t, gaps, 1)
	assert.Equal(t, 2, gaps[0].ReportCount)
	assert.Equal(t, "cannot export pdf", gaps[0].Title)
}

func TestViewCallLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.publishWeather(t, "public")

	now := time.Now()
	f.events.Write(&storage.AuditEvent{RequestID: "r1", Timestamp: now, UserID: "bob", Method: "capabilities/invoke", Capability: "sandbox_test", ResourceID: id, Success: true})
	f.events.Write(&storage.AuditEvent{RequestID: "r2", Timestamp: now, UserID: "alice", Method: "capabilities/invoke", Capability: "publish", Success: true})
	f.events.Write(&storage.AuditEvent{RequestID: "r3", Timestamp: now, UserID: "bob", Method: "capabilities/list", Success: true})

	mine := f.invoke(t, f.bob, "view_call_logs", map[string]any{}).(map[string]any)
	calls := mine["calls"].([]storage.CallLog)
	require.Len(t, calls, 1)
	assert.Equal(t, "r1", calls[0].RequestID)

	_, err := f.p.Invoke(ctx, f.bob, "view_call_logs", map[string]any{"resource_id": id})
	requireCode(t, err, rpcerr.CodeForbidden)

	owner := f.invoke(t, f.alice, "view_call_logs", map[string]any{"resource_id": id}).(map[string]any)
	assert.Len(t, owner["calls"], 1)
}

func TestLibraryRender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.library.Render(ctx, "bob")
	require.NoError(t, err)
	assert.Contains(t, empty, "no resources yet")

	f.publishWeather(t, "private")
	md, err := f.library.Render(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, md, "Owned by you.")
	assert.Contains(t, md, "- functions: forecast, history")
}

func TestSourceScanner(t *testing.T) {
	info, err := SourceScanner{}.Build(context.Background(), []blob.File{
		{Path: "src/a.js", Content: []byte("export function one() {}\nexport const two = async () => 2\n")},
		{Path: "src/b.mjs", Content: []byte("export async function one() {}\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, info.Exports)

	_, err = SourceScanner{}.Build(context.Background(), []blob.File{
		{Path: "manifest.json", Content: []byte("{")},
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "manifest.json", be.Path)
}
