package discovery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

type recordingEvents struct {
	mu       sync.Mutex
	rankings []*storage.RankingEvent
}

func (r *recordingEvents) Write(*storage.AuditEvent) {}
func (r *recordingEvents) WriteRanking(e *storage.RankingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rankings = append(r.rankings, e)
}
func (r *recordingEvents) Close() {}

type spySource struct {
	*MemorySource
	resourceLimits []int
	popularLimits  []int
}

func (s *spySource) SearchResources(ctx context.Context, q Query) ([]Candidate, error) {
	s.resourceLimits = append(s.resourceLimits, q.Limit)
	return s.MemorySource.SearchResources(ctx, q)
}

func (s *spySource) Popular(ctx context.Context, limit int) ([]Candidate, error) {
	s.popularLimits = append(s.popularLimits, limit)
	return s.MemorySource.Popular(ctx, limit)
}

type stubConnections struct {
	keys map[string][]string
	err  error
}

func (c *stubConnections) ConnectedKeys(context.Context, string, []string) (map[string][]string, error) {
	return c.keys, c.err
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}

func TestNativeBoost(t *testing.T) {
	tests := []struct {
		name      string
		required  []string
		optional  []string
		connected map[string]bool
		want      float64
	}{
		{"no secrets", nil, nil, nil, 1.0},
		{"optional only", nil, []string{"TOKEN"}, nil, 0.3},
		{"required all connected", []string{"A", "B"}, nil, map[string]bool{"A": true, "B": true}, 0.8},
		{"required one missing", []string{"A", "B"}, []string{"C"}, map[string]bool{"A": true, "C": true}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NativeBoost(tt.required, tt.optional, tt.connected))
		})
	}
}

func TestCommunitySignalAndFinalScore(t *testing.T) {
	assert.Equal(t, 0.0, CommunitySignal(0, 0))
	assert.InDelta(t, 0.75, CommunitySignal(3, 0), 1e-9)
	assert.InDelta(t, 0.5, CommunitySignal(2, 1), 1e-9)

	assert.InDelta(t, 0.7+0.15+0.15, FinalScore(1, 1, 1), 1e-9)
	assert.InDelta(t, 0.5*0.7+0.5*0.15, FinalScore(0.5, PageNativeBoost, 0), 1e-9)
}

func sortedCandidates(scores ...float64) []Candidate {
	cs := make([]Candidate, len(scores))
	for i, s := range scores {
		cs[i] = Candidate{ID: string(rune('a' + i)), Score: s, BaseScore: s}
	}
	SortByScore(cs)
	return cs
}

func TestLuckShuffle_RankingBound(t *testing.T) {
	for seed := uint64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		cs := sortedCandidates(0.95, 0.90, 0.89, 0.70, 0.69, 0.50, 0.40, 0.30)
		LuckShuffle(cs, rng)

		require.Equal(t, "a", cs[0].ID, "seed %d: leader must not change", seed)
		for _, c := range cs[:ExplorationWindow] {
			assert.LessOrEqual(t, c.Score, 0.95, "seed %d: %s exceeded the leader", seed, c.ID)
			assert.GreaterOrEqual(t, c.Score, c.BaseScore)
			assert.Less(t, c.Score-c.BaseScore, (0.95-c.BaseScore)*0.5+1e-12)
		}
		// Nothing outside the window moves or changes score.
		assert.Equal(t, []string{"f", "g", "h"}, []string{cs[5].ID, cs[6].ID, cs[7].ID})
		for _, c := range cs[ExplorationWindow:] {
			assert.Equal(t, c.BaseScore, c.Score)
		}
	}
}

func TestLuckShuffle_TwoCandidates(t *testing.T) {
	for seed := uint64(1); seed <= 500; seed++ {
		rng := rand.New(rand.NewPCG(seed, 7))
		cs := sortedCandidates(0.90, 0.40)
		LuckShuffle(cs, rng)

		require.Equal(t, "a", cs[0].ID)
		assert.Equal(t, 0.90, cs[0].Score)
		assert.GreaterOrEqual(t, cs[1].Score, 0.40)
		assert.Less(t, cs[1].Score, 0.65)
		assert.LessOrEqual(t, cs[1].Score, 0.90)
	}
}

func TestLuckShuffle_Reproducible(t *testing.T) {
	a := sortedCandidates(0.9, 0.8, 0.79, 0.78, 0.77, 0.1)
	b := sortedCandidates(0.9, 0.8, 0.79, 0.78, 0.77, 0.1)
	LuckShuffle(a, rand.New(rand.NewPCG(42, 42)))
	LuckShuffle(b, rand.New(rand.NewPCG(42, 42)))
	assert.Equal(t, a, b)
}

func TestLuckShuffle_Short(t *testing.T) {
	one := sortedCandidates(0.5)
	LuckShuffle(one, rand.New(rand.NewPCG(1, 1)))
	assert.Equal(t, 0.5, one[0].Score)
	LuckShuffle(nil, rand.New(rand.NewPCG(1, 1)))
}

func seedSource() *MemorySource {
	src := NewMemorySource()
	src.Put(Candidate{ID: "r-weather", Kind: KindResource, Name: "weather forecast", Description: "daily forecast"}, true)
	src.Put(Candidate{ID: "r-stocks", Kind: KindResource, Name: "stock quotes", Description: "market forecast",
		RequiredSecrets: []string{"MARKET_KEY"}}, true)
	src.Put(Candidate{ID: "r-private", Kind: KindResource, Name: "forecast private"}, false)
	src.Put(Candidate{ID: "p-guide", Kind: KindPage, Name: "forecast guide"}, true)
	src.SetRatings("r-weather", 9, 0)
	return src
}

func TestSearch_QueryMode(t *testing.T) {
	events := &recordingEvents{}
	spy := &spySource{MemorySource: seedSource()}
	e := NewEngine(Config{
		Source:      spy,
		Connections: &stubConnections{keys: map[string][]string{}},
		Events:      events,
		Sink:        &sink.Inline{},
		Seed:        1,
	})

	resp, err := e.Search(context.Background(), Request{CallerID: "u_1", Query: "forecast", Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, "search", resp.Mode)
	assert.Equal(t, []int{12}, spy.resourceLimits, "resources are over-fetched 3x")

	ids := map[string]Candidate{}
	for _, c := range resp.Results {
		ids[c.ID] = c
	}
	assert.NotContains(t, ids, "r-private", "unindexed resources are not discoverable")
	require.Contains(t, ids, "p-guide")
	assert.Equal(t, PageNativeBoost, ids["p-guide"].NativeBoost)
	assert.Equal(t, 0.0, ids["p-guide"].Community)

	stocks := ids["r-stocks"]
	assert.Equal(t, 0.0, stocks.NativeBoost)
	assert.False(t, stocks.Ready)
	assert.Equal(t, []string{"MARKET_KEY"}, stocks.MissingSecrets)
	assert.Equal(t, 1.0, ids["r-weather"].NativeBoost)
	assert.Equal(t, "r-weather", resp.Results[0].ID)

	require.Len(t, events.rankings, 1)
	ev := events.rankings[0]
	assert.Equal(t, resp.QueryID, ev.QueryID)
	assert.Equal(t, "forecast", ev.Query)
	assert.Len(t, ev.Ranks, len(resp.Results))
	assert.Equal(t, uint16(1), ev.Ranks[0])
}

func TestSearch_KindsAndHidden(t *testing.T) {
	src := seedSource()
	src.Hide("u_1", "r-weather")
	e := NewEngine(Config{Source: src, Seed: 3})

	resp, err := e.Search(context.Background(), Request{CallerID: "u_1", Query: "forecast", Kinds: []Kind{KindResource}})
	require.NoError(t, err)
	for _, c := range resp.Results {
		assert.Equal(t, KindResource, c.Kind)
		assert.NotEqual(t, "r-weather", c.ID)
	}

	// Hidden for one caller only.
	resp, err = e.Search(context.Background(), Request{CallerID: "u_2", Query: "forecast"})
	require.NoError(t, err)
	var found bool
	for _, c := range resp.Results {
		found = found || c.ID == "r-weather"
	}
	assert.True(t, found)
}

func TestSearch_Truncates(t *testing.T) {
	src := NewMemorySource()
	for i := 0; i < 20; i++ {
		src.Put(Candidate{ID: string(rune('a' + i)), Kind: KindResource, Name: "tool"}, true)
	}
	e := NewEngine(Config{Source: src, Seed: 5})
	resp, err := e.Search(context.Background(), Request{Query: "tool", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
}

func TestSearch_EmbedFailure(t *testing.T) {
	e := NewEngine(Config{Source: seedSource(), Embedder: failingEmbedder{}})
	_, err := e.Search(context.Background(), Request{Query: "forecast"})
	assert.Error(t, err)
}

func TestSearch_ConnectionLookupFailsOpen(t *testing.T) {
	e := NewEngine(Config{Source: seedSource(), Connections: &stubConnections{err: errors.New("db down")}, Seed: 9})
	resp, err := e.Search(context.Background(), Request{CallerID: "u_1", Query: "stock"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "r-stocks", resp.Results[0].ID)
	assert.False(t, resp.Results[0].Ready)
}

func TestSearch_ConnectedSecretsBoost(t *testing.T) {
	conns := &stubConnections{keys: map[string][]string{"r-stocks": {"MARKET_KEY"}}}
	e := NewEngine(Config{Source: seedSource(), Connections: conns, Seed: 9})
	resp, err := e.Search(context.Background(), Request{CallerID: "u_1", Query: "stock"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, 0.8, resp.Results[0].NativeBoost)
	assert.True(t, resp.Results[0].Ready)
}

func TestHomepage(t *testing.T) {
	src := NewMemorySource()
	spy := &spySource{MemorySource: src}
	for i, p := range []float64{5, 9, 1, 7} {
		id := string(rune('a' + i))
		src.Put(Candidate{ID: id, Kind: KindResource, Name: id}, true)
		src.SetPopularity(id, p)
	}
	src.Hide("u_1", "b")
	events := &recordingEvents{}
	e := NewEngine(Config{Source: spy, Events: events})

	resp, err := e.Search(context.Background(), Request{CallerID: "u_1", Query: "   ", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "homepage", resp.Mode)
	assert.Equal(t, []int{2 + homepageMargin}, spy.popularLimits)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "d", resp.Results[0].ID)
	assert.Equal(t, "a", resp.Results[1].ID)
	require.Len(t, events.rankings, 1)
	assert.Equal(t, "homepage", events.rankings[0].Mode)
}

func TestLibraryAndInspect(t *testing.T) {
	src := seedSource()
	src.AddToLibrary("u_1", "r-stocks")
	e := NewEngine(Config{Source: src})

	lib, err := e.Library(context.Background(), "u_1", "", 0)
	require.NoError(t, err)
	require.Len(t, lib, 1)
	assert.Equal(t, "r-stocks", lib[0].ID)

	lib, err = e.Library(context.Background(), "u_1", "weather", 0)
	require.NoError(t, err)
	assert.Empty(t, lib)

	c, err := e.Inspect(context.Background(), "u_1", "r-weather")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.NativeBoost)
	assert.InDelta(t, 0.9, c.Community, 1e-9)

	_, err = e.Inspect(context.Background(), "u_1", "missing")
	rerr, ok := rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, rpcerr.CodeNotFound, rerr.Code)
}

func TestMemorySource_IndexLifecycle(t *testing.T) {
	src := NewMemorySource()
	r := &lifecycle.Resource{ID: "r1", Name: "pdf tools", OwnerID: "u_owner"}
	require.NoError(t, src.Upsert(context.Background(), r))

	got, _ := src.SearchResources(context.Background(), Query{Text: "pdf", Limit: 5})
	require.Len(t, got, 1)

	require.NoError(t, src.Remove(context.Background(), "r1"))
	got, _ = src.SearchResources(context.Background(), Query{Text: "pdf", Limit: 5})
	assert.Empty(t, got)

	lib, _ := src.Library(context.Background(), "u_owner", "", 5)
	assert.Len(t, lib, 1, "owners keep their resource in the library after delisting")
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.5,-1,0.25]", vectorLiteral([]float32{0.5, -1, 0.25}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
