package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50

	// overfetchFactor multiplies the limit per content kind in query mode.
	overfetchFactor = 3
	// homepageMargin covers items removed by the caller's hidden list.
	homepageMargin = 20
)

// Engine answers discovery queries.
type Engine struct {
	source      Source
	embedder    Embedder
	connections Connections
	events      storage.EventWriter
	sink        sink.Sink
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Config configures an Engine. Seed 0 seeds from the clock.
type Config struct {
	Source      Source
	Embedder    Embedder
	Connections Connections
	Events      storage.EventWriter
	Sink        sink.Sink
	Logger      *zap.Logger
	Seed        uint64
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := cfg.Sink
	if s == nil {
		s = &sink.Inline{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		source:      cfg.Source,
		embedder:    cfg.Embedder,
		connections: cfg.Connections,
		events:      cfg.Events,
		sink:        s,
		logger:      logger,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Request is one discovery call.
type Request struct {
	CallerID string
	Query    string
	Limit    int
	// Kinds restricts query mode to some content kinds; empty means all.
	Kinds []Kind
}

// Response is the ranked result.
type Response struct {
	QueryID string      `json:"query_id"`
	Mode    string      `json:"mode"`
	Results []Candidate `json:"results"`
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Search runs query mode, or homepage mode when the query is blank.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	req.Limit = clampLimit(req.Limit)
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return e.Homepage(ctx, req.CallerID, req.Limit)
	}

	q := Query{CallerID: req.CallerID, Text: req.Query, Limit: req.Limit * overfetchFactor}
	if e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("Search: embed: %w", err)
		}
		q.Embedding = emb
	}

	hidden := e.hidden(ctx, req.CallerID)
	var all []Candidate
	if wantKind(req.Kinds, KindResource) {
		rs, err := e.source.SearchResources(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("Search: resources: %w", err)
		}
		rs = filterHidden(rs, hidden)
		e.scoreResources(ctx, req.CallerID, rs)
		all = append(all, rs...)
	}
	if wantKind(req.Kinds, KindPage) {
		ps, err := e.source.SearchPages(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("Search: pages: %w", err)
		}
		ps = filterHidden(ps, hidden)
		for i := range ps {
			scorePage(&ps[i])
		}
		all = append(all, ps...)
	}

	all = dedupe(all)
	SortByScore(all)
	e.mu.Lock()
	LuckShuffle(all, e.rng)
	e.mu.Unlock()
	if len(all) > req.Limit {
		all = all[:req.Limit]
	}

	resp := &Response{QueryID: uuid.NewString(), Mode: "search", Results: all}
	e.audit(req.CallerID, req.Query, resp)
	return resp, nil
}

// Homepage lists public resources by popularity.
func (e *Engine) Homepage(ctx context.Context, callerID string, limit int) (*Response, error) {
	limit = clampLimit(limit)
	cs, err := e.source.Popular(ctx, limit+homepageMargin)
	if err != nil {
		return nil, fmt.Errorf("Homepage: %w", err)
	}
	cs = filterHidden(cs, e.hidden(ctx, callerID))
	if len(cs) > limit {
		cs = cs[:limit]
	}
	e.markReadiness(ctx, callerID, cs)
	for i := range cs {
		cs[i].Score = cs[i].Popularity
		cs[i].BaseScore = cs[i].Popularity
	}

	resp := &Response{QueryID: uuid.NewString(), Mode: "homepage", Results: cs}
	e.audit(callerID, "", resp)
	return resp, nil
}

// Library lists the caller's own and granted resources, optionally
// narrowed by a text filter. No exploration is applied.
func (e *Engine) Library(ctx context.Context, callerID, text string, limit int) ([]Candidate, error) {
	cs, err := e.source.Library(ctx, callerID, strings.TrimSpace(text), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("Library: %w", err)
	}
	e.markReadiness(ctx, callerID, cs)
	return cs, nil
}

// Inspect returns one resource with the caller's readiness for it.
func (e *Engine) Inspect(ctx context.Context, callerID, resourceID string) (*Candidate, error) {
	c, err := e.source.Get(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Inspect: %w", err)
	}
	if c == nil {
		return nil, rpcerr.NotFound("resource %s not found", resourceID)
	}
	one := []Candidate{*c}
	e.scoreResources(ctx, callerID, one)
	return &one[0], nil
}

func (e *Engine) scoreResources(ctx context.Context, callerID string, cs []Candidate) {
	connected := e.markReadiness(ctx, callerID, cs)
	for i := range cs {
		c := &cs[i]
		keys := make(map[string]bool, len(connected[c.ID]))
		for _, k := range connected[c.ID] {
			keys[k] = true
		}
		c.NativeBoost = NativeBoost(c.RequiredSecrets, c.OptionalSecrets, keys)
		c.Community = CommunitySignal(c.Likes, c.Dislikes)
		c.Score = FinalScore(c.Similarity, c.NativeBoost, c.Community)
		c.BaseScore = c.Score
	}
}

func scorePage(c *Candidate) {
	c.NativeBoost = PageNativeBoost
	c.Community = 0
	c.Ready = true
	c.Score = FinalScore(c.Similarity, c.NativeBoost, c.Community)
	c.BaseScore = c.Score
}

// markReadiness fills MissingSecrets and Ready. A lookup failure is treated
// as nothing connected.
func (e *Engine) markReadiness(ctx context.Context, callerID string, cs []Candidate) map[string][]string {
	var connected map[string][]string
	if e.connections != nil && len(cs) > 0 {
		ids := make([]string, 0, len(cs))
		for _, c := range cs {
			if len(c.RequiredSecrets) > 0 || len(c.OptionalSecrets) > 0 {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) > 0 {
			var err error
			connected, err = e.connections.ConnectedKeys(ctx, callerID, ids)
			if err != nil {
				e.logger.Warn("connection lookup failed",
					zap.String("user_id", callerID),
					zap.Error(err),
				)
			}
		}
	}
	for i := range cs {
		c := &cs[i]
		if c.Kind == KindPage {
			c.Ready = true
			continue
		}
		have := map[string]bool{}
		for _, k := range connected[c.ID] {
			have[k] = true
		}
		c.MissingSecrets = nil
		for _, k := range c.RequiredSecrets {
			if !have[k] {
				c.MissingSecrets = append(c.MissingSecrets, k)
			}
		}
		c.Ready = len(c.MissingSecrets) == 0
	}
	return connected
}

func (e *Engine) hidden(ctx context.Context, callerID string) map[string]bool {
	h, err := e.source.Hidden(ctx, callerID)
	if err != nil {
		e.logger.Warn("hidden list lookup failed",
			zap.String("user_id", callerID),
			zap.Error(err),
		)
		return nil
	}
	return h
}

// audit records ranks and scores on the sink; it never fails the query.
func (e *Engine) audit(callerID, query string, resp *Response) {
	if e.events == nil {
		return
	}
	ev := &storage.RankingEvent{
		QueryID:   resp.QueryID,
		Timestamp: time.Now().UTC(),
		UserID:    callerID,
		Query:     query,
		Mode:      resp.Mode,
	}
	for i, c := range resp.Results {
		ev.ItemIDs = append(ev.ItemIDs, c.ID)
		ev.ItemKinds = append(ev.ItemKinds, string(c.Kind))
		ev.Scores = append(ev.Scores, float32(c.Score))
		ev.Ranks = append(ev.Ranks, uint16(i+1))
	}
	e.sink.Go("ranking_audit", func(context.Context) error {
		e.events.WriteRanking(ev)
		return nil
	})
}

func wantKind(kinds []Kind, k Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

func filterHidden(cs []Candidate, hidden map[string]bool) []Candidate {
	if len(hidden) == 0 {
		return cs
	}
	out := cs[:0]
	for _, c := range cs {
		if !hidden[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// dedupe keeps the best-scoring occurrence of each (kind, id).
func dedupe(cs []Candidate) []Candidate {
	at := make(map[string]int, len(cs))
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		k := string(c.Kind) + ":" + c.ID
		if i, ok := at[k]; ok {
			if c.Score > out[i].Score {
				out[i] = c
			}
			continue
		}
		at[k] = len(out)
		out = append(out, c)
	}
	return out
}
