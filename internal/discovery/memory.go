package discovery

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
)

// MemorySource is an in-process Source and DiscoveryIndex for tests and
// local development. Without embeddings it scores by word overlap.
type MemorySource struct {
	mu         sync.RWMutex
	items      map[string]*memItem
	library    map[string]map[string]bool // caller -> resource ids
	hidden     map[string]map[string]bool
	embeddings map[string][]float32
}

type memItem struct {
	c     Candidate
	text  string
	index bool // present in the public index
}

var _ Source = (*MemorySource)(nil)
var _ lifecycle.DiscoveryIndex = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{
		items:      make(map[string]*memItem),
		library:    make(map[string]map[string]bool),
		hidden:     make(map[string]map[string]bool),
		embeddings: make(map[string][]float32),
	}
}

// Put adds or replaces a candidate. Indexed resources are searchable and
// appear on the homepage; pages are always searchable.
func (m *MemorySource) Put(c Candidate, indexed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = &memItem{c: c, text: strings.ToLower(c.Name + " " + c.Description), index: indexed}
	if c.OwnerID != "" && c.Kind == KindResource {
		m.addLibraryLocked(c.OwnerID, c.ID)
	}
}

// SetEmbedding attaches a vector to an item.
func (m *MemorySource) SetEmbedding(id string, v []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[id] = v
}

// SetRatings overrides an item's weighted like and dislike totals.
func (m *MemorySource) SetRatings(id string, likes, dislikes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.c.Likes, it.c.Dislikes = likes, dislikes
	}
}

// SetPopularity overrides an item's homepage weight.
func (m *MemorySource) SetPopularity(id string, p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.c.Popularity = p
	}
}

// AddToLibrary records that caller may use resourceID.
func (m *MemorySource) AddToLibrary(callerID, resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLibraryLocked(callerID, resourceID)
}

func (m *MemorySource) addLibraryLocked(callerID, resourceID string) {
	if m.library[callerID] == nil {
		m.library[callerID] = map[string]bool{}
	}
	m.library[callerID][resourceID] = true
}

// Hide removes an item from a caller's discovery results.
func (m *MemorySource) Hide(callerID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hidden[callerID] == nil {
		m.hidden[callerID] = map[string]bool{}
	}
	m.hidden[callerID][itemID] = true
}

// Unhide reverses Hide.
func (m *MemorySource) Unhide(callerID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hidden[callerID], itemID)
}

func (m *MemorySource) Upsert(_ context.Context, r *lifecycle.Resource) error {
	m.Put(Candidate{
		ID:              r.ID,
		Kind:            KindResource,
		Slug:            r.Slug,
		Name:            r.Name,
		Description:     r.Description,
		OwnerID:         r.OwnerID,
		Exports:         r.Exports,
		RequiredSecrets: r.RequiredSecrets,
		OptionalSecrets: r.OptionalSecrets,
	}, true)
	return nil
}

func (m *MemorySource) Remove(_ context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[resourceID]; ok {
		it.index = false
	}
	return nil
}

func (m *MemorySource) search(q Query, kind Kind) []Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	words := strings.Fields(strings.ToLower(q.Text))
	var out []Candidate
	for id, it := range m.items {
		if it.c.Kind != kind || (kind == KindResource && !it.index) {
			continue
		}
		c := it.c
		if emb, ok := m.embeddings[id]; ok && q.Embedding != nil {
			c.Similarity = cosine(q.Embedding, emb)
		} else {
			c.Similarity = overlap(words, it.text)
		}
		if c.Similarity <= 0 {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *MemorySource) SearchResources(_ context.Context, q Query) ([]Candidate, error) {
	return m.search(q, KindResource), nil
}

func (m *MemorySource) SearchPages(_ context.Context, q Query) ([]Candidate, error) {
	return m.search(q, KindPage), nil
}

func (m *MemorySource) Popular(_ context.Context, limit int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for _, it := range m.items {
		if it.c.Kind == KindResource && it.index {
			out = append(out, it.c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Popularity != out[j].Popularity {
			return out[i].Popularity > out[j].Popularity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySource) Library(_ context.Context, callerID, text string, limit int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text = strings.ToLower(text)
	var out []Candidate
	for id := range m.library[callerID] {
		it, ok := m.items[id]
		if !ok {
			continue
		}
		if text != "" && !strings.Contains(it.text, text) && !strings.Contains(it.c.Slug, text) {
			continue
		}
		out = append(out, it.c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySource) Get(_ context.Context, resourceID string) (*Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[resourceID]
	if !ok || it.c.Kind != KindResource {
		return nil, nil
	}
	c := it.c
	return &c, nil
}

func (m *MemorySource) Hidden(_ context.Context, callerID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.hidden[callerID]))
	for id := range m.hidden[callerID] {
		out[id] = true
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// overlap is the fraction of query words found in text.
func overlap(words []string, text string) float64 {
	if len(words) == 0 {
		return 0
	}
	hit := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			hit++
		}
	}
	return float64(hit) / float64(len(words))
}
