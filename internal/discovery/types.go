// Package discovery ranks resources and pages for a caller's query.
package discovery

import (
	"context"
)

// Kind is the content kind of a candidate.
type Kind string

const (
	KindResource Kind = "resource"
	KindPage     Kind = "page"
)

// Candidate is one scored discovery hit.
type Candidate struct {
	ID              string   `json:"id"`
	Kind            Kind     `json:"kind"`
	Slug            string   `json:"slug,omitempty"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	OwnerID         string   `json:"owner_id,omitempty"`
	Exports         []string `json:"exports,omitempty"`
	RequiredSecrets []string `json:"required_secrets,omitempty"`
	OptionalSecrets []string `json:"optional_secrets,omitempty"`
	// MissingSecrets are required secrets the caller has not connected.
	MissingSecrets []string `json:"missing_secrets,omitempty"`
	Ready          bool     `json:"ready"`

	Likes      float64 `json:"likes"`
	Dislikes   float64 `json:"dislikes"`
	Popularity float64 `json:"-"`

	Similarity  float64 `json:"similarity"`
	NativeBoost float64 `json:"native_boost"`
	Community   float64 `json:"community_signal"`
	// BaseScore is the final score before exploration; Score includes it.
	BaseScore float64 `json:"base_score"`
	Score     float64 `json:"score"`
}

// Query is what a Source searches with. Embedding is nil when no embedder
// is configured; sources then fall back to text matching.
type Query struct {
	CallerID  string
	Text      string
	Embedding []float32
	Limit     int
}

// Source reads candidates from the content stores. Sources exclude
// suspended and non-public items themselves; per-caller hiding is applied
// by the Engine.
type Source interface {
	SearchResources(ctx context.Context, q Query) ([]Candidate, error)
	SearchPages(ctx context.Context, q Query) ([]Candidate, error)
	// Popular returns public resources by descending popularity weight.
	Popular(ctx context.Context, limit int) ([]Candidate, error)
	// Library returns resources the caller owns or holds a grant on.
	Library(ctx context.Context, callerID, text string, limit int) ([]Candidate, error)
	// Get returns nil, nil for an unknown resource.
	Get(ctx context.Context, resourceID string) (*Candidate, error)
	Hidden(ctx context.Context, callerID string) (map[string]bool, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Connections reports which secret keys a caller has connected, per resource.
type Connections interface {
	ConnectedKeys(ctx context.Context, userID string, resourceIDs []string) (map[string][]string, error)
}
