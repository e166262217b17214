package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]*Resource
	versions  map[string]map[string]*Version
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*Resource),
		versions:  make(map[string]map[string]*Version),
		now:       time.Now,
	}
}

func cloneResource(r *Resource) *Resource {
	cp := *r
	cp.Versions = slices.Clone(r.Versions)
	cp.Exports = slices.Clone(r.Exports)
	cp.RequiredSecrets = slices.Clone(r.RequiredSecrets)
	cp.OptionalSecrets = slices.Clone(r.OptionalSecrets)
	return &cp
}

func (s *MemoryStore) Get(_ context.Context, resourceID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return nil, nil
	}
	return cloneResource(r), nil
}

func (s *MemoryStore) Create(_ context.Context, r *Resource, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.resources {
		if have.OwnerID == r.OwnerID && have.Slug == r.Slug {
			return ErrSlugTaken
		}
	}
	now := s.now()
	cp := cloneResource(r)
	cp.Versions = []string{v.Version}
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.resources[r.ID] = cp

	vc := *v
	vc.CreatedAt = now
	s.versions[r.ID] = map[string]*Version{v.Version: &vc}
	return nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[v.ResourceID]
	if !ok {
		return fmt.Errorf("AppendVersion: resource %s not found", v.ResourceID)
	}
	if _, dup := s.versions[v.ResourceID][v.Version]; dup {
		return ErrVersionExists
	}
	vc := *v
	vc.CreatedAt = s.now()
	s.versions[v.ResourceID][v.Version] = &vc
	r.Versions = append(r.Versions, v.Version)
	r.UpdatedAt = vc.CreatedAt
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, resourceID, version string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[resourceID][version]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) SetLive(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[v.ResourceID]
	if !ok {
		return fmt.Errorf("SetLive: resource %s not found", v.ResourceID)
	}
	stored, ok := s.versions[v.ResourceID][v.Version]
	if !ok {
		return fmt.Errorf("SetLive: version %s of %s not found", v.Version, v.ResourceID)
	}
	r.LiveVersion = stored.Version
	r.Exports = slices.Clone(stored.Exports)
	r.RequiredSecrets = slices.Clone(stored.RequiredSecrets)
	r.OptionalSecrets = slices.Clone(stored.OptionalSecrets)
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) update(resourceID string, fn func(*Resource)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s not found", resourceID)
	}
	fn(r)
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetVisibility(_ context.Context, resourceID string, vis Visibility) error {
	return s.update(resourceID, func(r *Resource) { r.Visibility = vis })
}

func (s *MemoryStore) SetDownloadPolicy(_ context.Context, resourceID string, p DownloadPolicy) error {
	return s.update(resourceID, func(r *Resource) { r.DownloadPolicy = p })
}

func (s *MemoryStore) SetExternalService(_ context.Context, resourceID string, svc *ExternalService) error {
	return s.update(resourceID, func(r *Resource) { r.ExternalService = svc })
}

func (s *MemoryStore) SetRateLimit(_ context.Context, resourceID string, rl *RateLimit) error {
	return s.update(resourceID, func(r *Resource) { r.RateLimit = rl })
}

func (s *MemoryStore) SetPricing(_ context.Context, resourceID string, p *Pricing) error {
	return s.update(resourceID, func(r *Resource) { r.Pricing = p })
}

func (s *MemoryStore) ListOwned(_ context.Context, ownerID string) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Resource
	for _, r := range s.resources {
		if r.OwnerID == ownerID {
			out = append(out, *cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Public returns every public resource. It backs the in-memory discovery
// source.
func (s *MemoryStore) Public() []Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Resource
	for _, r := range s.resources {
		if r.Visibility == VisibilityPublic {
			out = append(out, *cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
