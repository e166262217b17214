package grants

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	grants  map[grantKey]*Grant
	pending map[grantKey]*PendingGrant
	now     func() time.Time
}

type grantKey struct {
	resource, grantee, capability string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:  make(map[grantKey]*Grant),
		pending: make(map[grantKey]*PendingGrant),
		now:     time.Now,
	}
}

func (s *MemoryStore) UpsertGrant(_ context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(*g)
	return nil
}

func (s *MemoryStore) upsertLocked(g Grant) {
	k := grantKey{g.ResourceID, g.GranteeID, g.Capability}
	now := s.now()
	if existing, ok := s.grants[k]; ok {
		existing.Constraints = MergeConstraints(existing.Constraints, g.Constraints)
		existing.UpdatedAt = now
		return
	}
	g.CreatedAt, g.UpdatedAt = now, now
	s.grants[k] = &g
}

func (s *MemoryStore) UpsertPending(_ context.Context, p *PendingGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(p.GranteeEmail)
	k := grantKey{p.ResourceID, email, p.Capability}
	if existing, ok := s.pending[k]; ok {
		existing.Constraints = MergeConstraints(existing.Constraints, p.Constraints)
		return nil
	}
	cp := *p
	cp.GranteeEmail = email
	cp.CreatedAt = s.now()
	s.pending[k] = &cp
	return nil
}

func matches(k grantKey, resourceID, grantee string, capabilities []string) bool {
	if k.resource != resourceID {
		return false
	}
	if grantee != "" && k.grantee != grantee {
		return false
	}
	return capabilities == nil || slices.Contains(capabilities, k.capability)
}

func (s *MemoryStore) DeleteGrants(_ context.Context, resourceID, granteeID string, capabilities []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.grants {
		if matches(k, resourceID, granteeID, capabilities) {
			delete(s.grants, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeletePending(_ context.Context, resourceID, email string, capabilities []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.pending {
		if matches(k, resourceID, strings.ToLower(email), capabilities) {
			delete(s.pending, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListGrants(_ context.Context, resourceID string) ([]Grant, error) {
	return s.collect(func(g *Grant) bool { return g.ResourceID == resourceID }), nil
}

func (s *MemoryStore) GrantsFor(_ context.Context, resourceID, granteeID string) ([]Grant, error) {
	return s.collect(func(g *Grant) bool {
		return g.ResourceID == resourceID && g.GranteeID == granteeID
	}), nil
}

func (s *MemoryStore) collect(keep func(*Grant) bool) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GranteeID != out[j].GranteeID {
			return out[i].GranteeID < out[j].GranteeID
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}

func (s *MemoryStore) ListPending(_ context.Context, resourceID string) ([]PendingGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingGrant
	for _, p := range s.pending {
		if p.ResourceID == resourceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GranteeEmail != out[j].GranteeEmail {
			return out[i].GranteeEmail < out[j].GranteeEmail
		}
		return out[i].Capability < out[j].Capability
	})
	return out, nil
}

func (s *MemoryStore) ConsumeBudget(_ context.Context, resourceID, granteeID, capability string, periodStart time.Time, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey{resourceID, granteeID, capability}]
	if !ok {
		return false, nil
	}
	if g.BudgetPeriodStart == nil || g.BudgetPeriodStart.Before(periodStart) {
		start := periodStart
		g.BudgetPeriodStart = &start
		g.BudgetUsed = 1
		return true, nil
	}
	if g.BudgetUsed >= limit {
		return false, nil
	}
	g.BudgetUsed++
	return true, nil
}

func (s *MemoryStore) ConvertPending(_ context.Context, email, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	seen := make(map[string]bool)
	var out []string
	for k, p := range s.pending {
		if k.grantee != email {
			continue
		}
		s.upsertLocked(Grant{
			ResourceID:  p.ResourceID,
			GranteeID:   userID,
			Capability:  p.Capability,
			Constraints: p.Constraints,
			GrantedBy:   p.GrantedBy,
		})
		delete(s.pending, k)
		if !seen[p.ResourceID] {
			seen[p.ResourceID] = true
			out = append(out, p.ResourceID)
		}
	}
	sort.Strings(out)
	return out, nil
}
