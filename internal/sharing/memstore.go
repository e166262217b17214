package sharing

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	content []*ContentShare
	keys    []*KeyShare
	links   map[string]link // content id -> link
	now     func() time.Time
}

type link struct {
	kind Kind
	hash string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]link), now: time.Now}
}

func (s *MemoryStore) UpsertContentShare(_ context.Context, cs *ContentShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := granteeKey(cs.GranteeID, cs.GranteeEmail)
	for _, have := range s.content {
		if have.ContentID == cs.ContentID && granteeKey(have.GranteeID, have.GranteeEmail) == k {
			have.Access = cs.Access
			return nil
		}
	}
	cp := *cs
	cp.GranteeEmail = strings.ToLower(cp.GranteeEmail)
	cp.CreatedAt = s.now()
	s.content = append(s.content, &cp)
	return nil
}

func (s *MemoryStore) DeleteContentShares(_ context.Context, contentID string, granteeKeys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.content)
	s.content = slices.DeleteFunc(s.content, func(c *ContentShare) bool {
		if c.ContentID != contentID {
			return false
		}
		return len(granteeKeys) == 0 || slices.Contains(granteeKeys, granteeKey(c.GranteeID, c.GranteeEmail))
	})
	return before - len(s.content), nil
}

func (s *MemoryStore) ContentSharesByOwner(_ context.Context, ownerID string) ([]ContentShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ContentShare
	for _, c := range s.content {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ContentSharesFor(_ context.Context, userID, email string) ([]ContentShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ContentShare
	for _, c := range s.content {
		if matchesGrantee(c.GranteeID, c.GranteeEmail, userID, email) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertKeyShare(_ context.Context, ks *KeyShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := granteeKey(ks.GranteeID, ks.GranteeEmail)
	for _, have := range s.keys {
		if have.OwnerID == ks.OwnerID && have.Scope == ks.Scope && have.KeyPattern == ks.KeyPattern &&
			granteeKey(have.GranteeID, have.GranteeEmail) == k {
			have.Access = ks.Access
			return nil
		}
	}
	cp := *ks
	cp.GranteeEmail = strings.ToLower(cp.GranteeEmail)
	cp.CreatedAt = s.now()
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *MemoryStore) DeleteKeyShare(_ context.Context, ownerID, scope, pattern string, granteeKeys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.keys)
	s.keys = slices.DeleteFunc(s.keys, func(k *KeyShare) bool {
		return k.OwnerID == ownerID && k.Scope == scope && k.KeyPattern == pattern &&
			slices.Contains(granteeKeys, granteeKey(k.GranteeID, k.GranteeEmail))
	})
	return before - len(s.keys), nil
}

func (s *MemoryStore) KeySharesByOwner(_ context.Context, ownerID string) ([]KeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyShare
	for _, k := range s.keys {
		if k.OwnerID == ownerID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *MemoryStore) KeySharesFor(_ context.Context, userID, email string) ([]KeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyShare
	for _, k := range s.keys {
		if matchesGrantee(k.GranteeID, k.GranteeEmail, userID, email) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *MemoryStore) EnsureLink(_ context.Context, kind Kind, contentID, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[contentID]; ok {
		return false, nil
	}
	s.links[contentID] = link{kind: kind, hash: tokenHash}
	return true, nil
}

func (s *MemoryStore) ReplaceLink(_ context.Context, kind Kind, contentID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[contentID] = link{kind: kind, hash: tokenHash}
	return nil
}

func (s *MemoryStore) LinkTarget(_ context.Context, tokenHash string) (string, Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.links {
		if l.hash == tokenHash {
			return id, l.kind, nil
		}
	}
	return "", "", nil
}
