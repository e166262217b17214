// Package secrets holds the per-user secret values a consumer connects to a
// resource, sealed at rest with age.
package secrets

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Service connects, lists and opens user secrets.
type Service struct {
	store  Store
	sealer *Sealer
	logger *zap.Logger
}

func NewService(store Store, sealer *Sealer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, sealer: sealer, logger: logger}
}

// ConnectResult lists the keys a Connect call set and removed.
type ConnectResult struct {
	Set     []string `json:"set"`
	Removed []string `json:"removed"`
}

// Connect seals and stores each value. A nil value removes the key.
func (s *Service) Connect(ctx context.Context, userID, resourceID string, values map[string]*string) (*ConnectResult, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := &ConnectResult{Set: []string{}, Removed: []string{}}
	for _, k := range keys {
		v := values[k]
		if v == nil {
			removed, err := s.store.Delete(ctx, userID, resourceID, k)
			if err != nil {
				return nil, fmt.Errorf("Connect: %w", err)
			}
			if removed {
				res.Removed = append(res.Removed, k)
			}
			continue
		}
		sealed, err := s.sealer.Seal([]byte(*v))
		if err != nil {
			return nil, fmt.Errorf("Connect: sealing %s: %w", k, err)
		}
		if err := s.store.Put(ctx, userID, resourceID, k, sealed); err != nil {
			return nil, fmt.Errorf("Connect: %w", err)
		}
		res.Set = append(res.Set, k)
	}
	return res, nil
}

// Connected lists the user's connections, optionally limited to resourceIDs.
func (s *Service) Connected(ctx context.Context, userID string, resourceIDs []string) (map[string][]Connection, error) {
	return s.store.Keys(ctx, userID, resourceIDs)
}

// ConnectedKeys returns the connected key names per resource.
func (s *Service) ConnectedKeys(ctx context.Context, userID string, resourceIDs []string) (map[string][]string, error) {
	conns, err := s.store.Keys(ctx, userID, resourceIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(conns))
	for rid, list := range conns {
		names := make([]string, len(list))
		for i, c := range list {
			names[i] = c.Key
		}
		out[rid] = names
	}
	return out, nil
}

// Open returns the user's plaintext values for a resource. Values that fail
// to decrypt are skipped and logged.
func (s *Service) Open(ctx context.Context, userID, resourceID string) (map[string]string, error) {
	sealed, err := s.store.Sealed(ctx, userID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	out := make(map[string]string, len(sealed))
	for k, v := range sealed {
		plain, err := s.sealer.Open(v)
		if err != nil {
			s.logger.Warn("secret could not be opened",
				zap.String("user_id", userID),
				zap.String("resource_id", resourceID),
				zap.String("key", k),
				zap.Error(err),
			)
			continue
		}
		out[k] = string(plain)
	}
	return out, nil
}

// Missing returns the required keys the user has not connected.
func Missing(required, connected []string) []string {
	have := make(map[string]bool, len(connected))
	for _, k := range connected {
		have[k] = true
	}
	var out []string
	for _, k := range required {
		if !have[k] {
			out = append(out, k)
		}
	}
	return out
}
