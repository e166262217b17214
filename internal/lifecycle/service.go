package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
)

// BalanceChecker gates non-private visibility on a minimum account balance.
type BalanceChecker interface {
	HasMinimumBalance(ctx context.Context, userID string) (bool, error)
}

// DiscoveryIndex keeps public resources in the global search index.
type DiscoveryIndex interface {
	Upsert(ctx context.Context, r *Resource) error
	Remove(ctx context.Context, resourceID string) error
}

// ArtifactLoader reloads generated documentation and embeddings of a version.
type ArtifactLoader interface {
	Reload(ctx context.Context, resourceID, version string) error
}

// LibraryRebuilder recompiles an owner's resource index.
type LibraryRebuilder interface {
	Rebuild(ctx context.Context, ownerID string) error
}

// Service implements the version and visibility transitions.
type Service struct {
	store     Store
	balance   BalanceChecker
	index     DiscoveryIndex
	artifacts ArtifactLoader
	library   LibraryRebuilder
	sink      sink.Sink
	logger    *zap.Logger
}

// Config configures a Service. Ports other than Store are optional.
type Config struct {
	Store     Store
	Balance   BalanceChecker
	Index     DiscoveryIndex
	Artifacts ArtifactLoader
	Library   LibraryRebuilder
	Sink      sink.Sink
	Logger    *zap.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := cfg.Sink
	if s == nil {
		s = &sink.Inline{}
	}
	return &Service{
		store:     cfg.Store,
		balance:   cfg.Balance,
		index:     cfg.Index,
		artifacts: cfg.Artifacts,
		library:   cfg.Library,
		sink:      s,
		logger:    logger,
	}
}

// Get returns a resource or a not-found error.
func (s *Service) Get(ctx context.Context, resourceID string) (*Resource, error) {
	r, err := s.store.Get(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if r == nil {
		return nil, rpcerr.NotFound("resource %s not found", resourceID)
	}
	return r, nil
}

// Owned returns a resource the caller owns.
func (s *Service) Owned(ctx context.Context, resourceID, callerID string) (*Resource, error) {
	r, err := s.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != callerID {
		return nil, rpcerr.Forbidden("only the owner can change %s", resourceID)
	}
	return r, nil
}

// Version returns one version of a resource, defaulting to the live one.
func (s *Service) Version(ctx context.Context, r *Resource, version string) (*Version, error) {
	if version == "" {
		version = r.LiveVersion
	}
	v, err := s.store.GetVersion(ctx, r.ID, version)
	if err != nil {
		return nil, fmt.Errorf("Version: %w", err)
	}
	if v == nil {
		return nil, rpcerr.NotFound("version %s of %s does not exist", version, r.ID)
	}
	return v, nil
}

// Build is the output of bundling a version's source.
type Build struct {
	BundleHash      string
	Exports         []string
	RequiredSecrets []string
	OptionalSecrets []string
}

// PublishRequest creates a resource (no ResourceID) or appends a version.
type PublishRequest struct {
	CallerID    string
	ResourceID  string
	Slug        string
	Name        string
	Description string
	Version     string // explicit version; empty = derive
	Visibility  Visibility
	Build       Build
}

// PublishResult reports the published version.
type PublishResult struct {
	ResourceID  string   `json:"resource_id"`
	Slug        string   `json:"slug"`
	Version     string   `json:"version"`
	LiveVersion string   `json:"live_version"`
	IsLive      bool     `json:"is_live"`
	Created     bool     `json:"created"`
	Exports     []string `json:"exports"`
}

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Publish creates a new resource live at 1.0.0, or appends a new version to
// an existing one without moving its live pointer.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if req.ResourceID == "" {
		return s.create(ctx, req)
	}

	r, err := s.Owned(ctx, req.ResourceID, req.CallerID)
	if err != nil {
		return nil, err
	}

	version := req.Version
	if version == "" {
		if version, err = NextPatch(r.LiveVersion); err != nil {
			return nil, fmt.Errorf("Publish: live version: %w", err)
		}
	} else if _, err := ParseVersion(version); err != nil {
		return nil, rpcerr.Validation("%v", err)
	}
	if r.HasVersion(version) {
		return nil, rpcerr.Validation("version %s of %s already exists", version, r.ID)
	}

	v := &Version{
		ResourceID:      r.ID,
		Version:         version,
		BundleHash:      req.Build.BundleHash,
		Exports:         req.Build.Exports,
		RequiredSecrets: req.Build.RequiredSecrets,
		OptionalSecrets: req.Build.OptionalSecrets,
	}
	if err := s.store.AppendVersion(ctx, v); err != nil {
		if errors.Is(err, ErrVersionExists) {
			return nil, rpcerr.Validation("version %s of %s already exists", version, r.ID)
		}
		return nil, fmt.Errorf("Publish: %w", err)
	}

	return &PublishResult{
		ResourceID:  r.ID,
		Slug:        r.Slug,
		Version:     version,
		LiveVersion: r.LiveVersion,
		IsLive:      false,
		Exports:     v.Exports,
	}, nil
}

func (s *Service) create(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	slug := req.Slug
	if slug == "" {
		slug = Slugify(req.Name)
	}
	if !slugRe.MatchString(slug) {
		return nil, rpcerr.Validation("a slug or name is required to create a resource")
	}
	if req.Version != "" && req.Version != InitialVersion {
		return nil, rpcerr.Validation("new resources start at %s", InitialVersion)
	}
	vis := req.Visibility
	if vis == "" {
		vis = VisibilityPrivate
	}
	if !vis.Valid() {
		return nil, rpcerr.Validation("invalid visibility %q", vis)
	}
	if vis != VisibilityPrivate {
		if err := s.checkBalance(ctx, req.CallerID); err != nil {
			return nil, err
		}
	}

	name := req.Name
	if name == "" {
		name = slug
	}
	r := &Resource{
		ID:              uuid.NewString(),
		Slug:            slug,
		OwnerID:         req.CallerID,
		Name:            name,
		Description:     req.Description,
		Visibility:      vis,
		Versions:        []string{InitialVersion},
		LiveVersion:     InitialVersion,
		Exports:         req.Build.Exports,
		RequiredSecrets: req.Build.RequiredSecrets,
		OptionalSecrets: req.Build.OptionalSecrets,
		DownloadPolicy:  DownloadOwner,
	}
	v := &Version{
		ResourceID:      r.ID,
		Version:         InitialVersion,
		BundleHash:      req.Build.BundleHash,
		Exports:         req.Build.Exports,
		RequiredSecrets: req.Build.RequiredSecrets,
		OptionalSecrets: req.Build.OptionalSecrets,
	}
	if err := s.store.Create(ctx, r, v); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			return nil, rpcerr.Validation("you already have a resource with slug %q", slug)
		}
		return nil, fmt.Errorf("Publish: %w", err)
	}

	if vis == VisibilityPublic {
		s.indexUpsert(ctx, r)
	}
	s.rebuildLibrary(r.OwnerID)

	return &PublishResult{
		ResourceID:  r.ID,
		Slug:        r.Slug,
		Version:     InitialVersion,
		LiveVersion: InitialVersion,
		IsLive:      true,
		Created:     true,
		Exports:     r.Exports,
	}, nil
}

// SetLive moves the live pointer to an existing version and re-derives the
// exposed capabilities from it.
func (s *Service) SetLive(ctx context.Context, callerID, resourceID, version string) (*Resource, error) {
	r, err := s.Owned(ctx, resourceID, callerID)
	if err != nil {
		return nil, err
	}
	if !r.HasVersion(version) {
		return nil, rpcerr.NotFound("version %s of %s does not exist", version, resourceID)
	}
	v, err := s.store.GetVersion(ctx, resourceID, version)
	if err != nil {
		return nil, fmt.Errorf("SetLive: %w", err)
	}
	if v == nil {
		return nil, rpcerr.NotFound("version %s of %s does not exist", version, resourceID)
	}

	if err := s.store.SetLive(ctx, v); err != nil {
		return nil, fmt.Errorf("SetLive: %w", err)
	}
	r.LiveVersion = v.Version
	r.Exports = v.Exports
	r.RequiredSecrets = v.RequiredSecrets
	r.OptionalSecrets = v.OptionalSecrets

	// Later steps are best-effort: the pointer has already moved.
	if s.artifacts != nil {
		if err := s.artifacts.Reload(ctx, resourceID, version); err != nil {
			s.logger.Warn("artifact reload failed",
				zap.String("resource_id", resourceID),
				zap.String("version", version),
				zap.Error(err),
			)
		}
	}
	if r.Visibility == VisibilityPublic {
		s.indexUpsert(ctx, r)
	}
	s.rebuildLibrary(r.OwnerID)
	return r, nil
}

// SetVisibility changes visibility, keeping the discovery index in step.
func (s *Service) SetVisibility(ctx context.Context, callerID, resourceID string, vis Visibility) (*Resource, error) {
	if !vis.Valid() {
		return nil, rpcerr.Validation("invalid visibility %q", vis)
	}
	r, err := s.Owned(ctx, resourceID, callerID)
	if err != nil {
		return nil, err
	}
	if vis != VisibilityPrivate {
		if err := s.checkBalance(ctx, callerID); err != nil {
			return nil, err
		}
	}

	prev := r.Visibility
	if err := s.store.SetVisibility(ctx, resourceID, vis); err != nil {
		return nil, fmt.Errorf("SetVisibility: %w", err)
	}
	r.Visibility = vis

	switch {
	case prev != VisibilityPublic && vis == VisibilityPublic:
		s.indexUpsert(ctx, r)
	case prev == VisibilityPublic && vis != VisibilityPublic:
		if s.index != nil {
			if err := s.index.Remove(ctx, resourceID); err != nil {
				s.logger.Warn("discovery index remove failed",
					zap.String("resource_id", resourceID),
					zap.Error(err),
				)
			}
		}
	}
	return r, nil
}

// checkBalance fails open: a lookup error never blocks the owner.
func (s *Service) checkBalance(ctx context.Context, userID string) error {
	if s.balance == nil {
		return nil
	}
	ok, err := s.balance.HasMinimumBalance(ctx, userID)
	if err != nil {
		s.logger.Warn("balance check failed, allowing",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return rpcerr.Validation("unlisted and public resources require a minimum account balance; top up and try again")
	}
	return nil
}

func (s *Service) indexUpsert(ctx context.Context, r *Resource) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(ctx, r); err != nil {
		s.logger.Warn("discovery index upsert failed",
			zap.String("resource_id", r.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) rebuildLibrary(ownerID string) {
	if s.library == nil {
		return
	}
	s.sink.Go("library_rebuild", func(ctx context.Context) error {
		return s.library.Rebuild(ctx, ownerID)
	})
}

// SetDownloadPolicy changes who may fetch the source.
func (s *Service) SetDownloadPolicy(ctx context.Context, callerID, resourceID string, p DownloadPolicy) error {
	if !p.Valid() {
		return rpcerr.Validation("invalid download policy %q", p)
	}
	if _, err := s.Owned(ctx, resourceID, callerID); err != nil {
		return err
	}
	if err := s.store.SetDownloadPolicy(ctx, resourceID, p); err != nil {
		return fmt.Errorf("SetDownloadPolicy: %w", err)
	}
	return nil
}

// SetExternalService binds the resource to svc, or clears the binding when svc is nil.
func (s *Service) SetExternalService(ctx context.Context, callerID, resourceID string, svc *ExternalService) error {
	if svc != nil && !strings.HasPrefix(svc.URL, "https://") {
		return rpcerr.Validation("external service URL must use https")
	}
	if _, err := s.Owned(ctx, resourceID, callerID); err != nil {
		return err
	}
	if err := s.store.SetExternalService(ctx, resourceID, svc); err != nil {
		return fmt.Errorf("SetExternalService: %w", err)
	}
	return nil
}

// SetRateLimit sets or clears (nil) the per-consumer limit.
func (s *Service) SetRateLimit(ctx context.Context, callerID, resourceID string, rl *RateLimit) error {
	if rl != nil && rl.CallsPerMinute == 0 && rl.CallsPerDay == 0 {
		rl = nil
	}
	if _, err := s.Owned(ctx, resourceID, callerID); err != nil {
		return err
	}
	if err := s.store.SetRateLimit(ctx, resourceID, rl); err != nil {
		return fmt.Errorf("SetRateLimit: %w", err)
	}
	return nil
}

// SetPricing sets the per-call price.
func (s *Service) SetPricing(ctx context.Context, callerID, resourceID string, p *Pricing) error {
	if p.PriceCents < 0 || p.FreeCalls < 0 {
		return rpcerr.Validation("prices and free calls cannot be negative")
	}
	r, err := s.Owned(ctx, resourceID, callerID)
	if err != nil {
		return err
	}
	for fn := range p.FunctionPrices {
		if !contains(r.Exports, fn) {
			return rpcerr.Validation("%s does not export %q", resourceID, fn)
		}
	}
	if err := s.store.SetPricing(ctx, resourceID, p); err != nil {
		return fmt.Errorf("SetPricing: %w", err)
	}
	return nil
}

// ListOwned returns the caller's resources.
func (s *Service) ListOwned(ctx context.Context, ownerID string) ([]Resource, error) {
	rs, err := s.store.ListOwned(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListOwned: %w", err)
	}
	return rs, nil
}

// Slugify derives a slug from a display name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
