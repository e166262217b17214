package grants

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

// ResourceInfo is what the grant model needs to know about a resource.
type ResourceInfo struct {
	ID           string
	OwnerID      string
	Capabilities []string // exposed by the live version
}

// Resources looks up resources. Returns nil, nil when the id is unknown.
type Resources interface {
	ResourceInfo(ctx context.Context, resourceID string) (*ResourceInfo, error)
}

// Identities resolves a grantee reference (user id or email).
type Identities interface {
	ResolveIdentity(ctx context.Context, ref string) (*auth.User, error)
}

// Service implements grant, revoke, list and enforcement.
type Service struct {
	store       Store
	resources   Resources
	identities  Identities
	cache       *GrantCache
	invalidator Invalidator
	checks      []Check
	logger      *zap.Logger
	now         func() time.Time
}

// Config configures a Service.
type Config struct {
	Store      Store
	Resources  Resources
	Identities Identities
	CacheTTL   time.Duration
	// Invalidator is notified after every mutation in addition to the
	// service's own cache. Optional.
	Invalidator Invalidator
	Logger      *zap.Logger
}

func NewService(cfg Config) *Service {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       cfg.Store,
		resources:   cfg.Resources,
		identities:  cfg.Identities,
		cache:       NewGrantCache(ttl),
		invalidator: cfg.Invalidator,
		checks:      DefaultChecks(),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) invalidate(resourceID string) {
	s.cache.Invalidate(resourceID)
	if s.invalidator != nil {
		s.invalidator.Invalidate(resourceID)
	}
}

// ownedResource loads a resource and checks the caller owns it.
func (s *Service) ownedResource(ctx context.Context, resourceID, callerID string) (*ResourceInfo, error) {
	info, err := s.resources.ResourceInfo(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("ownedResource: %w", err)
	}
	if info == nil {
		return nil, rpcerr.NotFound("resource %s not found", resourceID)
	}
	if info.OwnerID != callerID {
		return nil, rpcerr.Forbidden("only the owner can manage permissions on %s", resourceID)
	}
	return info, nil
}

// GrantRequest asks for capabilities on a resource to be granted.
type GrantRequest struct {
	CallerID     string
	ResourceID   string
	Grantee      string   // user id or email
	Capabilities []string // nil = everything the resource exposes now
	Constraints  *Constraints
}

// GrantResult reports what was granted.
type GrantResult struct {
	ResourceID   string   `json:"resource_id"`
	Grantee      string   `json:"grantee"`
	GranteeID    string   `json:"grantee_id,omitempty"`
	Capabilities []string `json:"capabilities"`
	Pending      bool     `json:"pending"`
}

// Grant upserts one row per capability. Grantees who have not registered
// get pending rows that convert on registration.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	info, err := s.ownedResource(ctx, req.ResourceID, req.CallerID)
	if err != nil {
		return nil, err
	}
	grantee := strings.TrimSpace(req.Grantee)
	if grantee == "" {
		return nil, rpcerr.Validation("grantee is required")
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = info.Capabilities
	}
	if len(caps) == 0 {
		return nil, rpcerr.Validation("resource %s exposes no capabilities to grant", req.ResourceID)
	}
	for _, c := range caps {
		if !slices.Contains(info.Capabilities, c) {
			return nil, rpcerr.Validation("resource %s does not expose capability %q", req.ResourceID, c)
		}
	}
	caps = dedupe(caps)

	var constraints Constraints
	if req.Constraints != nil {
		constraints = *req.Constraints
		if err := validateConstraints(constraints); err != nil {
			return nil, err
		}
	}

	user, err := s.identities.ResolveIdentity(ctx, grantee)
	if err != nil {
		return nil, fmt.Errorf("Grant: %w", err)
	}

	result := &GrantResult{ResourceID: req.ResourceID, Grantee: grantee, Capabilities: caps}
	if user == nil {
		if !strings.Contains(grantee, "@") {
			return nil, rpcerr.NotFound("no user %q; invite by email instead", grantee)
		}
		for _, c := range caps {
			if err := s.store.UpsertPending(ctx, &PendingGrant{
				ResourceID:   req.ResourceID,
				GranteeEmail: grantee,
				Capability:   c,
				Constraints:  constraints,
				GrantedBy:    req.CallerID,
			}); err != nil {
				return nil, fmt.Errorf("Grant: %w", err)
			}
		}
		s.invalidate(req.ResourceID)
		result.Pending = true
		return result, nil
	}

	if user.ID == info.OwnerID {
		return nil, rpcerr.Validation("the owner already has full access to %s", req.ResourceID)
	}
	for _, c := range caps {
		if err := s.store.UpsertGrant(ctx, &Grant{
			ResourceID:  req.ResourceID,
			GranteeID:   user.ID,
			Capability:  c,
			Constraints: constraints,
			GrantedBy:   req.CallerID,
		}); err != nil {
			return nil, fmt.Errorf("Grant: %w", err)
		}
	}
	s.invalidate(req.ResourceID)
	result.GranteeID = user.ID
	return result, nil
}

func validateConstraints(c Constraints) error {
	for _, entry := range c.AllowedIPs {
		if !validIPEntry(entry) {
			return rpcerr.Validation("invalid IP or CIDR %q", entry)
		}
	}
	if w := c.TimeWindow; w != nil {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			return rpcerr.Validation("time window hours must be within 0-24")
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return rpcerr.Validation("unknown timezone %q", w.Timezone)
			}
		}
	}
	if b := c.Budget; b != nil {
		if b.Limit <= 0 {
			return rpcerr.Validation("budget limit must be positive")
		}
		switch b.Period {
		case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		default:
			return rpcerr.Validation("budget period must be hour, day, week or month")
		}
	}
	return nil
}

// RevokeRequest removes grants. Empty Grantee means every grantee; nil
// Capabilities means every capability.
type RevokeRequest struct {
	CallerID     string
	ResourceID   string
	Grantee      string
	Capabilities []string
}

// RevokeResult reports how many rows were removed.
type RevokeResult struct {
	Removed        int64 `json:"removed"`
	PendingRemoved int64 `json:"pending_removed"`
}

// Revoke deletes the rows selected by the (grantee, capabilities) matrix.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error) {
	if _, err := s.ownedResource(ctx, req.ResourceID, req.CallerID); err != nil {
		return nil, err
	}
	caps := req.Capabilities
	if len(caps) == 0 {
		caps = nil
	}
	grantee := strings.TrimSpace(req.Grantee)

	res := &RevokeResult{}
	var err error
	switch {
	case grantee == "":
		if res.Removed, err = s.store.DeleteGrants(ctx, req.ResourceID, "", caps); err != nil {
			return nil, fmt.Errorf("Revoke: %w", err)
		}
		if res.PendingRemoved, err = s.store.DeletePending(ctx, req.ResourceID, "", caps); err != nil {
			return nil, fmt.Errorf("Revoke: %w", err)
		}
	default:
		user, err := s.identities.ResolveIdentity(ctx, grantee)
		if err != nil {
			return nil, fmt.Errorf("Revoke: %w", err)
		}
		if user != nil {
			if res.Removed, err = s.store.DeleteGrants(ctx, req.ResourceID, user.ID, caps); err != nil {
				return nil, fmt.Errorf("Revoke: %w", err)
			}
		} else if strings.Contains(grantee, "@") {
			if res.PendingRemoved, err = s.store.DeletePending(ctx, req.ResourceID, grantee, caps); err != nil {
				return nil, fmt.Errorf("Revoke: %w", err)
			}
		} else {
			return nil, rpcerr.NotFound("no user %q", grantee)
		}
	}

	s.invalidate(req.ResourceID)
	return res, nil
}

// ListEntry is one grantee with its capabilities.
type ListEntry struct {
	GranteeID    string            `json:"grantee_id,omitempty"`
	Email        string            `json:"email,omitempty"`
	Pending      bool              `json:"pending,omitempty"`
	Capabilities []CapabilityEntry `json:"capabilities"`
}

// CapabilityEntry is one granted capability. Constraints is nil when no
// constraint field is set.
type CapabilityEntry struct {
	Name        string       `json:"name"`
	Constraints *Constraints `json:"constraints,omitempty"`
	BudgetUsed  *int         `json:"budget_used,omitempty"`
}

// ListRequest filters a listing. Empty filters match everything.
type ListRequest struct {
	CallerID   string
	ResourceID string
	Grantee    string
	Capability string
}

// List groups grants by grantee, then appends pending grantees.
func (s *Service) List(ctx context.Context, req ListRequest) ([]ListEntry, error) {
	if _, err := s.ownedResource(ctx, req.ResourceID, req.CallerID); err != nil {
		return nil, err
	}

	granteeID, granteeEmail := "", ""
	if req.Grantee != "" {
		user, err := s.identities.ResolveIdentity(ctx, req.Grantee)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		if user != nil {
			granteeID, granteeEmail = user.ID, user.Email
		} else {
			granteeEmail = strings.ToLower(req.Grantee)
		}
	}

	rows, err := s.store.ListGrants(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}

	var out []ListEntry
	index := make(map[string]int)
	for _, g := range rows {
		if req.Grantee != "" && g.GranteeID != granteeID {
			continue
		}
		if req.Capability != "" && g.Capability != req.Capability {
			continue
		}
		i, ok := index[g.GranteeID]
		if !ok {
			entry := ListEntry{GranteeID: g.GranteeID}
			if user, err := s.identities.ResolveIdentity(ctx, g.GranteeID); err == nil && user != nil {
				entry.Email = user.Email
			}
			out = append(out, entry)
			i = len(out) - 1
			index[g.GranteeID] = i
		}
		out[i].Capabilities = append(out[i].Capabilities, capabilityEntry(g.Capability, g.Constraints, &g))
	}

	pending, err := s.store.ListPending(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	pindex := make(map[string]int)
	for _, p := range pending {
		if req.Grantee != "" && (granteeID != "" || p.GranteeEmail != granteeEmail) {
			continue
		}
		if req.Capability != "" && p.Capability != req.Capability {
			continue
		}
		i, ok := pindex[p.GranteeEmail]
		if !ok {
			out = append(out, ListEntry{Email: p.GranteeEmail, Pending: true})
			i = len(out) - 1
			pindex[p.GranteeEmail] = i
		}
		out[i].Capabilities = append(out[i].Capabilities, capabilityEntry(p.Capability, p.Constraints, nil))
	}
	return out, nil
}

func capabilityEntry(name string, c Constraints, g *Grant) CapabilityEntry {
	e := CapabilityEntry{Name: name}
	if !c.IsZero() {
		cp := c
		e.Constraints = &cp
	}
	if g != nil && c.Budget != nil {
		used := g.BudgetUsed
		e.BudgetUsed = &used
	}
	return e
}

// ExportRow is one flat grant record.
type ExportRow struct {
	ResourceID  string       `json:"resource_id"`
	GranteeID   string       `json:"grantee_id,omitempty"`
	Email       string       `json:"email,omitempty"`
	Capability  string       `json:"capability"`
	Status      string       `json:"status"` // "active" or "pending"
	Constraints *Constraints `json:"constraints,omitempty"`
	BudgetUsed  int          `json:"budget_used"`
	GrantedBy   string       `json:"granted_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Export returns every grant and pending grant of a resource as flat rows.
func (s *Service) Export(ctx context.Context, callerID, resourceID string) ([]ExportRow, error) {
	if _, err := s.ownedResource(ctx, resourceID, callerID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListGrants(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}
	pending, err := s.store.ListPending(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}

	out := make([]ExportRow, 0, len(rows)+len(pending))
	for _, g := range rows {
		e := capabilityEntry(g.Capability, g.Constraints, nil)
		out = append(out, ExportRow{
			ResourceID:  g.ResourceID,
			GranteeID:   g.GranteeID,
			Capability:  g.Capability,
			Status:      "active",
			Constraints: e.Constraints,
			BudgetUsed:  g.BudgetUsed,
			GrantedBy:   g.GrantedBy,
			CreatedAt:   g.CreatedAt,
		})
	}
	for _, p := range pending {
		e := capabilityEntry(p.Capability, p.Constraints, nil)
		out = append(out, ExportRow{
			ResourceID:  p.ResourceID,
			Email:       p.GranteeEmail,
			Capability:  p.Capability,
			Status:      "pending",
			Constraints: e.Constraints,
			GrantedBy:   p.GrantedBy,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out, nil
}

// ConvertPending turns pending grants for a newly registered email into
// real grants. Safe to call more than once.
func (s *Service) ConvertPending(ctx context.Context, email, userID string) (int, error) {
	if email == "" {
		return 0, nil
	}
	resources, err := s.store.ConvertPending(ctx, email, userID)
	if err != nil {
		return 0, fmt.Errorf("ConvertPending: %w", err)
	}
	for _, id := range resources {
		s.invalidate(id)
	}
	if len(resources) > 0 {
		s.logger.Info("converted pending grants",
			zap.String("user_id", userID),
			zap.Int("resources", len(resources)),
		)
	}
	return len(resources), nil
}

// AuthorizeRequest describes a call against someone else's resource.
type AuthorizeRequest struct {
	ResourceID string
	CallerID   string
	Capability string
	RemoteIP   string
	Args       map[string]any
}

// Authorize enforces the caller's grant for one call. Owners always pass.
// A budget constraint is consumed only after every other check passed.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) error {
	info, err := s.resources.ResourceInfo(ctx, req.ResourceID)
	if err != nil {
		return fmt.Errorf("Authorize: %w", err)
	}
	if info == nil {
		return rpcerr.NotFound("resource %s not found", req.ResourceID)
	}
	if info.OwnerID == req.CallerID {
		return nil
	}

	rows, err := s.grantsFor(ctx, req.ResourceID)
	if err != nil {
		return fmt.Errorf("Authorize: %w", err)
	}
	var grant *Grant
	for i := range rows {
		if rows[i].GranteeID == req.CallerID && rows[i].Capability == req.Capability {
			grant = &rows[i]
			break
		}
	}
	if grant == nil {
		return rpcerr.Forbidden("no grant for %s on %s", req.Capability, req.ResourceID)
	}

	call := &CallContext{RemoteIP: req.RemoteIP, Args: req.Args, Now: s.now()}
	for _, check := range s.checks {
		if reason := check.Evaluate(call, &grant.Constraints); reason != "" {
			return rpcerr.Forbidden("%s", reason).WithData(map[string]string{"constraint": check.Name()})
		}
	}

	if b := grant.Constraints.Budget; b != nil {
		ok, err := s.store.ConsumeBudget(ctx, req.ResourceID, req.CallerID, req.Capability, PeriodStart(b.Period, call.Now), b.Limit)
		if err != nil {
			return fmt.Errorf("Authorize: %w", err)
		}
		if !ok {
			return rpcerr.New(rpcerr.CodeQuotaExceeded, "grant budget of %d calls per %s exhausted", b.Limit, b.Period).
				WithData(map[string]string{"constraint": "budget"})
		}
	}
	return nil
}

// HasAnyGrant reports whether userID holds at least one grant on the resource.
func (s *Service) HasAnyGrant(ctx context.Context, resourceID, userID string) (bool, error) {
	rows, err := s.grantsFor(ctx, resourceID)
	if err != nil {
		return false, err
	}
	for _, g := range rows {
		if g.GranteeID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) grantsFor(ctx context.Context, resourceID string) ([]Grant, error) {
	cached := s.cache.Get(resourceID)
	if cached.Hit {
		if cached.NeedsRefresh {
			go s.refreshInBackground(resourceID, s.cache.Generation(resourceID))
		}
		return cached.Grants, nil
	}
	gen := s.cache.Generation(resourceID)
	rows, err := s.store.ListGrants(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(resourceID, gen, rows)
	return rows, nil
}

func (s *Service) refreshInBackground(resourceID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := s.store.ListGrants(ctx, resourceID)
	if err != nil {
		s.logger.Warn("background grant refresh failed",
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return
	}
	s.cache.Set(resourceID, gen, rows)
}

func validIPEntry(entry string) bool {
	return IPAllowed([]string{entry}, strings.SplitN(entry, "/", 2)[0])
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
