// Package grants implements per-resource permission grants, their optional
// constraints, and invitations for identities that have not registered yet.
package grants

import (
	"time"
)

// Grant is one (resource, grantee, capability) permission row.
type Grant struct {
	ResourceID  string
	GranteeID   string
	Capability  string
	Constraints Constraints
	GrantedBy   string
	// Budget counter, reset at period boundaries.
	BudgetUsed        int
	BudgetPeriodStart *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingGrant is a Grant addressed to an email nobody has registered with yet.
type PendingGrant struct {
	ResourceID   string
	GranteeEmail string
	Capability   string
	Constraints  Constraints
	GrantedBy    string
	CreatedAt    time.Time
}

// Constraints restrict a grant. Every field is optional; a nil field places
// no restriction.
type Constraints struct {
	AllowedIPs  []string         `json:"allowed_ips,omitempty"`
	TimeWindow  *TimeWindow      `json:"time_window,omitempty"`
	Budget      *Budget          `json:"budget,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	AllowedArgs map[string][]any `json:"allowed_args,omitempty"`
}

// IsZero reports whether no constraint field is set.
func (c Constraints) IsZero() bool {
	return c.AllowedIPs == nil && c.TimeWindow == nil && c.Budget == nil &&
		c.ExpiresAt == nil && c.AllowedArgs == nil
}

// TimeWindow allows calls between StartHour (inclusive) and EndHour
// (exclusive) in Timezone, on the listed weekdays (0 = Sunday). A window
// with StartHour > EndHour wraps past midnight. No days means every day.
type TimeWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
	Days      []int  `json:"days,omitempty"`
}

// Period is a budget reset period.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Budget caps calls per period.
type Budget struct {
	Limit  int    `json:"limit"`
	Period Period `json:"period"`
}

// MergeConstraints overlays patch onto existing field by field: fields set
// in patch replace, fields absent from patch are kept.
func MergeConstraints(existing, patch Constraints) Constraints {
	out := existing
	if patch.AllowedIPs != nil {
		out.AllowedIPs = patch.AllowedIPs
	}
	if patch.TimeWindow != nil {
		out.TimeWindow = patch.TimeWindow
	}
	if patch.Budget != nil {
		out.Budget = patch.Budget
	}
	if patch.ExpiresAt != nil {
		out.ExpiresAt = patch.ExpiresAt
	}
	if patch.AllowedArgs != nil {
		out.AllowedArgs = patch.AllowedArgs
	}
	return out
}

// PeriodStart returns the start of the budget period containing t, in UTC.
// Weeks start on Monday.
func PeriodStart(p Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}
