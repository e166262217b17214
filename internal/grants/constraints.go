package grants

import (
	"fmt"
	"net/netip"
	"reflect"
	"slices"
	"strings"
	"time"
)

// CallContext is what a constraint check sees about a call.
type CallContext struct {
	RemoteIP string
	Args     map[string]any
	Now      time.Time
}

// Check is one constraint check. Evaluate returns "" when the call passes
// and a human-readable reason when it violates the constraint.
type Check interface {
	Name() string
	Evaluate(call *CallContext, c *Constraints) string
}

// DefaultChecks are the stateless checks, in evaluation order. Budgets are
// enforced separately because they mutate a counter.
func DefaultChecks() []Check {
	return []Check{
		expiryCheck{},
		ipCheck{},
		timeWindowCheck{},
		argsCheck{},
	}
}

type expiryCheck struct{}

func (expiryCheck) Name() string { return "expiry" }

func (expiryCheck) Evaluate(call *CallContext, c *Constraints) string {
	if c.ExpiresAt == nil {
		return ""
	}
	if !call.Now.Before(*c.ExpiresAt) {
		return fmt.Sprintf("grant expired at %s", c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return ""
}

type ipCheck struct{}

func (ipCheck) Name() string { return "ip_allowlist" }

func (ipCheck) Evaluate(call *CallContext, c *Constraints) string {
	if c.AllowedIPs == nil {
		return ""
	}
	if IPAllowed(c.AllowedIPs, call.RemoteIP) {
		return ""
	}
	return fmt.Sprintf("caller address %s is not in the allowlist", call.RemoteIP)
}

// IPAllowed reports whether ip matches any entry, each a bare address or a CIDR.
func IPAllowed(allowlist []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

type timeWindowCheck struct{}

func (timeWindowCheck) Name() string { return "time_window" }

func (timeWindowCheck) Evaluate(call *CallContext, c *Constraints) string {
	w := c.TimeWindow
	if w == nil {
		return ""
	}
	loc := time.UTC
	if w.Timezone != "" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return fmt.Sprintf("time window has unknown timezone %q", w.Timezone)
		}
		loc = l
	}
	if !InWindow(*w, call.Now.In(loc)) {
		return fmt.Sprintf("outside allowed hours %02d:00-%02d:00 %s", w.StartHour, w.EndHour, loc)
	}
	return ""
}

// InWindow reports whether local falls inside w. local must already be in
// the window's timezone.
func InWindow(w TimeWindow, local time.Time) bool {
	if len(w.Days) > 0 && !slices.Contains(w.Days, int(local.Weekday())) {
		return false
	}
	h := local.Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

type argsCheck struct{}

func (argsCheck) Name() string { return "allowed_args" }

// Only parameters named in the allowlist are restricted.
func (argsCheck) Evaluate(call *CallContext, c *Constraints) string {
	for param, allowed := range c.AllowedArgs {
		val, ok := call.Args[param]
		if !ok {
			continue
		}
		if !valueAllowed(allowed, val) {
			return fmt.Sprintf("value %v is not allowed for parameter %q", val, param)
		}
	}
	return ""
}

func valueAllowed(allowed []any, val any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(normalize(a), normalize(val)) {
			return true
		}
	}
	return false
}

// normalize folds numeric types so 3 and 3.0 compare equal.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}
