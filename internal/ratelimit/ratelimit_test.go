package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Policies{Default: Policy{Limit: 2, Window: time.Minute}})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "u1", "capabilities/invoke")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d should be allowed: %+v %v", i, d, err)
		}
	}

	d, _ := l.Allow(ctx, "u1", "capabilities/invoke")
	if d.Allowed {
		t.Fatal("third call within the window should be limited")
	}
	if !d.ResetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected reset at %v, got %v", now.Add(time.Minute), d.ResetAt)
	}

	// Other methods and other identities have their own buckets.
	if d, _ := l.Allow(ctx, "u1", "capabilities/list"); !d.Allowed {
		t.Error("different method should have its own bucket")
	}
	if d, _ := l.Allow(ctx, "u2", "capabilities/invoke"); !d.Allowed {
		t.Error("different identity should have its own bucket")
	}

	now = now.Add(61 * time.Second)
	if d, _ := l.Allow(ctx, "u1", "capabilities/invoke"); !d.Allowed {
		t.Error("call after the window should be allowed")
	}
}

func TestMemoryLimiter_PerMethodPolicy(t *testing.T) {
	l := NewMemoryLimiter(Policies{
		Default:  Policy{Limit: 100, Window: time.Minute},
		ByMethod: map[string]Policy{"initialize": {Limit: 1, Window: time.Minute}},
	})
	ctx := context.Background()
	l.Allow(ctx, "u1", "initialize")
	if d, _ := l.Allow(ctx, "u1", "initialize"); d.Allowed {
		t.Error("initialize should be limited to one call")
	}
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(Policies{Default: Policy{Limit: 5, Window: time.Second}})
	l.now = func() time.Time { return now }
	l.Allow(context.Background(), "u1", "m")

	now = now.Add(2 * time.Second)
	l.Sweep()
	if len(l.buckets) != 0 {
		t.Errorf("expected idle bucket to be swept, have %d", len(l.buckets))
	}
}

func TestWeightedDecision(t *testing.T) {
	pol := Policy{Limit: 10, Window: time.Minute}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	half := start.Add(30 * time.Second)

	// Halfway through the window, half of the previous window still counts.
	d := weightedDecision(pol, half, start, 5, 10)
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("5 + 10*0.5 = 10 should be allowed with 0 remaining, got %+v", d)
	}

	d = weightedDecision(pol, half, start, 6, 10)
	if d.Allowed {
		t.Error("6 + 10*0.5 = 11 should be limited")
	}
	if !d.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("unexpected reset %v", d.ResetAt)
	}

	// At the very end of the window the previous one no longer counts.
	d = weightedDecision(pol, start.Add(time.Minute-time.Nanosecond), start, 10, 100)
	if !d.Allowed {
		t.Error("previous window should carry no weight at the window's end")
	}
}

func TestQuota_HardTierRejects(t *testing.T) {
	q := NewQuota(NewMemoryQuotaStore(), map[string]TierQuota{"free": {Limit: 2, Hard: true}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := q.Check(ctx, "u1", "free")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d should be allowed: %+v %v", i, d, err)
		}
	}
	d, _ := q.Check(ctx, "u1", "free")
	if d.Allowed {
		t.Error("hard tier should reject over-quota calls")
	}
	if d.Used != 3 || d.Limit != 2 {
		t.Errorf("unexpected usage %+v", d)
	}
}

func TestQuota_SoftTierFlagsOverage(t *testing.T) {
	q := NewQuota(NewMemoryQuotaStore(), map[string]TierQuota{"pro": {Limit: 1, Hard: false}})
	ctx := context.Background()

	d, _ := q.Check(ctx, "u1", "pro")
	if !d.Allowed || d.Overage {
		t.Fatalf("first call should be within quota: %+v", d)
	}
	d, _ = q.Check(ctx, "u1", "pro")
	if !d.Allowed || !d.Overage {
		t.Errorf("soft tier should allow and flag overage: %+v", d)
	}
}

func TestQuota_UnknownTierUsesFree(t *testing.T) {
	q := NewQuota(NewMemoryQuotaStore(), map[string]TierQuota{"free": {Limit: 1, Hard: true}})
	ctx := context.Background()
	q.Check(ctx, "u1", "mystery")
	if d, _ := q.Check(ctx, "u1", "mystery"); d.Allowed {
		t.Error("unknown tier should fall back to the free quota")
	}
}

func TestMemoryQuotaStore_RollingWindow(t *testing.T) {
	s := NewMemoryQuotaStore()
	ctx := context.Background()
	day0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s.Increment(ctx, "u1", day0)
	s.Increment(ctx, "u1", day0.Add(3*24*time.Hour))
	total, _ := s.Increment(ctx, "u1", day0.Add(6*24*time.Hour))
	if total != 3 {
		t.Errorf("expected 3 calls inside the week, got %d", total)
	}

	total, _ = s.Increment(ctx, "u1", day0.Add(7*24*time.Hour))
	if total != 3 {
		t.Errorf("day0 should have rolled out of the window, got %d", total)
	}
}

func TestMaintenanceJob_SweepsMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter(Policies{Default: Policy{Limit: 5, Window: time.Minute}})
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow(context.Background(), "u1", "ping") //nolint:errcheck

	job := NewMaintenanceJob(l, "")
	if job.Schedule() != DefaultMaintenanceSchedule {
		t.Errorf("Schedule() = %q", job.Schedule())
	}

	l.now = func() time.Time { return now.Add(2 * time.Minute) }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := len(l.buckets); n != 0 {
		t.Errorf("buckets after maintenance = %d, want 0", n)
	}
}
