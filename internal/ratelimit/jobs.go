package ratelimit

import (
	"context"
	"fmt"
)

// DefaultMaintenanceSchedule runs limiter cleanup every five minutes.
const DefaultMaintenanceSchedule = "*/5 * * * *"

// MaintenanceJob drops expired limiter state: stale in-memory buckets or
// old Postgres windows.
type MaintenanceJob struct {
	limiter  Limiter
	schedule string
	// Pruned reports how many Postgres windows a run deleted.
	Pruned func(n int64)
}

func NewMaintenanceJob(limiter Limiter, schedule string) *MaintenanceJob {
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}
	return &MaintenanceJob{limiter: limiter, schedule: schedule}
}

func (j *MaintenanceJob) Name() string     { return "ratelimit_maintenance" }
func (j *MaintenanceJob) Schedule() string { return j.schedule }

func (j *MaintenanceJob) Run(ctx context.Context) error {
	switch l := j.limiter.(type) {
	case *MemoryLimiter:
		l.Sweep()
	case *PostgresLimiter:
		n, err := l.Prune(ctx)
		if err != nil {
			return fmt.Errorf("MaintenanceJob: %w", err)
		}
		if j.Pruned != nil {
			j.Pruned(n)
		}
	}
	return nil
}
