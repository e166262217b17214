package discovery

import (
	"context"
	"database/sql"
	"fmt"
)

// PopularityJob recomputes the homepage weight of every indexed resource
// from ratings, grant counts and recent calls.
type PopularityJob struct {
	db       *sql.DB
	schedule string
}

// DefaultPopularitySchedule refreshes every fifteen minutes.
const DefaultPopularitySchedule = "*/15 * * * *"

func NewPopularityJob(db *sql.DB, schedule string) *PopularityJob {
	if schedule == "" {
		schedule = DefaultPopularitySchedule
	}
	return &PopularityJob{db: db, schedule: schedule}
}

func (j *PopularityJob) Name() string     { return "discovery_popularity" }
func (j *PopularityJob) Schedule() string { return j.schedule }

func (j *PopularityJob) Run(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE discovery_index d SET
			popularity = COALESCE(rt.likes, 0) - 0.5 * COALESCE(rt.dislikes, 0)
			           + 0.2 * COALESCE(g.grantees, 0)
			           + ln(1 + COALESCE(c.calls, 0)),
			popularity_at = now()
		FROM discovery_index d2
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = d2.resource_id
		LEFT JOIN (
			SELECT resource_id, COUNT(DISTINCT grantee_id) AS grantees
			FROM grants GROUP BY resource_id
		) g ON g.resource_id = d2.resource_id
		LEFT JOIN (
			SELECT resource_id, SUM(calls) AS calls
			FROM resource_call_counts
			WHERE day > current_date - 30
			GROUP BY resource_id
		) c ON c.resource_id = d2.resource_id
		WHERE d.resource_id = d2.resource_id
	`)
	if err != nil {
		return fmt.Errorf("PopularityJob: %w", err)
	}
	return nil
}
