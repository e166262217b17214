package schema

import (
	"regexp"
	"strings"
	"testing"
)

var createTable = regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`)

func tables(stmts []string) map[string]string {
	out := make(map[string]string)
	for _, s := range stmts {
		if m := createTable.FindStringSubmatch(s); m != nil {
			out[m[1]] = s
		}
	}
	return out
}

func TestPostgresTables(t *testing.T) {
	have := tables(postgresStatements)
	want := []string{
		"users", "api_keys", "blobs", "bundle_files", "resources", "resource_versions",
		"grants", "pending_grants", "documents", "content_shares", "key_shares", "share_links",
		"memory_entries", "user_secrets", "rate_limit_windows", "quota_buckets",
		"discovery_index", "item_ratings", "hidden_items", "resource_call_counts",
		"gaps", "shortcomings",
	}
	for _, name := range want {
		if _, ok := have[name]; !ok {
			t.Errorf("missing table %s", name)
		}
	}
	if len(have) != len(want) {
		t.Errorf("got %d tables, want %d", len(have), len(want))
	}
}

func TestPostgresStatementsAreIdempotent(t *testing.T) {
	for i, s := range postgresStatements {
		if !strings.Contains(s, "IF NOT EXISTS") {
			t.Errorf("statement %d is not idempotent: %s", i, s)
		}
	}
	if !strings.Contains(postgresStatements[0], "vector") {
		t.Error("the vector extension must be created before any vector column")
	}
}

func TestGapsBeforeShortcomings(t *testing.T) {
	gaps, shortcomings := -1, -1
	for i, s := range postgresStatements {
		switch m := createTable.FindStringSubmatch(s); {
		case m == nil:
		case m[1] == "gaps":
			gaps = i
		case m[1] == "shortcomings":
			shortcomings = i
		}
	}
	if gaps < 0 || shortcomings < 0 || gaps > shortcomings {
		t.Errorf("gaps at %d, shortcomings at %d", gaps, shortcomings)
	}
}

func TestClickHouseColumns(t *testing.T) {
	have := tables(clickhouseStatements)
	calls, ok := have["gateway_call_events"]
	if !ok {
		t.Fatal("missing gateway_call_events")
	}
	for _, col := range []string{"request_id", "capability", "quota_overage", "intent", "session_id", "source"} {
		if !strings.Contains(calls, col) {
			t.Errorf("gateway_call_events missing column %s", col)
		}
	}
	if _, ok := have["discovery_ranking_events"]; !ok {
		t.Error("missing discovery_ranking_events")
	}
}
