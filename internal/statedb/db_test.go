package statedb

import "testing"

func TestOpenRunsMigrations(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	tables := []string{"users", "auth_sessions", "novels", "pipeline_jobs"}
	for _, tbl := range tables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %q to exist: %v", tbl, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	if _, err := Open(":memory:"); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := Open(":memory:"); err != nil {
		t.Fatalf("second open failed: %v", err)
	}
}
