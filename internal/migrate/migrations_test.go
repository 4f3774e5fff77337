package migrate_test

import (
	"context"
	"testing"

	"waveline/internal/db"
	"waveline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	for i := 0; i < 2; i++ {
		v, err := migrate.Migrate(ctx, conn)
		if err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
		if v != latest {
			t.Fatalf("run %d: version %d, want %d", i, v, latest)
		}
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,actor_id) VALUES ('2024-01-01T00:00:00Z','task.created','task','tester')`); err != nil {
		t.Fatalf("events table missing: %v", err)
	}
}
