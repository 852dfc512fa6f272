package migrate_test

import (
	"context"
	"testing"

	"kept/internal/db"
	"kept/internal/migrate"
)

func TestMigrateAppliesOnceAndReportsNames(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 || applied[0] != "0001_init.sql" {
		t.Fatalf("expected 0001_init.sql to be applied first, got %v", applied)
	}

	// re-running against an up-to-date schema is a no-op
	again, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no migrations on re-run, got %v", again)
	}

	var version int
	if err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("expected schema_version >= 1, got %d", version)
	}

	// the migrated schema is usable
	var count int
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM commitments`).Scan(&count); err != nil {
		t.Fatalf("query commitments: %v", err)
	}
}

func TestLoadOrdersByVersion(t *testing.T) {
	migrations, err := migrate.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %v", migrations)
		}
	}
}
