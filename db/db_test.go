package db_test

import (
	"context"
	"testing"

	"github.com/onnwee/capture-tender/db"
	"github.com/onnwee/capture-tender/testutil"
)

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("repeated migrate: %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	v, err := db.GetKV(ctx, database, "test_missing_key")
	if err != nil || v != "" {
		t.Fatalf("GetKV missing = %q, %v; want empty", v, err)
	}

	if err := db.SetKV(ctx, database, "test_key", "one"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := db.SetKV(ctx, database, "test_key", "two"); err != nil {
		t.Fatalf("SetKV upsert: %v", err)
	}
	v, err = db.GetKV(ctx, database, "test_key")
	if err != nil || v != "two" {
		t.Fatalf("GetKV = %q, %v; want two", v, err)
	}
}
