package prefs

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewSQLiteStore(db)
}

func TestNoRowsMeansAllAllowed(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetPreferences(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil preferences, got %+v", p)
	}
	if !p.Allows("start") {
		t.Fatal("nil preferences must allow everything")
	}
}

func TestSetOptOutPerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetOptOut(ctx, 42, "t-24h", true); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}
	p, err := s.GetPreferences(ctx, 42)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if p.Allows("t-24h") {
		t.Fatal("opted-out type still allowed")
	}
	if !p.Allows("start") {
		t.Fatal("unrelated type blocked")
	}

	// Opting back in clears the block.
	if err := s.SetOptOut(ctx, 42, "t-24h", false); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}
	p, err = s.GetPreferences(ctx, 42)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !p.Allows("t-24h") {
		t.Fatal("opt-in did not take effect")
	}
}

func TestSetOptOutAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetOptOutAll(ctx, 7, true); err != nil {
		t.Fatalf("SetOptOutAll: %v", err)
	}
	p, err := s.GetPreferences(ctx, 7)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if p.Allows("start") || p.Allows("t-1h") {
		t.Fatal("global opt-out not honored")
	}

	// Other recipients are unaffected.
	other, err := s.GetPreferences(ctx, 8)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !other.Allows("start") {
		t.Fatal("opt-out leaked to another recipient")
	}
}
