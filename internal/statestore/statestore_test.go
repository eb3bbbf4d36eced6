package statestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"), opts...)
}

func TestLoadMissingFileYieldsEmptyState(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.MessageRefs) != 0 || len(st.ReminderSent) != 0 {
		t.Fatal("expected empty state")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := NewState()
	sent := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	st.MarkSent("evt:7:channel:start", sent)
	st.SetMessageRef(7, "start", MessageRef{ChatID: -100123, ThreadID: 4, MessageID: 99})

	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	at, ok := got.SentAt("evt:7:channel:start")
	if !ok || !at.Equal(sent) {
		t.Fatalf("SentAt = %v, %v; want %v, true", at, ok, sent)
	}
	ref, ok := got.MessageRef(7, "start")
	if !ok || ref.MessageID != 99 || ref.ChatID != -100123 || ref.ThreadID != 4 {
		t.Fatalf("MessageRef = %+v, %v", ref, ok)
	}
	if _, ok := got.SentAt("evt:7:channel:t-24h"); ok {
		t.Fatal("unexpected mark for a key never written")
	}
}

func TestMarkSentNormalizesToUTC(t *testing.T) {
	st := NewState()
	local := time.Date(2026, 8, 30, 13, 0, 0, 0, time.FixedZone("X", -5*3600))
	st.MarkSent("k", local)
	got, _ := st.SentAt("k")
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", got.Location())
	}
	if !got.Equal(local) {
		t.Fatalf("UTC conversion changed the instant: %v vs %v", got, local)
	}
}

func TestLoadMalformedFileYieldsEmptyState(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.ReminderSent) != 0 {
		t.Fatal("expected empty state from malformed file")
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(context.Background(), NewState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	if _, err := os.Stat(s.Path() + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file left behind: %v", err)
	}
}

func TestUpdateSkipsSaveWhenUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(st *State) bool { return false })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("Update wrote a file despite fn returning false")
	}

	err = s.Update(ctx, func(st *State) bool {
		st.MarkSent("k", time.Now())
		return true
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("Update did not persist: %v", err)
	}
}

func TestLockTimeoutReportsHolder(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(150*time.Millisecond))

	// Simulate another live process holding the lock. Our own PID is alive,
	// so the stale-break path must not fire.
	if err := os.WriteFile(s.lockPath, []byte("  "+strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load(context.Background())
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if !IsLockTimeout(err) {
		t.Fatalf("expected LockTimeoutError, got %T: %v", err, err)
	}
	var lte *LockTimeoutError
	if !errors.As(err, &lte) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if lte.HolderPID != os.Getpid() {
		t.Fatalf("HolderPID = %d, want %d", lte.HolderPID, os.Getpid())
	}
	if lte.Path != s.lockPath {
		t.Fatalf("Path = %q, want %q", lte.Path, s.lockPath)
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(time.Second))

	// A PID that cannot exist on Linux (max is < 2^22 by default).
	if err := os.WriteFile(s.lockPath, []byte("99999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load should break the stale lock, got %v", err)
	}
}

func TestLockRespectsContextCancel(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(5*time.Second))
	if err := os.WriteFile(s.lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Load(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Load ignored context cancellation, took %v", elapsed)
	}
}
