package janitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"muster/internal/event"
	"muster/internal/statestore"
	"muster/pkg/logx"
)

type fakeRepo struct {
	mu     sync.Mutex
	events map[int64]event.Event
	pruned int
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[id], nil
}

func (r *fakeRepo) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned++
	return 3, nil
}

func TestSweepPrunesAgedState(t *testing.T) {
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	now := time.Now()
	st := statestore.NewState()
	st.MarkSent("evt:1:channel:start", now.Add(-40*24*time.Hour)) // aged out
	st.MarkSent("evt:2:channel:start", now.Add(-time.Hour))       // fresh
	st.SetMessageRef(1, "start", statestore.MessageRef{ChatID: -1, MessageID: 5}) // vanished event
	st.SetMessageRef(2, "start", statestore.MessageRef{ChatID: -1, MessageID: 6}) // live event
	if err := store.Save(ctx, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	repo := &fakeRepo{events: map[int64]event.Event{
		2: {ID: 2, Status: event.StatusPending, OccursAt: now.Add(time.Hour)},
	}}
	j := New("@daily", 30*24*time.Hour, store, repo, logx.Nop())
	j.sweep(ctx)

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := got.SentAt("evt:1:channel:start"); ok {
		t.Fatal("aged mark survived the sweep")
	}
	if _, ok := got.SentAt("evt:2:channel:start"); !ok {
		t.Fatal("fresh mark was dropped")
	}
	if _, ok := got.MessageRef(1, "start"); ok {
		t.Fatal("ref for vanished event survived")
	}
	if _, ok := got.MessageRef(2, "start"); !ok {
		t.Fatal("ref for live event was dropped")
	}
	if repo.pruned != 1 {
		t.Fatalf("PruneFinished called %d times, want 1", repo.pruned)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	j := New("", 0, nil, nil, logx.Nop())
	if j.spec != "@daily" {
		t.Fatalf("spec = %q", j.spec)
	}
	if j.retention != 30*24*time.Hour {
		t.Fatalf("retention = %v", j.retention)
	}
}
