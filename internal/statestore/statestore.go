// Package statestore persists the scheduler's durable bookkeeping: message
// references for posted announcements and "reminder sent" timestamps.
//
// The backing file is the only resource shared across process boundaries
// (e.g. a command-issuing process and the scheduler daemon), so every
// Load/Save serializes through an exclusive lock file, and every Save
// rewrites the document wholesale via temp-file + rename so readers never
// observe a partially-written state.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"muster/pkg/logx"
)

// MessageRef points at a message previously posted by the dispatcher.
// It is opaque to the store; the transport layer interprets it.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

// State is the full persisted document. Both maps are rewritten wholesale on
// every Save; there are no partial patches.
type State struct {
	// MessageRefs maps entity ID -> ref kind -> message pointer.
	MessageRefs map[string]map[string]MessageRef `json:"message_refs"`
	// ReminderSent maps reminder key -> UTC send timestamp.
	ReminderSent map[string]time.Time `json:"reminder_sent"`
}

func NewState() *State {
	return &State{
		MessageRefs:  map[string]map[string]MessageRef{},
		ReminderSent: map[string]time.Time{},
	}
}

// SentAt returns the recorded send time for key, if any.
func (st *State) SentAt(key string) (time.Time, bool) {
	t, ok := st.ReminderSent[key]
	return t, ok
}

// MarkSent records the send time for key, normalized to UTC.
func (st *State) MarkSent(key string, sentAt time.Time) {
	if st.ReminderSent == nil {
		st.ReminderSent = map[string]time.Time{}
	}
	st.ReminderSent[key] = sentAt.UTC()
}

// SetMessageRef records the message pointer for (entityID, refKind).
func (st *State) SetMessageRef(entityID int64, refKind string, ref MessageRef) {
	if st.MessageRefs == nil {
		st.MessageRefs = map[string]map[string]MessageRef{}
	}
	id := strconv.FormatInt(entityID, 10)
	refs := st.MessageRefs[id]
	if refs == nil {
		refs = map[string]MessageRef{}
		st.MessageRefs[id] = refs
	}
	refs[refKind] = ref
}

// MessageRef returns the recorded pointer for (entityID, refKind), if any.
func (st *State) MessageRef(entityID int64, refKind string) (MessageRef, bool) {
	refs, ok := st.MessageRefs[strconv.FormatInt(entityID, 10)]
	if !ok {
		return MessageRef{}, false
	}
	ref, ok := refs[refKind]
	return ref, ok
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithLockTimeout bounds how long Load/Save wait for the exclusive lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Store reads and writes State at a fixed path.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         logx.Logger

	// mu serializes in-process callers; the lock file serializes processes.
	mu sync.Mutex
}

func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing file yields an empty state; a
// malformed file is logged and also yields an empty state, so a corrupt
// document can never crash a caller.
func (s *Store) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.loadLocked(), nil
}

func (s *Store) loadLocked() *State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && !s.log.IsZero() {
			s.log.Warn("state file unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return NewState()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		if !s.log.IsZero() {
			s.log.Warn("state file malformed; starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return NewState()
	}
	if st.MessageRefs == nil {
		st.MessageRefs = map[string]map[string]MessageRef{}
	}
	if st.ReminderSent == nil {
		st.ReminderSent = map[string]time.Time{}
	}
	return &st
}

// Save atomically replaces the persisted state: the full document is built in
// memory, written to a temp file, flushed, and renamed over the destination.
// A crash mid-write leaves the previous valid file intact.
func (s *Store) Save(ctx context.Context, st *State) error {
	if st == nil {
		return errors.New("statestore: nil state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.saveLocked(st)
}

func (s *Store) saveLocked(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Update runs fn against the current state and saves the result under a
// single lock acquisition. fn returning false skips the save.
func (s *Store) Update(ctx context.Context, fn func(st *State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	st := s.loadLocked()
	if !fn(st) {
		return nil
	}
	return s.saveLocked(st)
}
