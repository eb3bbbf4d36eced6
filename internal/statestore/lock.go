package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"muster/pkg/logx"
)

// LockTimeoutError reports that the exclusive state-file lock could not be
// acquired within the configured bound. HolderPID is best-effort (0 when the
// lock file could not be read or parsed).
type LockTimeoutError struct {
	Path      string
	HolderPID int
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("statestore: lock %s not acquired within %s (held by pid %d)", e.Path, e.Timeout, e.HolderPID)
	}
	return fmt.Sprintf("statestore: lock %s not acquired within %s", e.Path, e.Timeout)
}

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	var lte *LockTimeoutError
	return errors.As(err, &lte)
}

const lockRetryInterval = 50 * time.Millisecond

// acquireLock takes the cross-process lock file, retrying until the store's
// lock timeout elapses. The lock file holds the owner's PID so a timeout can
// name the holder, and so a lock left behind by a dead process can be broken.
func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(s.lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("statestore: create lock %s: %w", s.lockPath, err)
		}

		holder := s.readHolderPID()
		if holder > 0 && !pidAlive(holder) {
			if !s.log.IsZero() {
				s.log.Warn("breaking stale state lock", logx.String("path", s.lockPath), logx.Int("pid", holder))
			}
			_ = os.Remove(s.lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: s.lockPath, HolderPID: holder, Timeout: s.lockTimeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *Store) readHolderPID() int {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// pidAlive probes a process with signal 0. Errs on the side of "alive" so we
// never break a lock we can't prove stale.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
