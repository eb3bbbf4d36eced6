package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"muster/internal/telemetry"
	"muster/pkg/logx"
)

// Factory produces one run of a supervised task. It is invoked again on
// every restart, so it must be safe to call repeatedly.
type Factory func(ctx context.Context) error

// Supervisor runs named, restartable background tasks.
//   - A task that returns an error (or panics) is restarted with exponential
//     backoff: base 1s, doubling per consecutive crash, capped at 60s.
//   - A task that returns nil is treated as deliberate completion: no restart,
//     backoff reset to base.
//   - A task cancelled via Cancel or StopAll is never restarted.
//
// Task errors never propagate to the caller of Register; they only drive the
// restart bookkeeping visible through List.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration
	// A run at least this long resets backoff, so rare failures in a
	// long-lived loop don't accumulate into long restart delays.
	steadyRun time.Duration

	mu      sync.Mutex
	active  bool
	tasks   map[string]*task
	wg      sync.WaitGroup
	nowFunc func() time.Time
}

type task struct {
	name    string
	factory Factory
	cancel  context.CancelFunc

	running      bool
	cancelled    bool
	restartCount int
	lastError    string
	backoff      time.Duration
}

// TaskInfo is a point-in-time snapshot of one supervised task.
type TaskInfo struct {
	Name         string `json:"name"`
	Running      bool   `json:"running"`
	Cancelled    bool   `json:"cancelled"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithBackoff overrides the restart backoff window. Intended for tests.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.baseBackoff = base
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithSteadyRunReset overrides the run length that resets backoff.
func WithSteadyRunReset(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.steadyRun = d
		}
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:         ctx,
		cancel:      cancel,
		baseBackoff: time.Second,
		maxBackoff:  60 * time.Second,
		steadyRun:   30 * time.Second,
		active:      true,
		tasks:       map[string]*task{},
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxBackoff < s.baseBackoff {
		s.maxBackoff = s.baseBackoff
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Register starts a named task. If a task with the same name is already
// running this is a no-op; see RegisterReplace to swap the factory.
func (s *Supervisor) Register(name string, factory Factory) {
	s.RegisterReplace(name, factory, false)
}

// RegisterReplace starts a named task, cancelling any running task with the
// same name first when replace is true.
func (s *Supervisor) RegisterReplace(name string, factory Factory, replace bool) {
	if factory == nil {
		return
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.tasks[name]; ok && existing.running {
		if !replace {
			s.mu.Unlock()
			return
		}
		existing.cancelled = true
		if existing.cancel != nil {
			existing.cancel()
		}
	}

	t := &task{
		name:    name,
		factory: factory,
		running: true,
		backoff: s.baseBackoff,
	}
	runCtx, runCancel := context.WithCancel(s.ctx)
	t.cancel = runCancel
	s.tasks[name] = t
	s.wg.Add(1)
	s.mu.Unlock()

	if !s.log.IsZero() {
		s.log.Debug("task registered", logx.String("task", name))
	}
	go s.run(t, runCtx)
}

// Cancel requests cancellation of a named task. The task is not restarted.
// Returns false if no such task is running.
func (s *Supervisor) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || !t.running {
		return false
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// run hosts the restart loop for one task. It owns t's goroutine-side state;
// all mutation happens under s.mu.
func (s *Supervisor) run(t *task, ctx context.Context) {
	defer s.wg.Done()

	for {
		startedAt := s.nowFunc()
		err := s.invoke(t, ctx)

		s.mu.Lock()
		cancelled := t.cancelled || ctx.Err() != nil || !s.active

		if cancelled || errors.Is(err, context.Canceled) {
			t.running = false
			s.mu.Unlock()
			if !s.log.IsZero() {
				s.log.Debug("task cancelled", logx.String("task", t.name))
			}
			return
		}
		if err == nil {
			// Deliberate completion.
			t.running = false
			t.backoff = s.baseBackoff
			s.mu.Unlock()
			if !s.log.IsZero() {
				s.log.Debug("task completed", logx.String("task", t.name))
			}
			return
		}

		t.restartCount++
		t.lastError = err.Error()
		telemetry.SupervisorRestarts.Inc()
		if s.nowFunc().Sub(startedAt) >= s.steadyRun {
			t.backoff = s.baseBackoff
		}
		wait := t.backoff
		t.backoff *= 2
		if t.backoff > s.maxBackoff {
			t.backoff = s.maxBackoff
		}
		s.mu.Unlock()

		if !s.log.IsZero() {
			s.log.Warn("task crashed; restarting",
				logx.String("task", t.name),
				logx.Duration("backoff", wait),
				logx.Any("err", err))
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			t.running = false
			s.mu.Unlock()
			return
		case <-time.After(wait):
		}
	}
}

// invoke runs the factory once with panic containment. A panic is converted
// to an error carrying the panic value and stack so it lands in lastError.
func (s *Supervisor) invoke(t *task, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if !s.log.IsZero() {
				s.log.Error("task panicked",
					logx.String("task", t.name),
					logx.Any("panic", r),
					logx.Stack(stack))
			}
			err = fmt.Errorf("panic: %v\n%s", r, stack)
		}
	}()
	return t.factory(ctx)
}

// List returns a snapshot of every registered task, sorted by name.
func (s *Supervisor) List() []TaskInfo {
	s.mu.Lock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, TaskInfo{
			Name:         t.name,
			Running:      t.running,
			Cancelled:    t.cancelled,
			RestartCount: t.restartCount,
			LastError:    t.lastError,
		})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// StopAll marks the supervisor inactive (no further restarts or
// registrations), cancels every running task, and waits for completion up to
// timeout. Tasks still pending after timeout are abandoned and logged; they
// are never killed forcibly.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	s.active = false
	for _, t := range s.tasks {
		if t.running {
			t.cancelled = true
		}
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		var stragglers []string
		s.mu.Lock()
		for _, t := range s.tasks {
			if t.running {
				stragglers = append(stragglers, t.name)
			}
		}
		s.mu.Unlock()
		sort.Strings(stragglers)
		if !s.log.IsZero() {
			s.log.Warn("supervisor stop timed out; abandoning tasks",
				logx.Any("tasks", stragglers),
				logx.Duration("timeout", timeout))
		}
		return fmt.Errorf("supervisor stop timed out after %s (%d tasks abandoned)", timeout, len(stragglers))
	}
}
