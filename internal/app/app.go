// Package app wires the daemon together: config, logging, storage, transport,
// and the supervised background tasks.
package app

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	_ "modernc.org/sqlite"

	"muster/internal/config"
	"muster/internal/event"
	"muster/internal/health"
	"muster/internal/janitor"
	"muster/internal/lifecycle"
	"muster/internal/prefs"
	"muster/internal/reminder"
	"muster/internal/runtime/supervisor"
	"muster/internal/statestore"
	"muster/internal/transport/telegram"
	"muster/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logCls io.Closer

	db    *sql.DB
	repo  *event.SQLiteRepo
	prefs *prefs.SQLiteStore
	store *statestore.Store

	adapter *telegram.Adapter
	sched   *lifecycle.Scheduler

	cfgCh chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logCls, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "./muster.db"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = logCls.Close()
		return nil, err
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)
	if err := event.EnsureSchema(db); err != nil {
		_ = db.Close()
		_ = logCls.Close()
		return nil, err
	}
	if err := prefs.EnsureSchema(db); err != nil {
		_ = db.Close()
		_ = logCls.Close()
		return nil, err
	}

	statePath := cfg.Store.Path
	if statePath == "" {
		statePath = "./muster_state.json"
	}
	lockTimeout, err := config.ParseDurationOrDefault("store.lock_timeout", cfg.Store.LockTimeout, 5*time.Second)
	if err != nil {
		_ = db.Close()
		_ = logCls.Close()
		return nil, err
	}
	store := statestore.New(statePath,
		statestore.WithLogger(log.With(logx.String("comp", "statestore"))),
		statestore.WithLockTimeout(lockTimeout))

	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		_ = db.Close()
		_ = logCls.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
		Timeout:    timeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = db.Close()
		_ = logCls.Close()
		return nil, err
	}

	repo := event.NewSQLiteRepo(db)
	prefStore := prefs.NewSQLiteStore(db)
	engine := reminder.NewEngine(store)
	disp := reminder.NewDispatcher(engine, adapter, prefStore,
		log.With(logx.String("comp", "dispatch")))

	sched := lifecycle.New(repo, disp, lifecycle.Config{
		PollInterval: cfg.PollInterval(),
		Grace:        cfg.Grace(),
		Location:     cfg.Location(),
	}, log.With(logx.String("comp", "lifecycle")))

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logCls:  logCls,
		db:      db,
		repo:    repo,
		prefs:   prefStore,
		store:   store,
		adapter: adapter,
		sched:   sched,
	}, nil
}

// Start registers every background task with the supervisor. Returns once
// everything is running; the caller waits on ctx.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	cfg := a.cfgm.Get()

	a.sup.Register("lifecycle", a.sched.Run)
	a.sup.Register("config.watch", a.cfgm.Watch)

	if cfg.Health.Enabled {
		hs := health.New(cfg.Health.Addr, a.sup, a.log.With(logx.String("comp", "health")))
		a.sup.Register("health", hs.Run)
	}

	retention, _ := config.ParseDurationOrDefault("janitor.retention", cfg.Janitor.Retention, 30*24*time.Hour)
	jan := janitor.New(cfg.Janitor.Spec, retention, a.store, a.repo,
		a.log.With(logx.String("comp", "janitor")))
	a.sup.Register("janitor", jan.Run)

	// Hot-reload: only the scheduler tunables apply live; token/storage
	// changes need a restart.
	a.cfgCh = a.cfgm.Subscribe(1)
	a.sup.Register("config.apply", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case next, ok := <-a.cfgCh:
				if !ok {
					return nil
				}
				a.sched.Apply(lifecycle.Config{
					PollInterval: next.PollInterval(),
					Grace:        next.Grace(),
					Location:     next.Location(),
				})
				a.log.Info("scheduler tunables applied",
					logx.Duration("poll_interval", next.PollInterval()),
					logx.Duration("grace", next.Grace()))
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("musterd started")
	return nil
}

// Stop shuts everything down: supervised tasks first, then storage and the
// log sink.
func (a *App) Stop(timeout time.Duration) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	var err error
	if a.sup != nil {
		err = a.sup.StopAll(timeout)
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	a.log.Info("musterd stopped")
	if a.logCls != nil {
		_ = a.logCls.Close()
	}
	return err
}
