// Package janitor runs scheduled maintenance for the gateway.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PairingCleaner purges expired pairing state. Implemented by security.Manager.
type PairingCleaner interface {
	CleanupExpired(ctx context.Context) (deleted, cleared int64, err error)
}

// SessionSweeper ends sessions idle for longer than ttl. Implemented by
// sessions.Manager.
type SessionSweeper interface {
	EndIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// Config configures a Janitor.
type Config struct {
	Pairing  PairingCleaner
	Sessions SessionSweeper

	PairingSchedule string
	SessionSchedule string
	SessionIdleTTL  time.Duration

	// JobTimeout bounds a single run. Defaults to one minute.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Janitor owns the maintenance cron.
type Janitor struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	lastRuns map[string]time.Time
}

// New validates the schedules and registers the jobs. Nothing runs until Start.
func New(cfg Config) (*Janitor, error) {
	if cfg.Pairing == nil && cfg.Sessions == nil {
		return nil, errors.New("janitor: nothing to maintain")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 24 * time.Hour
	}

	logger := cfg.Logger.With("component", "janitor")
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		lastRuns: map[string]time.Time{},
	}
	cl := cronLogger{logger}
	j.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.Pairing != nil {
		if err := j.schedule("pairing_cleanup", cfg.PairingSchedule, j.cleanupPairing); err != nil {
			cancel()
			return nil, err
		}
	}
	if cfg.Sessions != nil {
		if err := j.schedule("session_sweep", cfg.SessionSchedule, j.sweepSessions); err != nil {
			cancel()
			return nil, err
		}
	}
	return j, nil
}

func (j *Janitor) schedule(name, spec string, job func(context.Context) error) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("janitor: %s schedule is required", name)
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("janitor: invalid %s schedule %q: %w", name, spec, err)
	}
	j.cron.Schedule(schedule, cron.FuncJob(func() { j.run(name, job) }))
	return nil
}

// Start begins running jobs on their schedules.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.cron.Start()
	j.logger.Info("janitor started", "pairing_cleanup", j.cfg.PairingSchedule, "session_sweep", j.cfg.SessionSchedule)
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	j.cancel()
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job immediately.
func (j *Janitor) RunOnce(ctx context.Context) error {
	var errs []error
	if j.cfg.Pairing != nil {
		errs = append(errs, j.cleanupPairing(ctx))
	}
	if j.cfg.Sessions != nil {
		errs = append(errs, j.sweepSessions(ctx))
	}
	return errors.Join(errs...)
}

// LastRun reports when job last completed successfully.
func (j *Janitor) LastRun(job string) (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.lastRuns[job]
	return t, ok
}

func (j *Janitor) run(name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(j.ctx, j.cfg.JobTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		j.logger.Error("janitor job failed", "job", name, "error", err)
	}
}

func (j *Janitor) cleanupPairing(ctx context.Context) error {
	deleted, cleared, err := j.cfg.Pairing.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("pairing cleanup: %w", err)
	}
	j.markRun("pairing_cleanup")
	if deleted > 0 || cleared > 0 {
		j.logger.Info("expired pairing codes purged", "placeholders_deleted", deleted, "codes_cleared", cleared)
	}
	return nil
}

func (j *Janitor) sweepSessions(ctx context.Context) error {
	ended, err := j.cfg.Sessions.EndIdle(ctx, j.cfg.SessionIdleTTL)
	if err != nil {
		return fmt.Errorf("session sweep: %w", err)
	}
	j.markRun("session_sweep")
	if ended > 0 {
		j.logger.Info("idle sessions ended", "count", ended, "idle_ttl", j.cfg.SessionIdleTTL)
	}
	return nil
}

func (j *Janitor) markRun(job string) {
	j.mu.Lock()
	j.lastRuns[job] = time.Now()
	j.mu.Unlock()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
