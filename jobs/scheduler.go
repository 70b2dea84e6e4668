package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Locker grants a named lock for ttl. The returned func releases it. A lock
// held elsewhere returns ErrSchedulerLocked.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// LocalLocker is a process-local Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.held[key]; ok && until.After(now) {
		return nil, ErrSchedulerLocked
	}
	until := now.Add(ttl)
	l.held[key] = until

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key].Equal(until) {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

// Task is a scheduled trigger. It usually enqueues jobs.
type Task func(ctx context.Context) error

// Scheduler fires tasks on cron specs. With a Locker, each firing is taken
// by at most one scheduler across processes.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	logger  *slog.Logger
	lockTTL time.Duration

	mu  sync.Mutex
	ctx context.Context
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithLocker(l Locker) SchedulerOption { return func(s *Scheduler) { s.locker = l } }

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithLockTTL bounds how long one firing holds its lock (default 1m).
func WithLockTTL(d time.Duration) SchedulerOption { return func(s *Scheduler) { s.lockTTL = d } }

// NewScheduler creates a scheduler evaluating specs in UTC.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default(),
		lockTTL: time.Minute,
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Add registers task under name on a standard five-field spec or a
// descriptor such as "@every 1m".
func (s *Scheduler) Add(name, spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() { s.fire(name, task) })
	if err != nil {
		return fmt.Errorf("jobs: schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Start begins firing. Tasks receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("jobs: scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts firing and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Fire runs a task once now, under the same locking as a scheduled firing.
func (s *Scheduler) Fire(name string, task Task) {
	s.fire(name, task)
}

func (s *Scheduler) fire(name string, task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "cron:"+name, s.lockTTL)
		if err != nil {
			if !errors.Is(err, ErrSchedulerLocked) {
				s.logger.Warn("jobs: schedule lock failed", "task", name, "error", err)
			}
			return
		}
		defer release()
	}

	if err := task(ctx); err != nil {
		s.logger.Error("jobs: scheduled task failed", "task", name, "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
