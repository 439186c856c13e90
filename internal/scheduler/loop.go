package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"marketline/internal/config"
	"marketline/internal/obs"
)

const sweepKey = "reconcile"

// Loop runs the sweep on a ticker and on demand. Concurrent requests share a single
// in-flight sweep; opportunistic triggers after user actions are rate limited.
type Loop struct {
	Reconciler Reconciler
	Interval   time.Duration
	Now        func() time.Time
	Limiter    *rate.Limiter
	Logger     *slog.Logger

	group     singleflight.Group
	mu        sync.Mutex
	stopped   bool
	triggered sync.WaitGroup
}

func NewLoop(r Reconciler, cfg config.SchedulerConfig) *Loop {
	interval := cfg.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	perMinute := cfg.TriggerPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := cfg.TriggerBurst
	if burst <= 0 {
		burst = 1
	}
	return &Loop{
		Reconciler: r,
		Interval:   interval,
		Now:        time.Now,
		Limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		Logger:     obs.Component(r.Logger, "scheduler"),
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// RunOnce sweeps now. shared is true when the result came from a sweep another caller
// had already started.
func (l *Loop) RunOnce(ctx context.Context) (Report, bool) {
	v, _, shared := l.group.Do(sweepKey, func() (any, error) {
		return l.Reconciler.Run(ctx, l.now()), nil
	})
	return v.(Report), shared
}

// Trigger starts a background sweep unless the limiter refuses or Run has stopped. It
// never blocks. Run waits for triggered sweeps before it returns.
func (l *Loop) Trigger(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	if l.Limiter != nil && !l.Limiter.Allow() {
		return false
	}
	l.triggered.Add(1)
	go func() {
		defer l.triggered.Done()
		l.RunOnce(context.WithoutCancel(ctx))
	}()
	return true
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.triggered.Wait()
}

// Run sweeps immediately and then on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	log := l.logger()
	log.InfoContext(ctx, "reconciliation loop started", "interval", l.Interval)
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			l.stop()
			log.InfoContext(ctx, "reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
