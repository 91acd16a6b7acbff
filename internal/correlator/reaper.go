package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pushgate_reaped_decisions_total",
	Help: "Stale pending decisions removed by the reaper sweep.",
})

// Reaper periodically removes decisions nobody cleared: flows whose prompt
// never went out, or whose authenticate call never arrived.
type Reaper struct {
	c        *Correlator
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper removing decisions older than maxAge every interval.
func NewReaper(c *Correlator, interval, maxAge time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		c:        c,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// Start launches the sweep loop. It is a no-op if already running.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)

	r.logger.Info("reaper started",
		slog.String("interval", r.interval.String()),
		slog.String("max_age", r.maxAge.String()))
}

// Stop ends the sweep loop and waits for it.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("reaper stopped")
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.RunOnce(now)
		}
	}
}

// RunOnce removes every decision created more than maxAge before now and
// returns how many were removed.
func (r *Reaper) RunOnce(now time.Time) int {
	n := 0
	for _, t := range r.c.expired(now.Add(-r.maxAge)) {
		if r.c.remove(t) {
			n++
		}
	}
	if n > 0 {
		reapedTotal.Add(float64(n))
		r.logger.Info("stale decisions reaped", slog.Int("count", n))
	}
	return n
}
