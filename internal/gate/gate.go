// Package gate throttles outbound prompt traffic to a fixed number of sends per
// window. The window is fixed (counter reset by a ticker), not sliding: a burst
// of up to 2*cap can straddle a boundary, steady state stays at cap per window.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_gate_admitted_total",
		Help: "Outbound sends admitted by the admission gate.",
	})
	heldTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_gate_held_total",
		Help: "Acquire calls that had to wait for the next window.",
	})
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("gate: closed")

// Gate is a fixed-window counter shared by every outbound sender.
type Gate struct {
	limit  int
	window time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	count  int
	next   chan struct{} // closed at the end of the current window
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// New creates a gate admitting limit acquisitions per window and starts the
// reset ticker. Call Close to stop it.
func New(limit int, window time.Duration, logger *slog.Logger) *Gate {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	g := &Gate{
		limit:  limit,
		window: window,
		logger: logger.With(slog.String("component", "gate")),
		next:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *Gate) run() {
	defer close(g.done)
	ticker := time.NewTicker(g.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.reset()
		case <-g.stop:
			return
		}
	}
}

func (g *Gate) reset() {
	g.mu.Lock()
	g.count = 0
	close(g.next)
	g.next = make(chan struct{})
	g.mu.Unlock()
}

// Acquire blocks until the current window has a free slot, then takes it.
func (g *Gate) Acquire(ctx context.Context) error {
	held := false
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return ErrClosed
		}
		if g.count < g.limit {
			g.count++
			g.mu.Unlock()
			admittedTotal.Inc()
			return nil
		}
		wait := g.next
		count := g.count
		g.mu.Unlock()

		if !held {
			held = true
			heldTotal.Inc()
			g.logger.Info("message hold", slog.Int("count", count), slog.Int("limit", g.limit))
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Count returns the number of slots taken in the current window.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Close stops the reset ticker and releases waiters with ErrClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.next)
	g.next = make(chan struct{})
	g.mu.Unlock()

	close(g.stop)
	<-g.done
}
