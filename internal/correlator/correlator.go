// Package correlator joins the two halves of an approval flow: authorize opens a
// pending decision for an identity, the messaging side deposits a verdict, and
// authenticate waits for it with a bounded wait.
//
// Per identity the lifecycle is NoEntry -> Pending -> Approved|Rejected -> NoEntry.
// Every entry carries a flow id so that delayed clears and follow-ups only ever
// touch the lifecycle they were created for.
package correlator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushgate_pending_decisions",
		Help: "Pending decisions currently held by the correlator.",
	})
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_await_outcomes_total",
		Help: "Results of authenticate waits by outcome.",
	}, []string{"outcome"})
	suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_prompts_suppressed_total",
		Help: "Authorize calls suppressed by an active cooldown.",
	})
)

// State of a pending decision.
type State int

const (
	Pending State = iota
	Approved
	Rejected
)

func (s State) String() string {
	switch s {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Outcome of AwaitVerdict.
type Outcome int

const (
	OutcomeApproved Outcome = iota + 1
	OutcomeRejected
	OutcomeTimedOut
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Ticket identifies one lifecycle of a pending decision.
type Ticket struct {
	Identity string
	Flow     string
}

// Canceler is the handle of a scheduled follow-up task.
type Canceler interface {
	Cancel()
}

type decision struct {
	flow      string
	state     State
	createdAt time.Time
	followUp  Canceler
}

type cooldown struct {
	flow string
	at   time.Time
}

// Correlator owns the per-identity pending decisions and cooldown records.
type Correlator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	pending   map[string]*decision
	cooldowns *expirable.LRU[string, cooldown]
	// changed is closed and replaced on every mutation; waiters select on it.
	changed chan struct{}
}

// New creates a correlator whose cooldown records live for timeout.
// maxCooldowns bounds the number of cooldown records kept (0 = unbounded).
func New(timeout time.Duration, maxCooldowns int, logger *slog.Logger) *Correlator {
	return &Correlator{
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "correlator")),
		pending:   make(map[string]*decision),
		cooldowns: expirable.NewLRU[string, cooldown](maxCooldowns, nil, timeout),
		changed:   make(chan struct{}),
	}
}

// Normalize lower-cases an identity and strips surrounding whitespace, so a
// padded user_name from the gateway maps to the same directory key.
func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Timeout returns the cooldown / wait bound.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// must hold c.mu
func (c *Correlator) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
	pendingGauge.Set(float64(len(c.pending)))
}

// BeginOrSuppress opens a fresh pending decision unless a cooldown record for
// identity is still younger than the timeout. ok is false when suppressed.
func (c *Correlator) BeginOrSuppress(identity string) (Ticket, bool) {
	identity = Normalize(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cd, found := c.cooldowns.Get(identity); found {
		suppressedTotal.Inc()
		c.logger.Info("block new prompt",
			slog.String("identity", identity),
			slog.Duration("age", time.Since(cd.at)))
		return Ticket{}, false
	}

	now := time.Now()
	t := Ticket{Identity: identity, Flow: uuid.NewString()}
	c.pending[identity] = &decision{flow: t.Flow, state: Pending, createdAt: now}
	c.cooldowns.Add(identity, cooldown{flow: t.Flow, at: now})
	c.notify()
	return t, true
}

// Resolve deposits a verdict for whatever flow is pending for identity.
// It reports whether an entry existed. The first verdict of a flow wins.
func (c *Correlator) Resolve(identity string, approved bool) bool {
	identity = Normalize(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[identity]
	if !ok {
		return false
	}
	c.resolveLocked(identity, d, approved)
	return true
}

// ResolveFlow is Resolve restricted to the flow named by t.
func (c *Correlator) ResolveFlow(t Ticket, approved bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[t.Identity]
	if !ok || d.flow != t.Flow {
		return false
	}
	c.resolveLocked(t.Identity, d, approved)
	return true
}

func (c *Correlator) resolveLocked(identity string, d *decision, approved bool) {
	if d.state != Pending {
		c.logger.Debug("verdict ignored, flow already resolved",
			slog.String("identity", identity),
			slog.String("state", d.state.String()))
		return
	}
	if approved {
		d.state = Approved
	} else {
		d.state = Rejected
	}
	c.logger.Debug("verdict deposited",
		slog.String("identity", identity),
		slog.String("state", d.state.String()))
	c.notify()
}

// Lookup returns the state of the flow named by t, if it is still held.
func (c *Correlator) Lookup(t Ticket) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[t.Identity]
	if !ok || d.flow != t.Flow {
		return Pending, false
	}
	return d.state, true
}

// Attach stores the follow-up handle on the flow named by t.
func (c *Correlator) Attach(t Ticket, f Canceler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[t.Identity]
	if !ok || d.flow != t.Flow {
		return false
	}
	d.followUp = f
	return true
}

// Detach removes and returns the follow-up handle for identity, or nil.
func (c *Correlator) Detach(identity string) Canceler {
	identity = Normalize(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[identity]
	if !ok {
		return nil
	}
	f := d.followUp
	d.followUp = nil
	return f
}

// AwaitVerdict waits up to timeout for the decision of identity to leave
// Pending. If no entry exists yet it waits for one to appear. NotFound means an
// observed entry was cleared or replaced before a verdict arrived.
func (c *Correlator) AwaitVerdict(ctx context.Context, identity string, timeout time.Duration) Outcome {
	out, _ := c.AwaitFlow(ctx, identity, timeout)
	return out
}

// AwaitFlow is AwaitVerdict that also returns the flow it observed, so the
// caller can clear exactly that flow. The ticket is zero if no entry appeared.
func (c *Correlator) AwaitFlow(ctx context.Context, identity string, timeout time.Duration) (Outcome, Ticket) {
	identity = Normalize(identity)
	out, flow := c.await(ctx, identity, timeout)
	outcomesTotal.WithLabelValues(out.String()).Inc()
	if flow == "" {
		return out, Ticket{}
	}
	return out, Ticket{Identity: identity, Flow: flow}
}

func (c *Correlator) await(ctx context.Context, identity string, timeout time.Duration) (Outcome, string) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var seen string
	for {
		c.mu.Lock()
		d, ok := c.pending[identity]
		switch {
		case ok && (seen == "" || d.flow == seen):
			seen = d.flow
			switch d.state {
			case Approved:
				c.mu.Unlock()
				return OutcomeApproved, seen
			case Rejected:
				c.mu.Unlock()
				return OutcomeRejected, seen
			}
		case seen != "":
			c.mu.Unlock()
			return OutcomeNotFound, seen
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return OutcomeTimedOut, seen
		case <-ctx.Done():
			return OutcomeTimedOut, seen
		}
	}
}

// Clear schedules removal of the current flow of identity (decision and
// cooldown) after delay. A newer flow started meanwhile is left alone.
func (c *Correlator) Clear(identity string, delay time.Duration) {
	identity = Normalize(identity)

	c.mu.Lock()
	d, ok := c.pending[identity]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.ClearFlow(Ticket{Identity: identity, Flow: d.flow}, delay)
}

// ClearFlow schedules removal of the flow named by t after delay.
func (c *Correlator) ClearFlow(t Ticket, delay time.Duration) {
	if delay <= 0 {
		c.remove(t)
		return
	}
	time.AfterFunc(delay, func() { c.remove(t) })
}

func (c *Correlator) remove(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cd, ok := c.cooldowns.Peek(t.Identity); ok && cd.flow == t.Flow {
		c.cooldowns.Remove(t.Identity)
	}
	d, ok := c.pending[t.Identity]
	if !ok || d.flow != t.Flow {
		return false
	}
	delete(c.pending, t.Identity)
	c.logger.Info("authorization cleared", slog.String("identity", t.Identity))
	c.notify()
	return true
}

// Len returns the number of held decisions.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// expired returns tickets for decisions created before cutoff.
func (c *Correlator) expired(cutoff time.Time) []Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Ticket
	for id, d := range c.pending {
		if d.createdAt.Before(cutoff) {
			out = append(out, Ticket{Identity: id, Flow: d.flow})
		}
	}
	return out
}
