// Package approval sends approval prompts and turns the user's answers into
// verdicts on the correlator.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/pushgate/internal/correlator"
	"github.com/example/pushgate/internal/notifier"
)

var (
	promptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_prompts_total",
		Help: "Approval prompt dispatch attempts by result.",
	}, []string{"result"})
	followUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_followups_total",
		Help: "Delayed follow-up tasks by result.",
	}, []string{"result"})
)

// Gate admits outbound sends.
type Gate interface {
	Acquire(ctx context.Context) error
}

type DispatcherConfig struct {
	// FollowUpDelay is when an unanswered prompt is expired. Usually timeout + 1s.
	FollowUpDelay time.Duration
	// ClearDelay is how long an expired flow is kept before removal.
	ClearDelay time.Duration
	// SendTimeout bounds one outbound call including its wait at the gate.
	SendTimeout time.Duration
	// AllowOnTransportFailure approves the flow when the transport is unreachable.
	AllowOnTransportFailure bool
}

// Dispatcher sends prompts through the admission gate and owns their
// delayed follow-up.
type Dispatcher struct {
	gate     Gate
	notifier notifier.Notifier
	corr     *correlator.Correlator
	cfg      DispatcherConfig
	msgs     Messages
	logger   *slog.Logger
}

func NewDispatcher(g Gate, n notifier.Notifier, c *correlator.Correlator, cfg DispatcherConfig, msgs Messages, logger *slog.Logger) *Dispatcher {
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = c.Timeout() + time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		gate:     g,
		notifier: n,
		corr:     c,
		cfg:      cfg,
		msgs:     msgs,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// followUp is the cancellation handle of a scheduled expiry. Cancel is
// best effort: a task already past its check still runs to completion.
type followUp struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (f *followUp) Cancel() {
	if f.cancelled.CompareAndSwap(false, true) && f.timer != nil {
		f.timer.Stop()
	}
}

// Dispatch sends the approve/reject prompt for the flow t to endpointID and
// schedules its expiry. Transport failures are logged and recovered here; the
// returned error is informational.
func (d *Dispatcher) Dispatch(ctx context.Context, t correlator.Ticket, endpointID int64) error {
	d.logger.Info("sending authorization request",
		slog.String("identity", t.Identity),
		slog.Int64("endpoint_id", endpointID))

	actions := []notifier.Action{
		{Label: d.msgs.ActionApprove, Token: ApproveToken(t.Identity)},
		{Label: d.msgs.ActionReject, Token: RejectToken(t.Identity)},
	}

	var p notifier.Prompt
	err := d.withSlot(ctx, func(ctx context.Context) error {
		var err error
		p, err = d.notifier.SendPrompt(ctx, endpointID, d.msgs.AuthRequest, actions)
		return err
	})
	if err != nil {
		d.sendFailed(t, endpointID, err)
		return fmt.Errorf("dispatch %s: %w", t.Identity, err)
	}
	promptsTotal.WithLabelValues("sent").Inc()

	f := &followUp{}
	f.timer = time.AfterFunc(d.cfg.FollowUpDelay, func() { d.expire(t, p, f) })
	// A verdict that beat Attach found no handle to cancel; the flow may even
	// be cleared already, which skip cannot tell apart from a timed-out one.
	if !d.corr.Attach(t, f) {
		d.logger.Debug("flow gone before follow-up attached", slog.String("identity", t.Identity))
		f.Cancel()
	} else if state, ok := d.corr.Lookup(t); !ok || state != correlator.Pending {
		f.Cancel()
	}
	return nil
}

func (d *Dispatcher) sendFailed(t correlator.Ticket, endpointID int64, err error) {
	attrs := []any{
		slog.String("identity", t.Identity),
		slog.Int64("endpoint_id", endpointID),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, notifier.ErrTransportRejected):
		promptsTotal.WithLabelValues("rejected").Inc()
		d.logger.Warn("prompt rejected by transport", attrs...)
	case errors.Is(err, notifier.ErrTransportTransient):
		promptsTotal.WithLabelValues("transient").Inc()
		d.logger.Warn("transport unavailable", attrs...)
		if d.cfg.AllowOnTransportFailure && d.corr.ResolveFlow(t, true) {
			d.logger.Warn("access allowed on transport failure", slog.String("identity", t.Identity))
		}
	default:
		promptsTotal.WithLabelValues("error").Inc()
		d.logger.Warn("error when sending prompt", attrs...)
	}
}

// skip reports whether the follow-up must not act: cancelled, or its flow
// already carries a verdict.
func (d *Dispatcher) skip(t correlator.Ticket, f *followUp) bool {
	if f.cancelled.Load() {
		return true
	}
	state, ok := d.corr.Lookup(t)
	return ok && state != correlator.Pending
}

func (d *Dispatcher) expire(t correlator.Ticket, p notifier.Prompt, f *followUp) {
	if d.skip(t, f) {
		followUpsTotal.WithLabelValues("skipped").Inc()
		return
	}
	followUpsTotal.WithLabelValues("fired").Inc()
	d.logger.Info("authorization request expired", slog.String("identity", t.Identity))

	ctx := context.Background()
	if err := d.SendText(ctx, p.EndpointID, d.msgs.Expired); err != nil {
		d.logger.Warn("error when sending expiry notice",
			slog.String("identity", t.Identity), slog.String("error", err.Error()))
	}
	if !d.skip(t, f) {
		if err := d.Delete(ctx, p); err != nil {
			d.logger.Warn("error when deleting prompt",
				slog.String("identity", t.Identity), slog.String("error", err.Error()))
		}
	}
	d.corr.ResolveFlow(t, false)
	d.corr.ClearFlow(t, d.cfg.ClearDelay)
}

// CancelFollowUp cancels the pending follow-up of identity. Safe to call any
// number of times, including after the follow-up has fired.
func (d *Dispatcher) CancelFollowUp(identity string) bool {
	f := d.corr.Detach(identity)
	if f == nil {
		return false
	}
	f.Cancel()
	return true
}

func (d *Dispatcher) withSlot(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := d.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	return fn(ctx)
}

// SendText sends a plain message through the gate.
func (d *Dispatcher) SendText(ctx context.Context, endpointID int64, text string) error {
	return d.withSlot(ctx, func(ctx context.Context) error {
		_, err := d.notifier.SendPrompt(ctx, endpointID, text, nil)
		return err
	})
}

// RemoveActions strips the buttons from p through the gate.
func (d *Dispatcher) RemoveActions(ctx context.Context, p notifier.Prompt) error {
	return d.withSlot(ctx, func(ctx context.Context) error {
		return d.notifier.EditActions(ctx, p, nil)
	})
}

// Delete removes p through the gate.
func (d *Dispatcher) Delete(ctx context.Context, p notifier.Prompt) error {
	return d.withSlot(ctx, func(ctx context.Context) error {
		return d.notifier.DeletePrompt(ctx, p)
	})
}
