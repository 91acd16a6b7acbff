package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/pushgate/internal/correlator"
	"github.com/example/pushgate/internal/notifier"
)

var verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pushgate_verdicts_total",
	Help: "Inbound verdict events by kind.",
}, []string{"kind"})

// Listener receives inbound events from the transport. It implements notifier.Sink.
type Listener struct {
	corr   *correlator.Correlator
	disp   *Dispatcher
	msgs   Messages
	logger *slog.Logger
}

var _ notifier.Sink = (*Listener)(nil)

func NewListener(c *correlator.Correlator, d *Dispatcher, msgs Messages, logger *slog.Logger) *Listener {
	return &Listener{
		corr:   c,
		disp:   d,
		msgs:   msgs,
		logger: logger.With(slog.String("component", "listener")),
	}
}

// OnVerdict implements notifier.Sink.
func (l *Listener) OnVerdict(ctx context.Context, v notifier.Verdict) {
	if err := l.HandleVerdict(ctx, v); err != nil {
		l.logger.Warn("error in verdict processing",
			slog.String("token", v.Token), slog.String("error", err.Error()))
	}
}

// HandleVerdict deposits the verdict carried by v, cancels the prompt's
// follow-up and tidies the prompt. Verdicts for identities without a pending
// decision are dropped.
func (l *Listener) HandleVerdict(ctx context.Context, v notifier.Verdict) error {
	approved, identity, err := ParseToken(v.Token)
	if err != nil {
		verdictsTotal.WithLabelValues("malformed").Inc()
		return err
	}
	if !l.corr.Resolve(identity, approved) {
		verdictsTotal.WithLabelValues("stale").Inc()
		l.logger.Debug("stale verdict dropped", slog.String("identity", identity))
		return nil
	}
	l.disp.CancelFollowUp(identity)

	kind := verbReject
	if approved {
		kind = verbApprove
	}
	verdictsTotal.WithLabelValues(kind).Inc()
	l.logger.Info("verdict received", slog.String("identity", identity), slog.String("action", kind))

	if v.Prompt.MessageID == 0 {
		return nil
	}
	if err := l.disp.RemoveActions(ctx, v.Prompt); err != nil {
		l.logger.Warn("error when removing prompt actions",
			slog.String("identity", identity), slog.String("error", err.Error()))
	}
	if approved {
		if err := l.disp.Delete(ctx, v.Prompt); err != nil {
			l.logger.Warn("error when deleting prompt",
				slog.String("identity", identity), slog.String("error", err.Error()))
		}
	}
	return nil
}

// OnStart replies to a /start command with the sender's endpoint id.
func (l *Listener) OnStart(ctx context.Context, endpointID int64) {
	text := fmt.Sprintf(l.msgs.Start, endpointID) + " " + l.msgs.RegisterWithAdmin
	if err := l.disp.SendText(ctx, endpointID, text); err != nil {
		l.logger.Warn("error when answering start",
			slog.Int64("endpoint_id", endpointID), slog.String("error", err.Error()))
	}
}
