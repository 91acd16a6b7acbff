// Package notifier is the out-of-band messaging capability: send a prompt with
// action buttons, edit its buttons, delete it, and deliver inbound events.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

var (
	// ErrTransportTransient marks connectivity failures (network, timeouts).
	ErrTransportTransient = errors.New("notifier: transport unavailable")
	// ErrTransportRejected marks requests the messaging service refused,
	// e.g. an unknown or blocked recipient.
	ErrTransportRejected = errors.New("notifier: request rejected")
)

// Action is one button attached to a prompt. Token is echoed back on press.
type Action struct {
	Label string
	Token string
}

// Prompt is the handle of a sent message.
type Prompt struct {
	EndpointID int64
	MessageID  int
}

// Notifier sends and manages prompts on a user's endpoint.
type Notifier interface {
	SendPrompt(ctx context.Context, endpointID int64, text string, actions []Action) (Prompt, error)
	// EditActions replaces the prompt's buttons; no actions removes them.
	EditActions(ctx context.Context, p Prompt, actions []Action) error
	DeletePrompt(ctx context.Context, p Prompt) error
}

// Verdict is an inbound button press.
type Verdict struct {
	Token  string
	Prompt Prompt
}

// Sink receives inbound events from a transport.
type Sink interface {
	OnVerdict(ctx context.Context, v Verdict)
	OnStart(ctx context.Context, endpointID int64)
}

// LogNotifier only logs what it would send. Used for dry runs.
type LogNotifier struct {
	logger *slog.Logger
	seq    atomic.Int64
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) SendPrompt(_ context.Context, endpointID int64, text string, actions []Action) (Prompt, error) {
	p := Prompt{EndpointID: endpointID, MessageID: int(n.seq.Add(1))}
	tokens := make([]string, 0, len(actions))
	for _, a := range actions {
		tokens = append(tokens, a.Token)
	}
	n.logger.Info("send prompt",
		slog.Int64("endpoint_id", endpointID),
		slog.Int("message_id", p.MessageID),
		slog.String("text", text),
		slog.Any("actions", tokens))
	return p, nil
}

func (n *LogNotifier) EditActions(_ context.Context, p Prompt, actions []Action) error {
	n.logger.Info("edit prompt actions",
		slog.Int64("endpoint_id", p.EndpointID),
		slog.Int("message_id", p.MessageID),
		slog.Int("actions", len(actions)))
	return nil
}

func (n *LogNotifier) DeletePrompt(_ context.Context, p Prompt) error {
	n.logger.Info("delete prompt",
		slog.Int64("endpoint_id", p.EndpointID),
		slog.Int("message_id", p.MessageID))
	return nil
}
