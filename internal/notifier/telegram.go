package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements Notifier over the Telegram Bot API. Endpoint ids are chat
// ids, prompts are messages with an inline keyboard.
type Telegram struct {
	api         *tgbotapi.BotAPI
	pollTimeout int
	logger      *slog.Logger
}

// NewTelegram connects to the Bot API at endpoint (a "…/bot%s/%s" template)
// and verifies the token.
func NewTelegram(token, endpoint string, logger *slog.Logger) (*Telegram, error) {
	client := &http.Client{Timeout: 75 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", classify(err))
	}
	return &Telegram{
		api:         api,
		pollTimeout: 60,
		logger:      logger.With(slog.String("component", "telegram")),
	}, nil
}

// classify maps Bot API failures onto the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %d %s", ErrTransportRejected, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrTransportTransient, err)
}

func keyboard(actions []Action) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Token))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func (t *Telegram) SendPrompt(ctx context.Context, endpointID int64, text string, actions []Action) (Prompt, error) {
	if err := ctx.Err(); err != nil {
		return Prompt{}, fmt.Errorf("%w: %v", ErrTransportTransient, err)
	}
	msg := tgbotapi.NewMessage(endpointID, text)
	if len(actions) > 0 {
		msg.ReplyMarkup = keyboard(actions)
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return Prompt{}, classify(err)
	}
	return Prompt{EndpointID: endpointID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) EditActions(ctx context.Context, p Prompt, actions []Action) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportTransient, err)
	}
	var edit tgbotapi.EditMessageReplyMarkupConfig
	if len(actions) > 0 {
		edit = tgbotapi.NewEditMessageReplyMarkup(p.EndpointID, p.MessageID, keyboard(actions))
	} else {
		edit = tgbotapi.EditMessageReplyMarkupConfig{
			BaseEdit: tgbotapi.BaseEdit{ChatID: p.EndpointID, MessageID: p.MessageID},
		}
	}
	_, err := t.api.Request(edit)
	return classify(err)
}

func (t *Telegram) DeletePrompt(ctx context.Context, p Prompt) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportTransient, err)
	}
	_, err := t.api.Request(tgbotapi.NewDeleteMessage(p.EndpointID, p.MessageID))
	return classify(err)
}

// Run long-polls for updates and feeds them to sink until ctx is done.
func (t *Telegram) Run(ctx context.Context, sink Sink) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(u)
	t.logger.Info("polling for updates", slog.String("bot", t.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			go t.handleUpdate(ctx, sink, upd)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, sink Sink, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		v := Verdict{Token: cq.Data}
		if cq.Message != nil {
			v.Prompt = Prompt{MessageID: cq.Message.MessageID}
			if cq.Message.Chat != nil {
				v.Prompt.EndpointID = cq.Message.Chat.ID
			}
		}
		if v.Prompt.EndpointID == 0 && cq.From != nil {
			v.Prompt.EndpointID = cq.From.ID
		}
		sink.OnVerdict(ctx, v)
		if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			t.logger.Debug("answer callback failed", slog.String("error", err.Error()))
		}
	case upd.Message != nil && upd.Message.IsCommand() && upd.Message.Command() == "start":
		var id int64
		if upd.Message.From != nil {
			id = upd.Message.From.ID
		} else if upd.Message.Chat != nil {
			id = upd.Message.Chat.ID
		}
		t.logger.Info("start requested", slog.Int64("endpoint_id", id))
		sink.OnStart(ctx, id)
	}
}
