package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBotAPI answers Bot API methods; calls records method names and form values.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls []apiCall
	fail  map[string]string
}

type apiCall struct {
	method string
	form   map[string]string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.Form {
		form[k] = r.Form.Get(k)
	}
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: form})
	desc, failing := f.fail[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": desc})
		return
	}
	var result any = true
	switch method {
	case "getMe":
		result = map[string]any{"id": 1, "is_bot": true, "first_name": "gate", "username": "gate_bot"}
	case "sendMessage":
		result = map[string]any{
			"message_id": 42,
			"date":       0,
			"chat":       map[string]any{"id": 555, "type": "private"},
			"text":       form["text"],
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeBotAPI) last(method string) (apiCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i], true
		}
	}
	return apiCall{}, false
}

func newFakeTelegram(t *testing.T) (*Telegram, *fakeBotAPI) {
	fake := &fakeBotAPI{fail: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram("123:abc", srv.URL+"/bot%s/%s", testLogger())
	require.NoError(t, err)
	return tg, fake
}

func TestTelegramSendPrompt(t *testing.T) {
	tg, fake := newFakeTelegram(t)

	p, err := tg.SendPrompt(context.Background(), 555, "Authorization request", []Action{
		{Label: "Approve", Token: `approve:corp\alice`},
		{Label: "Reject", Token: `reject:corp\alice`},
	})
	require.NoError(t, err)
	assert.Equal(t, Prompt{EndpointID: 555, MessageID: 42}, p)

	call, ok := fake.last("sendMessage")
	require.True(t, ok)
	assert.Equal(t, "555", call.form["chat_id"])
	assert.Contains(t, call.form["reply_markup"], `approve:corp\\alice`)
}

func TestTelegramRejectedErrors(t *testing.T) {
	tg, fake := newFakeTelegram(t)
	fake.fail["sendMessage"] = "Bad Request: chat not found"
	fake.fail["deleteMessage"] = "Bad Request: message to delete not found"

	_, err := tg.SendPrompt(context.Background(), 1, "x", nil)
	require.ErrorIs(t, err, ErrTransportRejected)

	err = tg.DeletePrompt(context.Background(), Prompt{EndpointID: 1, MessageID: 2})
	require.ErrorIs(t, err, ErrTransportRejected)
}

func TestTelegramTransientErrors(t *testing.T) {
	fake := &fakeBotAPI{fail: map[string]string{}}
	srv := httptest.NewServer(fake)
	tg, err := NewTelegram("123:abc", srv.URL+"/bot%s/%s", testLogger())
	require.NoError(t, err)
	srv.Close()

	_, err = tg.SendPrompt(context.Background(), 1, "x", nil)
	require.ErrorIs(t, err, ErrTransportTransient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tg.EditActions(ctx, Prompt{EndpointID: 1, MessageID: 2}, nil), ErrTransportTransient)
}

func TestTelegramEditActionsRemovesKeyboard(t *testing.T) {
	tg, fake := newFakeTelegram(t)

	require.NoError(t, tg.EditActions(context.Background(), Prompt{EndpointID: 555, MessageID: 42}, nil))
	call, ok := fake.last("editMessageReplyMarkup")
	require.True(t, ok)
	assert.Equal(t, "42", call.form["message_id"])
	assert.NotContains(t, call.form["reply_markup"], "callback_data")
}

type recordingSink struct {
	mu       sync.Mutex
	verdicts []Verdict
	starts   []int64
}

func (s *recordingSink) OnVerdict(_ context.Context, v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
}

func (s *recordingSink) OnStart(_ context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, id)
}

func TestTelegramHandleUpdate(t *testing.T) {
	tg, fake := newFakeTelegram(t)
	sink := &recordingSink{}

	tg.handleUpdate(context.Background(), sink, tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    &tgbotapi.User{ID: 555},
			Data:    `approve:corp\alice`,
			Message: &tgbotapi.Message{MessageID: 42, Chat: &tgbotapi.Chat{ID: 555}},
		},
	})
	require.Len(t, sink.verdicts, 1)
	assert.Equal(t, Verdict{Token: `approve:corp\alice`, Prompt: Prompt{EndpointID: 555, MessageID: 42}}, sink.verdicts[0])
	_, acked := fake.last("answerCallbackQuery")
	assert.True(t, acked)

	tg.handleUpdate(context.Background(), sink, tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text:     "/start",
			From:     &tgbotapi.User{ID: 777},
			Chat:     &tgbotapi.Chat{ID: 777},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		},
	})
	assert.Equal(t, []int64{777}, sink.starts)

	tg.handleUpdate(context.Background(), sink, tgbotapi.Update{
		Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 1}},
	})
	assert.Len(t, sink.starts, 1)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testLogger())
	p1, err := n.SendPrompt(context.Background(), 5, "hi", []Action{{Label: "a", Token: "b"}})
	require.NoError(t, err)
	p2, _ := n.SendPrompt(context.Background(), 5, "hi", nil)
	assert.NotEqual(t, p1.MessageID, p2.MessageID)
	assert.NoError(t, n.EditActions(context.Background(), p1, nil))
	assert.NoError(t, n.DeletePrompt(context.Background(), p1))
}
