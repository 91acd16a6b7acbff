package approval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/pushgate/internal/correlator"
	"github.com/example/pushgate/internal/gate"
	"github.com/example/pushgate/internal/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	endpointID int64
	text       string
	actions    []notifier.Action
}

type fakeNotifier struct {
	mu      sync.Mutex
	seq     int
	sent    []sentMessage
	edited  []notifier.Prompt
	deleted []notifier.Prompt
	sendErr error
	// onSend runs before each send, outside the lock
	onSend func()
}

func (f *fakeNotifier) SendPrompt(_ context.Context, endpointID int64, text string, actions []notifier.Action) (notifier.Prompt, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return notifier.Prompt{}, f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, sentMessage{endpointID: endpointID, text: text, actions: actions})
	return notifier.Prompt{EndpointID: endpointID, MessageID: f.seq}, nil
}

func (f *fakeNotifier) EditActions(_ context.Context, p notifier.Prompt, _ []notifier.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, p)
	return nil
}

func (f *fakeNotifier) DeletePrompt(_ context.Context, p notifier.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, p)
	return nil
}

func (f *fakeNotifier) counts() (sent, edited, deleted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), len(f.edited), len(f.deleted)
}

type fixture struct {
	corr     *correlator.Correlator
	notifier *fakeNotifier
	disp     *Dispatcher
	listener *Listener
}

func newFixture(t *testing.T, cfg DispatcherConfig) *fixture {
	t.Helper()
	g := gate.New(100, time.Second, testLogger())
	t.Cleanup(g.Close)
	c := correlator.New(time.Minute, 0, testLogger())
	n := &fakeNotifier{}
	d := NewDispatcher(g, n, c, cfg, DefaultMessages(), testLogger())
	return &fixture{
		corr:     c,
		notifier: n,
		disp:     d,
		listener: NewListener(c, d, DefaultMessages(), testLogger()),
	}
}

func TestDispatchSendsPromptWithTokens(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: time.Hour})
	tk, ok := fx.corr.BeginOrSuppress(`CORP\Alice`)
	require.True(t, ok)

	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 555))

	require.Len(t, fx.notifier.sent, 1)
	msg := fx.notifier.sent[0]
	assert.EqualValues(t, 555, msg.endpointID)
	assert.Equal(t, DefaultMessages().AuthRequest, msg.text)
	require.Len(t, msg.actions, 2)
	assert.Equal(t, `approve:corp\alice`, msg.actions[0].Token)
	assert.Equal(t, `reject:corp\alice`, msg.actions[1].Token)
	assert.True(t, fx.disp.CancelFollowUp(`corp\alice`))
	assert.False(t, fx.disp.CancelFollowUp(`corp\alice`))
}

func TestFollowUpExpiresUnansweredPrompt(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: 40 * time.Millisecond, ClearDelay: 20 * time.Millisecond})
	tk, _ := fx.corr.BeginOrSuppress(`corp\bob`)
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 7))

	assert.Eventually(t, func() bool {
		sent, _, deleted := fx.notifier.counts()
		return sent == 2 && deleted == 1
	}, time.Second, 5*time.Millisecond)

	fx.notifier.mu.Lock()
	assert.Equal(t, DefaultMessages().Expired, fx.notifier.sent[1].text)
	assert.Equal(t, 1, fx.notifier.deleted[0].MessageID)
	fx.notifier.mu.Unlock()

	assert.Eventually(t, func() bool { return fx.corr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFollowUpRejectsWaiter(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: 30 * time.Millisecond, ClearDelay: time.Second})
	tk, _ := fx.corr.BeginOrSuppress(`corp\bob`)
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 7))

	out := fx.corr.AwaitVerdict(context.Background(), `corp\bob`, 2*time.Second)
	assert.Equal(t, correlator.OutcomeRejected, out)
}

func TestApproveVerdictCancelsFollowUp(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: 60 * time.Millisecond})
	tk, _ := fx.corr.BeginOrSuppress(`corp\alice`)
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 555))

	err := fx.listener.HandleVerdict(context.Background(), notifier.Verdict{
		Token:  `approve:CORP\alice`,
		Prompt: notifier.Prompt{EndpointID: 555, MessageID: 1},
	})
	require.NoError(t, err)

	state, ok := fx.corr.Lookup(tk)
	require.True(t, ok)
	assert.Equal(t, correlator.Approved, state)

	time.Sleep(120 * time.Millisecond)
	sent, edited, deleted := fx.notifier.counts()
	assert.Equal(t, 1, sent, "no expiry notice after a verdict")
	assert.Equal(t, 1, edited)
	assert.Equal(t, 1, deleted, "approved prompts are deleted")
	assert.Nil(t, fx.corr.Detach(`corp\alice`))
}

func TestVerdictBeforeFollowUpAttached(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: 30 * time.Millisecond})
	tk, _ := fx.corr.BeginOrSuppress(`corp\alice`)

	// the user answers and authenticate clears the flow while the send is
	// still returning
	var once sync.Once
	fx.notifier.onSend = func() {
		once.Do(func() {
			assert.NoError(t, fx.listener.HandleVerdict(context.Background(), notifier.Verdict{
				Token: `approve:corp\alice`,
			}))
			fx.corr.ClearFlow(tk, 0)
		})
	}
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 555))

	time.Sleep(100 * time.Millisecond)
	sent, _, deleted := fx.notifier.counts()
	assert.Equal(t, 1, sent, "no expiry notice for an approved flow")
	assert.Equal(t, 0, deleted)
}

func TestVerdictBeforeFollowUpAttachedFlowKept(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: 30 * time.Millisecond})
	tk, _ := fx.corr.BeginOrSuppress(`corp\alice`)

	var once sync.Once
	fx.notifier.onSend = func() {
		once.Do(func() {
			assert.NoError(t, fx.listener.HandleVerdict(context.Background(), notifier.Verdict{
				Token: `approve:corp\alice`,
			}))
		})
	}
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 555))

	// authenticate clears the flow before the follow-up fires
	time.Sleep(10 * time.Millisecond)
	fx.corr.ClearFlow(tk, 0)

	time.Sleep(100 * time.Millisecond)
	sent, _, _ := fx.notifier.counts()
	assert.Equal(t, 1, sent)
}

func TestRejectVerdictKeepsPrompt(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{FollowUpDelay: time.Hour})
	tk, _ := fx.corr.BeginOrSuppress(`corp\carol`)
	require.NoError(t, fx.disp.Dispatch(context.Background(), tk, 9))

	require.NoError(t, fx.listener.HandleVerdict(context.Background(), notifier.Verdict{
		Token:  `reject:corp\carol`,
		Prompt: notifier.Prompt{EndpointID: 9, MessageID: 1},
	}))

	_, edited, deleted := fx.notifier.counts()
	assert.Equal(t, 1, edited)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, correlator.OutcomeRejected, fx.corr.AwaitVerdict(context.Background(), `corp\carol`, time.Second))
}

func TestStaleVerdictIsNoop(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{})

	err := fx.listener.HandleVerdict(context.Background(), notifier.Verdict{
		Token:  `approve:corp\ghost`,
		Prompt: notifier.Prompt{EndpointID: 1, MessageID: 1},
	})
	require.NoError(t, err)
	sent, edited, deleted := fx.notifier.counts()
	assert.Zero(t, sent+edited+deleted)
	assert.Zero(t, fx.corr.Len())
}

func TestMalformedVerdict(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{})
	err := fx.listener.HandleVerdict(context.Background(), notifier.Verdict{Token: "garbage"})
	require.ErrorIs(t, err, ErrMalformedToken)
	fx.listener.OnVerdict(context.Background(), notifier.Verdict{Token: "maybe:corp\\x"})
}

func TestTransportRejectedIsSwallowed(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{AllowOnTransportFailure: true})
	fx.notifier.sendErr = fmt.Errorf("%w: 400 chat not found", notifier.ErrTransportRejected)
	tk, _ := fx.corr.BeginOrSuppress(`corp\dave`)

	err := fx.disp.Dispatch(context.Background(), tk, 1)
	require.ErrorIs(t, err, notifier.ErrTransportRejected)
	state, ok := fx.corr.Lookup(tk)
	require.True(t, ok)
	assert.Equal(t, correlator.Pending, state, "rejection never fails open")
	assert.Nil(t, fx.corr.Detach(`corp\dave`), "no follow-up without a prompt")
}

func TestTransportTransientFailOpen(t *testing.T) {
	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("allow=%v", allow), func(t *testing.T) {
			fx := newFixture(t, DispatcherConfig{AllowOnTransportFailure: allow})
			fx.notifier.sendErr = fmt.Errorf("%w: dial tcp: refused", notifier.ErrTransportTransient)
			tk, _ := fx.corr.BeginOrSuppress(`corp\erin`)

			require.Error(t, fx.disp.Dispatch(context.Background(), tk, 1))
			state, _ := fx.corr.Lookup(tk)
			if allow {
				assert.Equal(t, correlator.Approved, state)
			} else {
				assert.Equal(t, correlator.Pending, state)
			}
		})
	}
}

func TestOnStartRepliesWithEndpointID(t *testing.T) {
	fx := newFixture(t, DispatcherConfig{})
	fx.listener.OnStart(context.Background(), 4242)

	require.Len(t, fx.notifier.sent, 1)
	assert.Contains(t, fx.notifier.sent[0].text, "4242")
	assert.Contains(t, fx.notifier.sent[0].text, DefaultMessages().RegisterWithAdmin)
	assert.Empty(t, fx.notifier.sent[0].actions)
}

func TestParseToken(t *testing.T) {
	cases := []struct {
		token    string
		approved bool
		identity string
		ok       bool
	}{
		{`approve:corp\alice`, true, `corp\alice`, true},
		{`reject:CORP\Alice`, false, `corp\alice`, true},
		{`approve:a:b`, true, `a:b`, true},
		{`permit:corp\alice`, false, "", false},
		{`approve:`, false, "", false},
		{`approve`, false, "", false},
		{``, false, "", false},
	}
	for _, tc := range cases {
		approved, identity, err := ParseToken(tc.token)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrMalformedToken, tc.token)
			continue
		}
		require.NoError(t, err, tc.token)
		assert.Equal(t, tc.approved, approved, tc.token)
		assert.Equal(t, tc.identity, identity, tc.token)
	}
}
