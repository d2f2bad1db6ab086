package exchangeclient_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"exchange-service/internal/exchangeclient"
	"exchange-service/internal/model"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	mu        sync.Mutex
	expiresIn time.Duration
	opened    []string
	closed    []string

	hitFn    func(sessionID string) (model.SessionView, error)
	getFn    func(sessionID string) (model.SessionView, error)
	redeemFn func(token string) (string, error)
	watch    chan model.SessionView
	watchErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		expiresIn: time.Minute,
		watch:     make(chan model.SessionView, 4),
	}
}

func (f *fakeTransport) OpenSession(_ context.Context, sessionID string, _ model.SharingCategory) (*exchangeclient.OpenedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sessionID)
	return &exchangeclient.OpenedSession{
		SessionID: sessionID,
		ExpiresAt: time.Now().Add(f.expiresIn),
		QRToken:   "qr-" + sessionID,
	}, nil
}

func (f *fakeTransport) RegisterHit(_ context.Context, sessionID string, _ time.Time, _ string) (model.SessionView, error) {
	return f.hitFn(sessionID)
}

func (f *fakeTransport) GetSession(_ context.Context, sessionID string) (model.SessionView, error) {
	if f.getFn == nil {
		return model.SessionView{SessionID: sessionID, State: model.StateWaitingForBump}, nil
	}
	return f.getFn(sessionID)
}

func (f *fakeTransport) Watch(ctx context.Context, _ string) (<-chan model.SessionView, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	out := make(chan model.SessionView)
	go func() {
		defer close(out)
		for {
			select {
			case v := <-f.watch:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeTransport) RedeemQR(_ context.Context, token string, _ model.SharingCategory) (string, error) {
	return f.redeemFn(token)
}

func (f *fakeTransport) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeTransport) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func (f *fakeTransport) openedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

type fakeSensor struct {
	hits chan exchangeclient.HitEvent
}

func (s *fakeSensor) Listen(ctx context.Context) (<-chan exchangeclient.HitEvent, error) {
	out := make(chan exchangeclient.HitEvent)
	go func() {
		defer close(out)
		for {
			select {
			case h := <-s.hits:
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type permissions bool

func (p permissions) RequestMotionPermission(context.Context) (bool, error) {
	return bool(p), nil
}

type recorder struct {
	mu    sync.Mutex
	views []exchangeclient.View
	stops atomic.Int32
	ch    chan exchangeclient.View
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan exchangeclient.View, 64)}
}

func (r *recorder) onState(v exchangeclient.View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder) states() []model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SessionState, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v.State)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, state model.SessionState) exchangeclient.View {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case v := <-r.ch:
			if v.State == state {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", state, r.states())
		}
	}
}

type fixture struct {
	transport *fakeTransport
	sensor    *fakeSensor
	rec       *recorder
	client    *exchangeclient.Client
}

func setupTestFixture(t *testing.T, mutate ...func(*exchangeclient.Options)) *fixture {
	t.Helper()
	f := &fixture{
		transport: newFakeTransport(),
		sensor:    &fakeSensor{hits: make(chan exchangeclient.HitEvent, 4)},
		rec:       newRecorder(),
	}
	var seq atomic.Int32
	opts := exchangeclient.Options{
		Sensors:           f.sensor,
		OnStateChange:     f.rec.onState,
		OnStopListening:   func() { f.rec.stops.Add(1) },
		TimeoutResetDelay: 20 * time.Millisecond,
		ErrorResetDelay:   30 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		ExpiryGrace:       10 * time.Millisecond,
		NewSessionID:      func() string { return fmt.Sprintf("session-%d", seq.Add(1)) },
		Logger:            zaptest.NewLogger(t),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.client = exchangeclient.New(f.transport, opts)
	t.Cleanup(func() { _ = f.client.Close(context.Background()) })
	return f
}

func matchedView(id, token string) model.SessionView {
	return model.SessionView{SessionID: id, State: model.StateMatched, Match: &model.MatchRef{Token: token}}
}

func TestStartExchange_BumpMatches(t *testing.T) {
	f := setupTestFixture(t)
	f.transport.hitFn = func(id string) (model.SessionView, error) {
		return matchedView(id, "match-token"), nil
	}

	require.NoError(t, f.client.StartExchange(true, model.CategoryWork))
	waiting := f.rec.waitFor(t, model.StateWaitingForBump)
	assert.Equal(t, "session-1", waiting.SessionID)
	assert.Equal(t, "qr-session-1", waiting.QRToken)

	f.sensor.hits <- exchangeclient.HitEvent{At: time.Now()}
	matched := f.rec.waitFor(t, model.StateMatched)
	assert.Equal(t, "match-token", matched.MatchToken)

	assert.Equal(t, []model.SessionState{
		model.StateRequestingPermission,
		model.StateWaitingForBump,
		model.StateProcessing,
		model.StateMatched,
	}, f.rec.states())

	// Success is terminal until the user resets.
	assert.ErrorIs(t, f.client.StartExchange(true, model.CategoryAll), exchangeclient.ErrExchangeInProgress)
	f.client.Reset()
	f.rec.waitFor(t, model.StateIdle)
	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	assert.Equal(t, "session-2", f.rec.waitFor(t, model.StateWaitingForBump).SessionID)
}

func TestStartExchange_LoneHitStaysProcessingUntilPeerPush(t *testing.T) {
	f := setupTestFixture(t)
	var hits atomic.Int32
	f.transport.hitFn = func(id string) (model.SessionView, error) {
		hits.Add(1)
		return model.SessionView{SessionID: id, State: model.StateWaitingForBump}, nil
	}

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)

	f.sensor.hits <- exchangeclient.HitEvent{At: time.Now()}
	f.rec.waitFor(t, model.StateProcessing)
	require.Eventually(t, func() bool { return hits.Load() == 1 }, waitTimeout, 5*time.Millisecond)

	// A second bump re-registers without another transition.
	f.sensor.hits <- exchangeclient.HitEvent{At: time.Now()}
	require.Eventually(t, func() bool { return hits.Load() == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, model.StateProcessing, f.client.View().State)

	f.transport.watch <- matchedView("session-1", "peer-token")
	assert.Equal(t, "peer-token", f.rec.waitFor(t, model.StateMatched).MatchToken)
	assert.Equal(t, []model.SessionState{
		model.StateRequestingPermission,
		model.StateWaitingForBump,
		model.StateProcessing,
		model.StateMatched,
	}, f.rec.states())
}

func TestStartExchange_PermissionDenied(t *testing.T) {
	f := setupTestFixture(t, func(o *exchangeclient.Options) {
		o.Permissions = permissions(false)
	})

	require.NoError(t, f.client.StartExchange(false, model.CategoryAll))
	failed := f.rec.waitFor(t, model.StateError)
	assert.ErrorIs(t, failed.Err, exchangeclient.ErrPermissionDenied)
	assert.Empty(t, f.transport.openedSessions())

	f.rec.waitFor(t, model.StateIdle)
	assert.Equal(t, int32(1), f.rec.stops.Load())
}

func TestStartExchange_PermissionGranted(t *testing.T) {
	f := setupTestFixture(t, func(o *exchangeclient.Options) {
		o.Permissions = permissions(true)
	})

	require.NoError(t, f.client.StartExchange(false, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)
	assert.Equal(t, []string{"session-1"}, f.transport.openedSessions())
}

func TestStartExchange_ServerTimeoutAutoResets(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)

	f.transport.watch <- model.SessionView{SessionID: "session-1", State: model.StateTimeout}
	timedOut := f.rec.waitFor(t, model.StateTimeout)
	assert.ErrorIs(t, timedOut.Err, exchangeclient.ErrSessionExpired)

	f.rec.waitFor(t, model.StateIdle)
	assert.Equal(t, int32(1), f.rec.stops.Load())

	// A late push for the finished session is not delivered.
	f.transport.watch <- matchedView("session-1", "late")
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, f.rec.states(), model.StateMatched)
}

func TestStartExchange_LocalExpiry(t *testing.T) {
	f := setupTestFixture(t)
	f.transport.expiresIn = 30 * time.Millisecond

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateTimeout)
	f.rec.waitFor(t, model.StateIdle)
}

func TestStartExchange_QRScannedByPeer(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)

	f.transport.watch <- model.SessionView{
		SessionID: "session-1",
		State:     model.StateQRScanMatched,
		Match:     &model.MatchRef{Token: "qr-match"},
	}
	assert.Equal(t, "qr-match", f.rec.waitFor(t, model.StateQRScanMatched).MatchToken)
}

func TestStartExchange_HitFailureAbandonsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.transport.hitFn = func(string) (model.SessionView, error) {
		return model.SessionView{}, &exchangeclient.ServerError{Status: 500, Code: "internal"}
	}

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)
	f.sensor.hits <- exchangeclient.HitEvent{At: time.Now()}

	failed := f.rec.waitFor(t, model.StateError)
	var serverErr *exchangeclient.ServerError
	assert.ErrorAs(t, failed.Err, &serverErr)
	require.Eventually(t, func() bool {
		return len(f.transport.closedSessions()) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "session-1", f.transport.closedSessions()[0])

	f.rec.waitFor(t, model.StateIdle)
}

func TestStartExchange_PollingFallback(t *testing.T) {
	f := setupTestFixture(t)
	f.transport.watchErr = errors.New("upgrade refused")
	var polls atomic.Int32
	f.transport.getFn = func(id string) (model.SessionView, error) {
		if polls.Add(1) < 3 {
			return model.SessionView{SessionID: id, State: model.StateWaitingForBump}, nil
		}
		return matchedView(id, "polled-token"), nil
	}

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	assert.Equal(t, "polled-token", f.rec.waitFor(t, model.StateMatched).MatchToken)
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.client.Disconnect(context.Background()))

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	f.rec.waitFor(t, model.StateWaitingForBump)
	assert.ErrorIs(t, f.client.StartExchange(true, model.CategoryAll), exchangeclient.ErrExchangeInProgress)

	require.NoError(t, f.client.Disconnect(context.Background()))
	require.NoError(t, f.client.Disconnect(context.Background()))
	assert.Equal(t, model.StateIdle, f.client.View().State)
	assert.Equal(t, []string{"session-1"}, f.transport.closedSessions())
	require.Eventually(t, func() bool { return f.rec.stops.Load() == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
	assert.Equal(t, "session-2", f.rec.waitFor(t, model.StateWaitingForBump).SessionID)
}

func TestDisconnect_FromHook(t *testing.T) {
	var client *exchangeclient.Client
	disconnected := make(chan error, 1)
	f := setupTestFixture(t, func(o *exchangeclient.Options) {
		inner := o.OnStateChange
		o.OnStateChange = func(v exchangeclient.View) {
			inner(v)
			if v.State == model.StateWaitingForBump {
				disconnected <- client.Disconnect(context.Background())
			}
		}
	})
	client = f.client

	require.NoError(t, client.StartExchange(true, model.CategoryAll))
	select {
	case err := <-disconnected:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("disconnect from hook did not return")
	}
	f.rec.waitFor(t, model.StateIdle)
	assert.Equal(t, []string{"session-1"}, f.transport.closedSessions())
}

func TestRedeemQR(t *testing.T) {
	f := setupTestFixture(t)
	f.transport.redeemFn = func(token string) (string, error) {
		if token == "taken" {
			return "", exchangeclient.ErrAlreadyScanned
		}
		return "match-" + token, nil
	}

	token, err := f.client.RedeemQR(context.Background(), "fresh", model.CategoryPersonal)
	require.NoError(t, err)
	assert.Equal(t, "match-fresh", token)
	assert.Equal(t, model.StateQRScanMatched, f.client.View().State)

	f.client.Reset()
	_, err = f.client.RedeemQR(context.Background(), "taken", model.CategoryPersonal)
	assert.ErrorIs(t, err, exchangeclient.ErrAlreadyScanned)
	failed := f.rec.waitFor(t, model.StateError)
	assert.ErrorIs(t, failed.Err, exchangeclient.ErrAlreadyScanned)
	f.rec.waitFor(t, model.StateIdle)
}

func TestStartExchange_HitRacingLocalExpiryFinishesOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("attempt-%d", i), func(t *testing.T) {
			f := setupTestFixture(t, func(o *exchangeclient.Options) {
				o.ExpiryGrace = 5 * time.Millisecond
				// Keep a timeout visible long enough to count it.
				o.TimeoutResetDelay = time.Minute
			})
			f.transport.expiresIn = 0
			f.transport.hitFn = func(id string) (model.SessionView, error) {
				return matchedView(id, "match-token"), nil
			}

			require.NoError(t, f.client.StartExchange(true, model.CategoryAll))
			f.rec.waitFor(t, model.StateWaitingForBump)
			time.Sleep(4 * time.Millisecond)
			f.sensor.hits <- exchangeclient.HitEvent{At: time.Now()}

			require.Eventually(t, func() bool {
				return f.client.View().State.IsTerminal()
			}, waitTimeout, time.Millisecond)
			time.Sleep(30 * time.Millisecond)

			terminal := 0
			for _, s := range f.rec.states() {
				if s.IsTerminal() {
					terminal++
				}
			}
			assert.Equal(t, 1, terminal, "states: %v", f.rec.states())
			assert.True(t, f.client.View().State.IsTerminal())
		})
	}
}
