package exchangeclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exchange-service/internal/model"
	"exchange-service/internal/util"
)

const (
	defaultTimeoutResetDelay = time.Second
	defaultErrorResetDelay   = 2 * time.Second
	defaultPollInterval      = time.Second
	defaultExpiryGrace       = 2 * time.Second
	closeTimeout             = 5 * time.Second
)

var (
	ErrClientClosed  = errors.New("exchange client closed")
	errSessionClosed = errors.New("exchange session closed by server")
)

// View is what the UI observes after every transition.
type View struct {
	SessionID  string             `json:"sessionId,omitempty"`
	State      model.SessionState `json:"state"`
	MatchToken string             `json:"matchToken,omitempty"`
	QRToken    string             `json:"qrToken,omitempty"`
	ExpiresAt  time.Time          `json:"expiresAt,omitzero"`
	Err        error              `json:"-"`
}

type Options struct {
	// Permissions is consulted when StartExchange is called without a
	// granted permission. Nil skips the request.
	Permissions PermissionRequester
	// Sensors feeds bumps. Nil leaves the session waiting for a QR scan.
	Sensors SensorSource

	// Hooks run on a single goroutine, in transition order. They may call
	// back into the client.
	OnStateChange   func(View)
	OnStopListening func()

	TimeoutResetDelay time.Duration
	ErrorResetDelay   time.Duration
	PollInterval      time.Duration
	// ExpiryGrace is how long past expiresAt the client waits for the
	// server's verdict before timing out locally.
	ExpiryGrace time.Duration

	NewSessionID func() string
	Logger       *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.TimeoutResetDelay <= 0 {
		o.TimeoutResetDelay = defaultTimeoutResetDelay
	}
	if o.ErrorResetDelay <= 0 {
		o.ErrorResetDelay = defaultErrorResetDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ExpiryGrace <= 0 {
		o.ExpiryGrace = defaultExpiryGrace
	}
	if o.NewSessionID == nil {
		o.NewSessionID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = util.Get()
	}
}

// transitions lists the moves a client may make. Reset to idle from a
// terminal state is handled separately.
var transitions = map[model.SessionState][]model.SessionState{
	model.StateIdle:                 {model.StateRequestingPermission, model.StateQRScanPending},
	model.StateRequestingPermission: {model.StateWaitingForBump, model.StateError},
	model.StateWaitingForBump:       {model.StateProcessing, model.StateMatched, model.StateQRScanMatched, model.StateTimeout, model.StateError},
	model.StateProcessing:           {model.StateMatched, model.StateQRScanMatched, model.StateTimeout, model.StateError},
	model.StateQRScanPending:        {model.StateQRScanMatched, model.StateError},
}

func allowed(from, to model.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type update struct {
	view model.SessionView
	err  error
}

// Client drives one device through an exchange. It runs at most one
// exchange at a time; each exchange gets a fresh session id.
type Client struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	notify    *dispatcher

	mu         sync.Mutex
	view       View
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	resetTimer *time.Timer
	teardowns  int
	closed     bool
}

func New(transport Transport, opts Options) *Client {
	opts.applyDefaults()
	c := &Client{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		view:      View{State: model.StateIdle},
	}
	c.notify = newDispatcher(c.deliver)
	return c
}

// View returns the current view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// busyLocked reports whether a new exchange must not start yet. A previous
// exchange that already reached idle may still be unwinding; its
// generation is stale, so it can no longer change the view.
func (c *Client) busyLocked() error {
	if c.closed {
		return ErrClientClosed
	}
	if c.view.State != model.StateIdle || c.teardowns > 0 {
		return ErrExchangeInProgress
	}
	return nil
}

// StartExchange opens a new session and starts listening for bumps and
// server pushes. It returns once the exchange is running; progress is
// reported through OnStateChange.
func (c *Client) StartExchange(permissionGranted bool, category model.SharingCategory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busyLocked(); err != nil {
		return err
	}

	c.generation++
	gen := c.generation
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done

	sessionID := c.opts.NewSessionID()
	c.setLocked(View{SessionID: sessionID, State: model.StateRequestingPermission})

	go func() {
		defer close(done)
		c.run(ctx, gen, sessionID, permissionGranted, category)
	}()
	return nil
}

// RedeemQR redeems a scanned share token and blocks until the server
// answers. ErrAlreadyScanned is returned as is.
func (c *Client) RedeemQR(ctx context.Context, qrToken string, category model.SharingCategory) (string, error) {
	c.mu.Lock()
	if err := c.busyLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.generation++
	gen := c.generation
	c.setLocked(View{State: model.StateQRScanPending})
	c.mu.Unlock()

	token, err := c.transport.RedeemQR(ctx, qrToken, category)
	if err != nil {
		c.advance(gen, model.StateError, func(v *View) { v.Err = err })
		return "", err
	}
	c.advance(gen, model.StateQRScanMatched, func(v *View) { v.MatchToken = token })
	return token, nil
}

// Reset returns a finished exchange to idle. It does nothing while an
// exchange is still running.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.view.State.IsTerminal() {
		return
	}
	c.generation++
	c.stopResetLocked()
	c.setLocked(View{State: model.StateIdle})
}

// Disconnect abandons the current exchange, if any, and waits for it to
// stop. The server is told on a best-effort basis. Safe to call
// repeatedly and from hooks.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	c.teardowns++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopResetLocked()
	prev := c.view
	if prev.State != model.StateIdle {
		c.setLocked(View{State: model.StateIdle})
	}
	listening := prev.State == model.StateWaitingForBump || prev.State == model.StateProcessing
	if listening {
		c.notify.push(notification{stopListening: true})
	}
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.teardowns--
		c.mu.Unlock()
	}()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if prev.SessionID != "" && !prev.State.IsTerminal() {
		c.closeRemote(ctx, prev.SessionID)
	}
	return nil
}

// Close disconnects and stops hook delivery.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.notify.stop()
	return err
}

func (c *Client) run(ctx context.Context, gen uint64, sessionID string, permissionGranted bool, category model.SharingCategory) {
	if !permissionGranted && c.opts.Permissions != nil {
		ok, err := c.opts.Permissions.RequestMotionPermission(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil || !ok {
			cause := ErrPermissionDenied
			if err != nil {
				cause = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			}
			c.fail(gen, cause)
			return
		}
	}

	opened, err := c.transport.OpenSession(ctx, sessionID, category)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, fmt.Errorf("failed to open session: %w", err))
		}
		return
	}
	if !c.advance(gen, model.StateWaitingForBump, func(v *View) {
		v.QRToken = opened.QRToken
		v.ExpiresAt = opened.ExpiresAt
	}) {
		return
	}

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	hits := c.listenSensors(listenCtx)
	updates := c.watch(listenCtx, sessionID)

	deadline := time.NewTimer(time.Until(opened.ExpiresAt) + c.opts.ExpiryGrace)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case hit, ok := <-hits:
			if !ok {
				hits = nil
				continue
			}
			if c.bump(ctx, gen, sessionID, hit) {
				return
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.err != nil {
				c.abandon(gen, sessionID, u.err)
				return
			}
			if c.applyServerView(gen, u.view) {
				return
			}
		case <-deadline.C:
			c.advance(gen, model.StateTimeout, func(v *View) { v.Err = ErrSessionExpired })
			return
		}
	}
}

// bump registers one hit and reports whether the exchange is finished. A
// hit without a partner keeps the client processing; later hits re-register
// without another transition.
func (c *Client) bump(ctx context.Context, gen uint64, sessionID string, hit HitEvent) bool {
	if !c.enterProcessing(gen) {
		return false
	}

	view, err := c.transport.RegisterHit(ctx, sessionID, hit.At, hit.ProximitySignal)
	switch {
	case ctx.Err() != nil:
		return true
	case errors.Is(err, ErrNotFound):
		c.advance(gen, model.StateTimeout, func(v *View) { v.Err = ErrSessionExpired })
		return true
	case err != nil:
		c.abandon(gen, sessionID, fmt.Errorf("failed to register hit: %w", err))
		return true
	}

	if view.State == model.StateWaitingForBump {
		c.logger.Debug("Hit registered, waiting for partner", util.SessionID(sessionID))
		return false
	}
	return c.applyServerView(gen, view)
}

func (c *Client) enterProcessing(gen uint64) bool {
	c.mu.Lock()
	already := gen == c.generation && c.view.State == model.StateProcessing
	c.mu.Unlock()
	if already {
		return true
	}
	return c.advance(gen, model.StateProcessing, nil)
}

// applyServerView mirrors a server view and reports whether it was final.
// Waiting views are ignored.
func (c *Client) applyServerView(gen uint64, view model.SessionView) bool {
	switch view.State {
	case model.StateMatched, model.StateQRScanMatched:
		if view.Match == nil || view.Match.Token == "" {
			return false
		}
		c.advance(gen, view.State, func(v *View) { v.MatchToken = view.Match.Token })
		return true
	case model.StateTimeout:
		c.advance(gen, model.StateTimeout, func(v *View) { v.Err = ErrSessionExpired })
		return true
	case model.StateError:
		c.fail(gen, errSessionClosed)
		return true
	}
	return false
}

// advance moves to state when gen is current and the move is legal, and
// reports whether it did.
func (c *Client) advance(gen uint64, state model.SessionState, edit func(*View)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || !allowed(c.view.State, state) {
		return false
	}

	next := c.view
	next.State = state
	next.Err = nil
	if edit != nil {
		edit(&next)
	}
	c.setLocked(next)

	switch state {
	case model.StateTimeout:
		c.scheduleResetLocked(gen, c.opts.TimeoutResetDelay)
	case model.StateError:
		c.scheduleResetLocked(gen, c.opts.ErrorResetDelay)
	}
	return true
}

func (c *Client) fail(gen uint64, err error) {
	c.advance(gen, model.StateError, func(v *View) { v.Err = err })
}

// abandon fails the exchange and closes the server session so the peer
// never matches against it.
func (c *Client) abandon(gen uint64, sessionID string, err error) {
	if !c.advance(gen, model.StateError, func(v *View) { v.Err = err }) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	c.closeRemote(ctx, sessionID)
}

func (c *Client) closeRemote(ctx context.Context, sessionID string) {
	if err := c.transport.CloseSession(ctx, sessionID); err != nil {
		c.logger.Warn("Failed to close exchange session", util.SessionID(sessionID), zap.Error(err))
	}
}

func (c *Client) setLocked(v View) {
	c.view = v
	c.notify.push(notification{view: &v})
}

func (c *Client) scheduleResetLocked(gen uint64, delay time.Duration) {
	c.stopResetLocked()
	c.resetTimer = time.AfterFunc(delay, func() { c.autoReset(gen) })
}

func (c *Client) stopResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func (c *Client) autoReset(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if s := c.view.State; s != model.StateTimeout && s != model.StateError {
		return
	}
	c.resetTimer = nil
	c.notify.push(notification{stopListening: true})
	c.setLocked(View{State: model.StateIdle})
}

func (c *Client) deliver(n notification) {
	if n.view != nil && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(*n.view)
	}
	if n.stopListening && c.opts.OnStopListening != nil {
		c.opts.OnStopListening()
	}
}

func (c *Client) listenSensors(ctx context.Context) <-chan HitEvent {
	if c.opts.Sensors == nil {
		return nil
	}
	hits, err := c.opts.Sensors.Listen(ctx)
	if err != nil {
		c.logger.Warn("Motion sensors unavailable, waiting for QR scan only", zap.Error(err))
		return nil
	}
	return hits
}

// watch merges the push stream and, when it is unavailable or ends early,
// polling. The channel closes when ctx ends.
func (c *Client) watch(ctx context.Context, sessionID string) <-chan update {
	out := make(chan update, 4)
	go func() {
		defer close(out)

		stream, err := c.transport.Watch(ctx, sessionID)
		if err == nil {
			for view := range stream {
				select {
				case out <- update{view: view}:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Session stream ended, polling", util.SessionID(sessionID))
		} else {
			c.logger.Debug("Session stream unavailable, polling", util.SessionID(sessionID), zap.Error(err))
		}
		c.poll(ctx, sessionID, out)
	}()
	return out
}

func (c *Client) poll(ctx context.Context, sessionID string, out chan<- update) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var u update
		view, err := c.transport.GetSession(ctx, sessionID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNotFound):
			u.view = model.SessionView{SessionID: sessionID, State: model.StateTimeout}
		case err != nil:
			u.err = fmt.Errorf("failed to poll session: %w", err)
		default:
			u.view = view
		}

		select {
		case out <- u:
		case <-ctx.Done():
			return
		}
		if u.err != nil || u.view.State.IsTerminal() {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
