// Package bind runs the pairing ceremony: request a short code, show it,
// poll until the backend reports the device bound, then store the token.
package bind

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calx-go/errcode"
	"calx-go/types"
	"calx-go/x/timex"
)

type Backend interface {
	RequestBindCode(ctx context.Context, deviceID string) (code string, expiresIn time.Duration, err error)
	BindStatus(ctx context.Context, deviceID string) (bound bool, token string, err error)
}

type TokenStore interface {
	SetToken(string) error
	ClearToken() error
	IsBound() bool
}

type States interface {
	Get() types.AppState
	Set(types.AppState) bool
}

type Link interface{ Connected() bool }

type Poster interface{ Post(types.Event) bool }

type Options struct {
	DeviceID     string
	PollInterval time.Duration
	// RetryMax caps the delay between failed code requests.
	RetryMax time.Duration
	Logger   *slog.Logger
}

// Binder owns the single BindSession. Tick is called from the network loop
// only; Session may be read from anywhere.
type Binder struct {
	opt    Options
	api    Backend
	tokens TokenStore
	states States
	link   Link
	post   Poster
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	session     *types.BindSession
	lastRequest time.Time
	nextRequest time.Time
	retry       func() time.Duration
}

func New(api Backend, tokens TokenStore, states States, link Link, post Poster, o Options) *Binder {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Binder{
		opt:    o,
		api:    api,
		tokens: tokens,
		states: states,
		link:   link,
		post:   post,
		log:    o.Logger.With(slog.String("svc", "bind")),
		now:    time.Now,
		retry:  timex.Backoff(o.PollInterval, o.RetryMax),
	}
}

// SetDeviceID sets the identity sent to the backend. Call before Tick runs.
func (b *Binder) SetDeviceID(id string) { b.opt.DeviceID = id }

// Session returns the active session, if any.
func (b *Binder) Session() (types.BindSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return types.BindSession{}, false
	}
	return *b.session, true
}

// Tick advances the ceremony: an unbound, connected device in NotBound gets
// a code (at most once per poll interval, backing off after failures), and a
// device in Bind polls when due.
func (b *Binder) Tick(ctx context.Context) {
	if !b.link.Connected() {
		return
	}
	switch b.states.Get() {
	case types.StateNotBound:
		if b.tokens.IsBound() {
			return
		}
		b.mu.Lock()
		due := b.lastRequest.IsZero() || !b.now().Before(b.nextRequest)
		b.mu.Unlock()
		if due {
			if _, err := b.Request(ctx); err != nil {
				b.log.Warn("bind code request failed", slog.Any("err", err))
			}
		}
	case types.StateBind:
		if _, err := b.Poll(ctx); err != nil && errcode.Of(err) != errcode.Busy {
			b.log.Debug("bind poll", slog.Any("err", err))
		}
	}
}

// Request starts a fresh session, superseding any previous one, and moves
// the app to Bind.
func (b *Binder) Request(ctx context.Context) (types.BindSession, error) {
	now := b.now()
	b.mu.Lock()
	b.lastRequest = now
	b.mu.Unlock()

	code, exp, err := b.api.RequestBindCode(ctx, b.opt.DeviceID)
	b.mu.Lock()
	if err != nil {
		b.nextRequest = now.Add(b.retry())
	} else {
		b.nextRequest = now.Add(b.opt.PollInterval)
		b.retry = timex.Backoff(b.opt.PollInterval, b.opt.RetryMax)
	}
	b.mu.Unlock()
	if err != nil {
		return types.BindSession{}, err
	}
	s := types.BindSession{
		DeviceID:  b.opt.DeviceID,
		Code:      code,
		ExpiresIn: exp,
		Created:   now,
		LastPoll:  now,
	}
	b.mu.Lock()
	b.session = &s
	b.mu.Unlock()

	b.log.Info("bind code issued", slog.String("code", code), slog.Duration("expires_in", exp))
	b.states.Set(types.StateBind)
	return s, nil
}

// Poll checks the bind status once. It returns Busy when the poll interval
// has not elapsed, NoBindSession without a session, and BindExpired once the
// code has expired (the app returns to NotBound so a fresh code is
// requested). A bound response completes the ceremony exactly once.
func (b *Binder) Poll(ctx context.Context) (bool, error) {
	now := b.now()
	b.mu.Lock()
	s := b.session
	if s == nil {
		b.mu.Unlock()
		return false, &errcode.E{C: errcode.NoBindSession, Op: "bind_poll"}
	}
	if s.Expired(now) {
		b.session = nil
		b.mu.Unlock()
		b.log.Warn("bind code expired", slog.String("code", s.Code))
		b.post.Post(types.Event{Kind: types.EventBindFailed})
		b.states.Set(types.StateNotBound)
		return false, &errcode.E{C: errcode.BindExpired, Op: "bind_poll"}
	}
	if now.Sub(s.LastPoll) < b.opt.PollInterval {
		b.mu.Unlock()
		return false, errcode.Busy
	}
	s.LastPoll = now
	deviceID := s.DeviceID
	b.mu.Unlock()

	bound, token, err := b.api.BindStatus(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if !bound {
		return false, nil
	}

	b.mu.Lock()
	if b.session != s {
		// Superseded or already completed.
		b.mu.Unlock()
		return false, nil
	}
	b.session = nil
	b.mu.Unlock()

	if err := b.tokens.SetToken(token); err != nil {
		b.log.Error("store token failed", slog.Any("err", err))
		return false, err
	}
	b.log.Info("device bound")
	b.states.Set(types.StateIdle)
	b.post.Post(types.Event{Kind: types.EventBindSuccess})
	return true, nil
}

// Unbind forgets the token and any session so the ceremony starts over.
func (b *Binder) Unbind() error {
	b.mu.Lock()
	b.session = nil
	b.lastRequest = time.Time{}
	b.retry = timex.Backoff(b.opt.PollInterval, b.opt.RetryMax)
	b.mu.Unlock()
	if err := b.tokens.ClearToken(); err != nil {
		return err
	}
	b.states.Set(types.StateNotBound)
	return nil
}
