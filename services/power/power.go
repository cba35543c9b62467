// Package power tracks the power mode and blanks the screen after a period
// without activity.
package power

import (
	"log/slog"
	"sync"
	"time"

	"calx-go/types"
)

// Store persists the user's choices.
type Store interface {
	PowerMode() types.PowerMode
	SetPowerMode(types.PowerMode) error
	ScreenTimeout() time.Duration
	SetScreenTimeout(time.Duration) error
}

// Screen switches the panel on or off.
type Screen interface {
	SetPower(on bool)
}

// timeoutSteps is the cycle offered in the settings menu.
var timeoutSteps = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

type Manager struct {
	store  Store
	screen Screen
	log    *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	mode         types.PowerMode
	forced       bool
	timeout      time.Duration
	lastActivity time.Time
	off          bool
}

func New(store Store, screen Screen, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store:  store,
		screen: screen,
		log:    log.With(slog.String("svc", "power")),
		now:    time.Now,
	}
	m.mode = store.PowerMode()
	m.timeout = store.ScreenTimeout()
	m.lastActivity = m.now()
	m.log.Info("power manager ready", slog.String("mode", m.mode.String()), slog.Duration("screen_timeout", m.timeout))
	return m
}

// SetScreen installs the panel. Call before Update runs.
func (m *Manager) SetScreen(s Screen) { m.screen = s }

// SetClock replaces the time source used for the blanking timeout and
// restarts the activity timer on it. Call before Update runs.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.lastActivity = now()
	m.mu.Unlock()
}

// Mode is the effective mode: forced low power overrides the user's choice.
func (m *Manager) Mode() types.PowerMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forced {
		return types.PowerLow
	}
	return m.mode
}

func (m *Manager) SetMode(mode types.PowerMode) {
	m.mu.Lock()
	if mode == m.mode {
		m.mu.Unlock()
		return
	}
	m.mode = mode
	m.mu.Unlock()
	if err := m.store.SetPowerMode(mode); err != nil {
		m.log.Warn("persist power mode", slog.Any("err", err))
	}
	m.log.Info("power mode changed", slog.String("mode", mode.String()))
}

// ToggleMode flips between normal and low power and returns the new mode.
func (m *Manager) ToggleMode() types.PowerMode {
	m.mu.Lock()
	next := types.PowerLow
	if m.mode == types.PowerLow {
		next = types.PowerNormal
	}
	m.mu.Unlock()
	m.SetMode(next)
	return next
}

// ForceLow pins low power (e.g. on a low battery) until released.
func (m *Manager) ForceLow(on bool) {
	m.mu.Lock()
	changed := m.forced != on
	m.forced = on
	m.mu.Unlock()
	if changed {
		m.log.Warn("forced low power", slog.Bool("on", on))
	}
}

func (m *Manager) ScreenTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// CycleScreenTimeout moves to the next step after the current timeout,
// wrapping around, persists it and returns it.
func (m *Manager) CycleScreenTimeout() time.Duration {
	m.mu.Lock()
	next := timeoutSteps[0]
	for _, s := range timeoutSteps {
		if s > m.timeout {
			next = s
			break
		}
	}
	m.timeout = next
	m.mu.Unlock()
	if err := m.store.SetScreenTimeout(next); err != nil {
		m.log.Warn("persist screen timeout", slog.Any("err", err))
	}
	m.log.Info("screen timeout set", slog.Duration("timeout", next))
	return next
}

// SetScreenTimeout persists d and adopts whatever the store kept after
// clamping.
func (m *Manager) SetScreenTimeout(d time.Duration) time.Duration {
	if err := m.store.SetScreenTimeout(d); err != nil {
		m.log.Warn("persist screen timeout", slog.Any("err", err))
		return m.ScreenTimeout()
	}
	got := m.store.ScreenTimeout()
	m.mu.Lock()
	m.timeout = got
	m.mu.Unlock()
	return got
}

// Reload re-reads the persisted mode and timeout, e.g. after a factory reset.
func (m *Manager) Reload() {
	mode, timeout := m.store.PowerMode(), m.store.ScreenTimeout()
	m.mu.Lock()
	m.mode, m.timeout = mode, timeout
	m.mu.Unlock()
}

// Activity records user activity and wakes the screen.
func (m *Manager) Activity() {
	m.mu.Lock()
	m.lastActivity = m.now()
	wake := m.off
	m.off = false
	m.mu.Unlock()
	if wake {
		m.setScreen(true)
		m.log.Debug("screen on")
	}
}

// Update blanks the screen once the timeout has elapsed since the last
// activity.
func (m *Manager) Update() {
	m.mu.Lock()
	sleep := !m.off && m.now().Sub(m.lastActivity) >= m.timeout
	if sleep {
		m.off = true
	}
	m.mu.Unlock()
	if sleep {
		m.setScreen(false)
		m.log.Debug("screen off")
	}
}

// ScreenOn reports whether the panel is lit.
func (m *Manager) ScreenOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.off
}

func (m *Manager) setScreen(on bool) {
	if m.screen != nil {
		m.screen.SetPower(on)
	}
}
