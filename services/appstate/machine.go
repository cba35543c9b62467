// Package appstate owns the application state (which screen/mode the device
// is in) and routes key presses to the handler for the current state.
package appstate

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"calx-go/types"
	"calx-go/x/mathx"
)

const DefaultLockTimeout = 100 * time.Millisecond

// Menu grid items, row-major.
const (
	MenuChat = iota
	MenuFile
	MenuAI
	MenuSettings
	menuItems
)

// Settings list.
const (
	SettingsInternet = iota
	SettingsAIConfig
	SettingsAdvanced
	SettingsUpdate
	SettingsBind
	SettingsKeyboard
	settingsItems
)

// Advanced submenu.
const (
	AdvancedFactoryReset = iota
	AdvancedClearCache
	AdvancedDebugInfo
	AdvancedPowerMode
	AdvancedScreenTimeout
	AdvancedTextSize
	advancedItems
)

var (
	SettingsLabels = [settingsItems]string{"Internet", "AI Config", "Advanced", "Update", "Bind", "Keyboard"}
	AdvancedLabels = [advancedItems]string{"Factory reset", "Clear cache", "Debug info", "Power mode", "Screen time", "Text size"}
)

// Poster is where the machine sends requests meant for other owners.
type Poster interface {
	Post(types.Event) bool
}

// Screens handles keys for the content screens (Chat, File, AI).
type Screens interface {
	HandleScreenKey(s types.AppState, k types.Key)
}

// Notifier observes committed transitions. It runs after the state lock has
// been released, so it may call back into the Machine.
type Notifier func(from, to types.AppState)

// Snapshot is a consistent copy of everything the renderer needs.
type Snapshot struct {
	State        types.AppState
	Previous     types.AppState
	MenuSel      int
	SettingsSel  int
	AdvancedOpen bool
	AdvancedSel  int
	Error        string
	Notice       string
	Busy         bool
}

// Machine is the application state machine. All methods are safe for
// concurrent use.
type Machine struct {
	lock        chan struct{}
	lockTimeout time.Duration
	log         *slog.Logger

	// guarded by lock
	cur, prev    types.AppState
	menuSel      int
	settingsSel  int
	advancedOpen bool
	advancedSel  int
	errMsg       string
	notice       string
	version      string

	last atomic.Uint32 // last committed state, readable without lock
	busy atomic.Bool

	nmu       sync.Mutex
	notifiers []Notifier

	post    Poster
	screens Screens
}

// New returns a machine in StateBoot.
func New(post Poster, screens Screens, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		lock:        make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
		log:         log.With(slog.String("svc", "appstate")),
		post:        post,
		screens:     screens,
		version:     "dev",
	}
	m.last.Store(uint32(types.StateBoot))
	return m
}

// SetScreens installs the content-screen key handler. Call it before keys
// start flowing.
func (m *Machine) SetScreens(s Screens) { m.screens = s }

// SetVersion sets the firmware version shown by the debug info entry.
func (m *Machine) SetVersion(v string) {
	if m.acquire() {
		m.version = v
		m.release()
	}
}

// OnChange registers n to be called after every committed transition.
func (m *Machine) OnChange(n Notifier) {
	m.nmu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.nmu.Unlock()
}

func (m *Machine) acquire() bool {
	select {
	case m.lock <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(m.lockTimeout)
	defer t.Stop()
	select {
	case m.lock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (m *Machine) release() { <-m.lock }

// -----------------------------------------------------------------------------
// State access
// -----------------------------------------------------------------------------

// Get returns the current state, or the last committed one if the lock
// could not be taken in time.
func (m *Machine) Get() types.AppState {
	if !m.acquire() {
		return types.AppState(m.last.Load())
	}
	s := m.cur
	m.release()
	return s
}

// Previous returns the state that was current before the last transition.
func (m *Machine) Previous() types.AppState {
	if !m.acquire() {
		return types.StateBoot
	}
	p := m.prev
	m.release()
	return p
}

// Set moves to s. Setting the current state is a no-op. If the lock cannot be
// taken in time the state is left unchanged and false is returned.
func (m *Machine) Set(s types.AppState) bool {
	if !m.acquire() {
		m.log.Warn("state lock timeout", slog.String("to", s.String()))
		return false
	}
	from, changed := m.setLocked(s)
	m.release()
	if changed {
		m.notify(from, s)
	}
	return true
}

func (m *Machine) setLocked(s types.AppState) (types.AppState, bool) {
	from := m.cur
	if s == from {
		return from, false
	}
	m.prev = from
	m.cur = s
	m.last.Store(uint32(s))
	switch s {
	case types.StateMenu:
		m.menuSel = 0
	case types.StateSettings:
		m.settingsSel = 0
		m.advancedOpen = false
		m.advancedSel = 0
	}
	m.notice = ""
	m.log.Info("state", slog.String("from", from.String()), slog.String("to", s.String()))
	return from, true
}

func (m *Machine) notify(from, to types.AppState) {
	m.nmu.Lock()
	ns := make([]Notifier, len(m.notifiers))
	copy(ns, m.notifiers)
	m.nmu.Unlock()
	for _, n := range ns {
		n(from, to)
	}
}

// GoBack navigates one level up: content screens to Menu, Menu to Idle and
// Error to whatever preceded it. Other states ignore it.
func (m *Machine) GoBack() {
	if !m.acquire() {
		m.log.Warn("state lock timeout", slog.String("op", "go_back"))
		return
	}
	var target types.AppState
	ok := true
	switch m.cur {
	case types.StateMenu:
		target = types.StateIdle
	case types.StateChat, types.StateFile, types.StateAI, types.StateSettings:
		target = types.StateMenu
	case types.StateError:
		target = m.prev
	default:
		ok = false
	}
	var from types.AppState
	changed := false
	if ok {
		from, changed = m.setLocked(target)
	}
	m.release()
	if changed {
		m.notify(from, target)
	}
}

// GoIdle forces Idle and resets the menu selection.
func (m *Machine) GoIdle() {
	if !m.acquire() {
		m.log.Warn("state lock timeout", slog.String("op", "go_idle"))
		return
	}
	from, changed := m.setLocked(types.StateIdle)
	m.menuSel = 0
	m.release()
	if changed {
		m.notify(from, types.StateIdle)
	}
}

// SetError records msg and enters StateError.
func (m *Machine) SetError(msg string) {
	if len(msg) > 63 {
		msg = msg[:63]
	}
	if !m.acquire() {
		m.log.Warn("state lock timeout", slog.String("op", "set_error"), slog.String("msg", msg))
		return
	}
	m.errMsg = msg
	from, changed := m.setLocked(types.StateError)
	m.release()
	if changed {
		m.notify(from, types.StateError)
	}
}

// ErrorMessage returns the message recorded by the last SetError.
func (m *Machine) ErrorMessage() string {
	if !m.acquire() {
		return ""
	}
	s := m.errMsg
	m.release()
	return s
}

func (m *Machine) SetBusy(b bool) { m.busy.Store(b) }
func (m *Machine) IsBusy() bool   { return m.busy.Load() }

// Snapshot returns a copy of the render-relevant state.
func (m *Machine) Snapshot() Snapshot {
	if !m.acquire() {
		return Snapshot{State: types.AppState(m.last.Load()), Busy: m.busy.Load()}
	}
	s := Snapshot{
		State:        m.cur,
		Previous:     m.prev,
		MenuSel:      m.menuSel,
		SettingsSel:  m.settingsSel,
		AdvancedOpen: m.advancedOpen,
		AdvancedSel:  m.advancedSel,
		Error:        m.errMsg,
		Notice:       m.notice,
	}
	m.release()
	s.Busy = m.busy.Load()
	return s
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

// HandleKey is the key sink: AC long press always returns to Idle, AC short
// press goes back, anything else goes to the current state's handler.
func (m *Machine) HandleKey(k types.Key, long bool) {
	if k == types.KeyAC {
		if long {
			m.GoIdle()
		} else {
			m.GoBack()
		}
		return
	}
	if k == types.KeyNone {
		return
	}

	switch st := m.Get(); st {
	case types.StateNotBound:
		m.request(types.Event{Kind: types.EventProvisionRequested})
		m.Set(types.StateWifiSetup)
	case types.StateIdle:
		m.Set(types.StateMenu)
	case types.StateMenu:
		m.menuKey(k)
	case types.StateSettings:
		m.settingsKey(k)
	case types.StateChat, types.StateFile, types.StateAI:
		if m.screens != nil {
			m.screens.HandleScreenKey(st, k)
		}
	}
}

func (m *Machine) request(ev types.Event) {
	if m.post == nil {
		return
	}
	if !m.post.Post(ev) {
		m.log.Warn("request dropped", slog.String("kind", ev.Kind.String()))
	}
}

func (m *Machine) menuKey(k types.Key) {
	if !m.acquire() {
		return
	}
	sel := m.menuSel
	pick := -1
	switch k {
	case types.KeyUp:
		if sel >= 2 {
			sel -= 2
		}
	case types.KeyDown:
		if sel < 2 {
			sel += 2
		}
	case types.KeyLeft:
		if sel%2 == 1 {
			sel--
		}
	case types.KeyRight:
		if sel%2 == 0 {
			sel++
		}
	case types.KeyOK, types.KeyEquals:
		pick = sel
	case types.Key1, types.Key2, types.Key3, types.Key4:
		pick = int(k - types.Key1)
	}
	m.menuSel = mathx.Clamp(sel, 0, menuItems-1)
	m.release()

	switch pick {
	case MenuChat:
		m.Set(types.StateChat)
	case MenuFile:
		m.Set(types.StateFile)
	case MenuAI:
		m.Set(types.StateAI)
	case MenuSettings:
		m.Set(types.StateSettings)
	}
}

func (m *Machine) settingsKey(k types.Key) {
	if !m.acquire() {
		return
	}
	open := m.advancedOpen
	sel := m.settingsSel
	n := settingsItems
	if open {
		sel, n = m.advancedSel, advancedItems
	}
	activate := false
	switch k {
	case types.KeyUp:
		sel--
	case types.KeyDown:
		sel++
	case types.KeyOK, types.KeyEquals:
		activate = true
	case types.KeyDel:
		if open {
			m.advancedOpen = false
			m.advancedSel = 0
			m.release()
			return
		}
	default:
		if d, ok := k.Digit(); ok && d >= 1 && d <= n {
			sel = d - 1
		}
	}
	sel = mathx.Clamp(sel, 0, n-1)
	if open {
		m.advancedSel = sel
	} else {
		m.settingsSel = sel
		if activate && sel == SettingsAdvanced {
			m.advancedOpen = true
			m.advancedSel = 0
			activate = false
		}
	}
	m.release()

	if !activate {
		return
	}
	if open {
		m.activateAdvanced(sel)
	} else {
		m.activateSetting(sel)
	}
}

func (m *Machine) activateSetting(item int) {
	switch item {
	case SettingsInternet:
		m.request(types.Event{Kind: types.EventProvisionRequested})
		m.Set(types.StateWifiSetup)
	case SettingsAIConfig:
		m.SetNotice("Configure AI on web")
	case SettingsUpdate:
		m.request(types.Event{Kind: types.EventUpdateRequested})
	case SettingsBind:
		m.request(types.Event{Kind: types.EventRebindRequested})
	case SettingsKeyboard:
		m.request(types.Event{Kind: types.EventKeyboardToggled})
	}
}

func (m *Machine) activateAdvanced(item int) {
	switch item {
	case AdvancedFactoryReset:
		m.request(types.Event{Kind: types.EventFactoryResetRequested})
	case AdvancedClearCache:
		m.request(types.Event{Kind: types.EventClearCacheRequested})
	case AdvancedDebugInfo:
		if m.acquire() {
			m.notice = "fw " + m.version
			m.release()
		}
	case AdvancedPowerMode:
		m.request(types.Event{Kind: types.EventPowerModeToggled})
	case AdvancedScreenTimeout:
		m.request(types.Event{Kind: types.EventScreenTimeoutCycled})
	case AdvancedTextSize:
		m.request(types.Event{Kind: types.EventTextSizeCycled})
	}
}

// SetNotice shows a one-line message on the settings screen until the next
// transition.
func (m *Machine) SetNotice(s string) {
	if m.acquire() {
		m.notice = s
		m.release()
	}
}
