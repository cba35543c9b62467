package appstate

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"calx-go/types"
)

type fakePoster struct {
	mu  sync.Mutex
	evs []types.Event
}

func (p *fakePoster) Post(ev types.Event) bool {
	p.mu.Lock()
	p.evs = append(p.evs, ev)
	p.mu.Unlock()
	return true
}

func (p *fakePoster) kinds() []types.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventKind, len(p.evs))
	for i, e := range p.evs {
		out[i] = e.Kind
	}
	return out
}

type fakeScreens struct {
	states []types.AppState
	keys   []types.Key
}

func (f *fakeScreens) HandleScreenKey(s types.AppState, k types.Key) {
	f.states = append(f.states, s)
	f.keys = append(f.keys, k)
}

func newMachine(t *testing.T) (*Machine, *fakePoster, *fakeScreens) {
	t.Helper()
	p := &fakePoster{}
	s := &fakeScreens{}
	m := New(p, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, p, s
}

// force puts m in st with the given previous state.
func force(t *testing.T, m *Machine, prev, st types.AppState) {
	t.Helper()
	m.Set(prev)
	m.Set(st)
	if m.Get() != st {
		t.Fatalf("setup: state=%v want %v", m.Get(), st)
	}
}

func TestSet_NoOpWhenEqual(t *testing.T) {
	m, _, _ := newMachine(t)
	calls := 0
	m.OnChange(func(_, _ types.AppState) { calls++ })

	m.Set(types.StateIdle)
	m.Set(types.StateIdle)
	if calls != 1 {
		t.Fatalf("notifier calls=%d, want 1", calls)
	}
	if m.Previous() != types.StateBoot {
		t.Fatalf("previous=%v", m.Previous())
	}
}

func TestNotifier_RunsOutsideLock(t *testing.T) {
	m, _, _ := newMachine(t)
	done := make(chan struct{})
	m.OnChange(func(from, to types.AppState) {
		if to == types.StateIdle {
			// Would deadlock (and time out) if still holding the lock.
			m.Set(types.StateMenu)
			close(done)
		}
	})
	m.Set(types.StateIdle)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier never ran")
	}
	if m.Get() != types.StateMenu {
		t.Fatalf("state=%v, want menu", m.Get())
	}
}

func TestHandleKey_ACLongAlwaysIdle(t *testing.T) {
	for _, st := range types.AllStates() {
		m, _, _ := newMachine(t)
		m.Set(types.StateMenu)
		m.Set(st)
		m.HandleKey(types.KeyAC, true)
		if got := m.Get(); got != types.StateIdle {
			t.Errorf("from %v: got %v, want idle", st, got)
		}
		if snap := m.Snapshot(); snap.MenuSel != 0 {
			t.Errorf("from %v: menu selection %d", st, snap.MenuSel)
		}
	}
}

func TestGoBack_Table(t *testing.T) {
	cases := []struct {
		prev, from, want types.AppState
	}{
		{types.StateIdle, types.StateMenu, types.StateIdle},
		{types.StateMenu, types.StateChat, types.StateMenu},
		{types.StateMenu, types.StateFile, types.StateMenu},
		{types.StateMenu, types.StateAI, types.StateMenu},
		{types.StateMenu, types.StateSettings, types.StateMenu},
		{types.StateChat, types.StateError, types.StateChat},
		{types.StateIdle, types.StateBind, types.StateBind},
		{types.StateIdle, types.StateOtaUpdate, types.StateOtaUpdate},
		{types.StateMenu, types.StateIdle, types.StateIdle},
	}
	for _, c := range cases {
		m, _, _ := newMachine(t)
		force(t, m, c.prev, c.from)
		m.HandleKey(types.KeyAC, false)
		if got := m.Get(); got != c.want {
			t.Errorf("%v -> back: got %v, want %v", c.from, got, c.want)
		}
	}
}

func TestMenu_GridNavigation(t *testing.T) {
	m, _, _ := newMachine(t)
	m.Set(types.StateMenu)

	steps := []struct {
		k    types.Key
		want int
	}{
		{types.KeyUp, 0},
		{types.KeyLeft, 0},
		{types.KeyRight, 1},
		{types.KeyRight, 1},
		{types.KeyDown, 3},
		{types.KeyDown, 3},
		{types.KeyLeft, 2},
		{types.KeyUp, 0},
	}
	for i, s := range steps {
		m.HandleKey(s.k, false)
		if got := m.Snapshot().MenuSel; got != s.want {
			t.Fatalf("step %d: sel=%d, want %d", i, got, s.want)
		}
	}
	m.HandleKey(types.KeyDown, false)
	m.HandleKey(types.KeyRight, false)
	m.HandleKey(types.KeyOK, false)
	if m.Get() != types.StateSettings {
		t.Fatalf("OK on item 3: %v", m.Get())
	}
}

func TestMenu_DirectSelect(t *testing.T) {
	want := map[types.Key]types.AppState{
		types.Key1: types.StateChat,
		types.Key2: types.StateFile,
		types.Key3: types.StateAI,
		types.Key4: types.StateSettings,
	}
	for k, st := range want {
		m, _, _ := newMachine(t)
		m.Set(types.StateMenu)
		m.HandleKey(k, false)
		if m.Get() != st {
			t.Errorf("key %d: %v, want %v", k, m.Get(), st)
		}
	}
}

func TestMenu_EntryResetsSelection(t *testing.T) {
	m, _, _ := newMachine(t)
	m.Set(types.StateMenu)
	m.HandleKey(types.KeyDown, false)
	m.HandleKey(types.KeyEquals, false)
	if m.Get() != types.StateAI {
		t.Fatalf("state=%v", m.Get())
	}
	m.GoBack()
	if sel := m.Snapshot().MenuSel; sel != 0 {
		t.Fatalf("sel=%d after re-entry", sel)
	}
}

func TestNotBound_AnyKeyStartsProvisioning(t *testing.T) {
	m, p, _ := newMachine(t)
	m.Set(types.StateNotBound)
	m.HandleKey(types.Key5, false)
	if m.Get() != types.StateWifiSetup {
		t.Fatalf("state=%v", m.Get())
	}
	ks := p.kinds()
	if len(ks) != 1 || ks[0] != types.EventProvisionRequested {
		t.Fatalf("requests=%v", ks)
	}
}

func TestIdle_AnyKeyOpensMenu(t *testing.T) {
	m, _, _ := newMachine(t)
	m.Set(types.StateIdle)
	m.HandleKey(types.KeyDot, false)
	if m.Get() != types.StateMenu {
		t.Fatalf("state=%v", m.Get())
	}
}

func TestContentScreens_KeysForwarded(t *testing.T) {
	m, _, s := newMachine(t)
	force(t, m, types.StateMenu, types.StateFile)
	m.HandleKey(types.KeyDown, false)
	m.HandleKey(types.KeyEquals, false)
	if len(s.keys) != 2 || s.states[0] != types.StateFile || s.keys[1] != types.KeyEquals {
		t.Fatalf("forwarded=%v %v", s.states, s.keys)
	}
}

func TestSettings_NavigationAndActions(t *testing.T) {
	m, p, _ := newMachine(t)
	force(t, m, types.StateMenu, types.StateSettings)

	m.HandleKey(types.KeyUp, false)
	if m.Snapshot().SettingsSel != 0 {
		t.Fatal("up from top not clamped")
	}
	for i := 0; i < 10; i++ {
		m.HandleKey(types.KeyDown, false)
	}
	if sel := m.Snapshot().SettingsSel; sel != SettingsKeyboard {
		t.Fatalf("sel=%d, want clamped to %d", sel, SettingsKeyboard)
	}
	m.HandleKey(types.Key4, false)
	if sel := m.Snapshot().SettingsSel; sel != SettingsUpdate {
		t.Fatalf("direct select sel=%d", sel)
	}
	m.HandleKey(types.KeyOK, false)
	m.HandleKey(types.Key9, false) // out of range, ignored
	if sel := m.Snapshot().SettingsSel; sel != SettingsUpdate {
		t.Fatalf("sel changed by 9: %d", sel)
	}
	ks := p.kinds()
	if len(ks) != 1 || ks[0] != types.EventUpdateRequested {
		t.Fatalf("requests=%v", ks)
	}
}

func TestSettings_AdvancedSubmenu(t *testing.T) {
	m, p, _ := newMachine(t)
	force(t, m, types.StateMenu, types.StateSettings)

	m.HandleKey(types.Key3, false)
	m.HandleKey(types.KeyOK, false)
	if !m.Snapshot().AdvancedOpen {
		t.Fatal("advanced not opened")
	}
	m.HandleKey(types.Key4, false)
	m.HandleKey(types.KeyEquals, false)
	m.HandleKey(types.KeyDown, false)
	m.HandleKey(types.KeyOK, false)

	ks := p.kinds()
	want := []types.EventKind{types.EventPowerModeToggled, types.EventScreenTimeoutCycled}
	if len(ks) != len(want) || ks[0] != want[0] || ks[1] != want[1] {
		t.Fatalf("requests=%v, want %v", ks, want)
	}

	m.HandleKey(types.KeyDel, false)
	snap := m.Snapshot()
	if snap.AdvancedOpen || snap.State != types.StateSettings {
		t.Fatalf("after DEL: %+v", snap)
	}

	m.HandleKey(types.Key3, false)
	m.HandleKey(types.KeyOK, false)
	m.HandleKey(types.KeyAC, false)
	if m.Get() != types.StateMenu {
		t.Fatalf("AC from submenu: %v", m.Get())
	}
	m.HandleKey(types.Key4, false)
	if m.Snapshot().AdvancedOpen {
		t.Fatal("submenu survived re-entry")
	}
}

func TestSetError_BackRestoresPrevious(t *testing.T) {
	m, _, _ := newMachine(t)
	force(t, m, types.StateMenu, types.StateChat)
	m.SetError("API Error")
	if m.Get() != types.StateError || m.ErrorMessage() != "API Error" {
		t.Fatalf("state=%v msg=%q", m.Get(), m.ErrorMessage())
	}
	m.GoBack()
	if m.Get() != types.StateChat {
		t.Fatalf("state=%v, want chat", m.Get())
	}
}

func TestSet_LockTimeoutLeavesStateUnchanged(t *testing.T) {
	m, _, _ := newMachine(t)
	m.lockTimeout = 20 * time.Millisecond
	m.Set(types.StateIdle)

	m.lock <- struct{}{} // hold the lock
	start := time.Now()
	if m.Set(types.StateMenu) {
		t.Fatal("Set succeeded while lock held")
	}
	if time.Since(start) < m.lockTimeout {
		t.Fatal("Set gave up before the timeout")
	}
	if got := m.Get(); got != types.StateIdle {
		t.Fatalf("Get under contention=%v, want last value idle", got)
	}
	m.release()

	if m.Get() != types.StateIdle {
		t.Fatalf("state changed: %v", m.Get())
	}
}
