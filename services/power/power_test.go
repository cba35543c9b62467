package power

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"calx-go/types"
)

type memStore struct {
	mode    types.PowerMode
	timeout time.Duration
	writes  int
}

func (s *memStore) PowerMode() types.PowerMode { return s.mode }
func (s *memStore) SetPowerMode(m types.PowerMode) error {
	s.mode = m
	s.writes++
	return nil
}
func (s *memStore) ScreenTimeout() time.Duration { return s.timeout }
func (s *memStore) SetScreenTimeout(d time.Duration) error {
	s.timeout = d
	s.writes++
	return nil
}

type panel struct{ calls []bool }

func (p *panel) SetPower(on bool) { p.calls = append(p.calls, on) }

func newManager(store *memStore, p *panel) (*Manager, *time.Time) {
	clock := time.Unix(1_700_000_000, 0)
	m := New(store, p, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(func() time.Time { return clock })
	return m, &clock
}

func TestScreenSleepsAndWakes(t *testing.T) {
	p := &panel{}
	m, clock := newManager(&memStore{timeout: 30 * time.Second}, p)

	*clock = clock.Add(29 * time.Second)
	m.Update()
	if !m.ScreenOn() {
		t.Fatal("blanked early")
	}
	*clock = clock.Add(time.Second)
	m.Update()
	m.Update()
	if m.ScreenOn() || len(p.calls) != 1 || p.calls[0] {
		t.Fatalf("on=%v calls=%v", m.ScreenOn(), p.calls)
	}

	m.Activity()
	m.Activity()
	if !m.ScreenOn() || len(p.calls) != 2 || !p.calls[1] {
		t.Fatalf("on=%v calls=%v", m.ScreenOn(), p.calls)
	}
}

func TestToggleAndForcedMode(t *testing.T) {
	s := &memStore{timeout: 30 * time.Second}
	m, _ := newManager(s, &panel{})

	if m.ToggleMode() != types.PowerLow || s.mode != types.PowerLow {
		t.Fatal("toggle to low not persisted")
	}
	m.ToggleMode()
	if m.Mode() != types.PowerNormal {
		t.Fatal("toggle back failed")
	}

	m.ForceLow(true)
	if m.Mode() != types.PowerLow || s.mode != types.PowerNormal {
		t.Fatal("forced low should not touch the stored choice")
	}
	m.ForceLow(false)
	if m.Mode() != types.PowerNormal {
		t.Fatal("release failed")
	}
}

func TestCycleScreenTimeout(t *testing.T) {
	s := &memStore{timeout: 30 * time.Second}
	m, _ := newManager(s, &panel{})
	want := []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second, 10 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := m.CycleScreenTimeout(); got != w || s.timeout != w {
			t.Fatalf("step %d: got %v stored %v want %v", i, got, s.timeout, w)
		}
	}
}

func TestSetScreenTimeoutAndReload(t *testing.T) {
	s := &memStore{timeout: 30 * time.Second}
	m, _ := newManager(s, &panel{})

	if got := m.SetScreenTimeout(90 * time.Second); got != 90*time.Second || m.ScreenTimeout() != got {
		t.Fatalf("got %v", got)
	}

	s.mode, s.timeout = types.PowerLow, 10*time.Second
	m.Reload()
	if m.Mode() != types.PowerLow || m.ScreenTimeout() != 10*time.Second {
		t.Fatalf("mode=%v timeout=%v", m.Mode(), m.ScreenTimeout())
	}
}
