package netloop

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"calx-go/types"
)

type fakeLink struct {
	up      chan struct{}
	offline atomic.Bool
}

func (l *fakeLink) WaitConnected(ctx context.Context) error {
	select {
	case <-l.up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (l *fakeLink) Connected() bool { return !l.offline.Load() }

type fakeAPI struct {
	heartbeats atomic.Int32
	settings   atomic.Int32
	lastHB     atomic.Value
}

func (a *fakeAPI) Heartbeat(ctx context.Context, hb types.Heartbeat) error {
	a.heartbeats.Add(1)
	a.lastHB.Store(hb)
	return nil
}
func (a *fakeAPI) FetchSettings(ctx context.Context) (map[string]any, error) {
	a.settings.Add(1)
	return map[string]any{"text_size": 2}, nil
}

type fakeBinder struct{ ticks atomic.Int32 }

func (b *fakeBinder) Tick(ctx context.Context) { b.ticks.Add(1) }

type fakeOTA struct{ checks atomic.Int32 }

func (o *fakeOTA) CheckUpdate(ctx context.Context) (types.UpdateDescriptor, error) {
	o.checks.Add(1)
	return types.UpdateDescriptor{Available: true, Version: "1.1.0"}, nil
}

type fakeDevice struct {
	bound   atomic.Bool
	low     atomic.Bool
	applied atomic.Int32
}

func (d *fakeDevice) IsBound() bool       { return d.bound.Load() }
func (d *fakeDevice) BatteryPercent() int { return 77 }
func (d *fakeDevice) PowerMode() types.PowerMode {
	if d.low.Load() {
		return types.PowerLow
	}
	return types.PowerNormal
}
func (d *fakeDevice) ApplySettings(map[string]any) { d.applied.Add(1) }

type rig struct {
	l    *Loop
	link *fakeLink
	api  *fakeAPI
	bind *fakeBinder
	ota  *fakeOTA
	dev  *fakeDevice
}

func newRig(o Options) *rig {
	r := &rig{
		link: &fakeLink{up: make(chan struct{})},
		api:  &fakeAPI{},
		bind: &fakeBinder{},
		ota:  &fakeOTA{},
		dev:  &fakeDevice{},
	}
	if o.BindTick == 0 {
		o.BindTick = 5 * time.Millisecond
	}
	if o.HeartbeatNormal == 0 {
		o.HeartbeatNormal = 20 * time.Millisecond
	}
	o.Settings, o.OTACheck = time.Hour, time.Hour
	o.Version = "1.0.0"
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r.l = New(r.api, r.link, r.bind, r.ota, r.dev, o)
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.l.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for " + what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestRun_WaitsForLinkThenRunsJobs(t *testing.T) {
	r := newRig(Options{})
	r.dev.bound.Store(true)
	r.start(t)

	time.Sleep(30 * time.Millisecond)
	if r.bind.ticks.Load() != 0 || r.api.settings.Load() != 0 {
		t.Fatal("jobs ran before the link came up")
	}

	close(r.link.up)
	eventually(t, "bind ticks", func() bool { return r.bind.ticks.Load() >= 3 })
	eventually(t, "heartbeat", func() bool { return r.api.heartbeats.Load() >= 1 })
	eventually(t, "settings", func() bool { return r.dev.applied.Load() == 1 })
	eventually(t, "ota check", func() bool { return r.ota.checks.Load() == 1 })

	hb := r.api.lastHB.Load().(types.Heartbeat)
	if hb.BatteryPercent != 77 || hb.PowerMode != "NORMAL" || hb.FirmwareVersion != "1.0.0" {
		t.Fatalf("heartbeat=%+v", hb)
	}
}

func TestRun_UnboundOnlyBinds(t *testing.T) {
	r := newRig(Options{})
	close(r.link.up)
	r.start(t)

	eventually(t, "bind ticks", func() bool { return r.bind.ticks.Load() >= 5 })
	if r.api.heartbeats.Load() != 0 || r.api.settings.Load() != 0 || r.ota.checks.Load() != 0 {
		t.Fatal("bound-only jobs ran while unbound")
	}
}

func TestRun_SkipsJobsWhileOffline(t *testing.T) {
	r := newRig(Options{})
	r.link.offline.Store(true)
	close(r.link.up)
	r.start(t)

	time.Sleep(40 * time.Millisecond)
	if r.bind.ticks.Load() != 0 {
		t.Fatal("job ran while offline")
	}
	r.link.offline.Store(false)
	eventually(t, "bind ticks", func() bool { return r.bind.ticks.Load() >= 1 })
}

func TestRun_HeartbeatFollowsPowerMode(t *testing.T) {
	r := newRig(Options{HeartbeatLowPower: time.Hour, HeartbeatNormal: 10 * time.Millisecond})
	r.dev.bound.Store(true)
	r.dev.low.Store(true)
	close(r.link.up)
	r.start(t)

	time.Sleep(50 * time.Millisecond)
	if n := r.api.heartbeats.Load(); n != 0 {
		t.Fatalf("low power heartbeats=%d", n)
	}
	r.dev.low.Store(false)
	eventually(t, "heartbeat after leaving low power", func() bool { return r.api.heartbeats.Load() >= 1 })
}

func TestSubmit_RunsOnLoopAndBounds(t *testing.T) {
	r := newRig(Options{QueueSize: 1})
	if !r.l.Submit("a", func(context.Context) error { return nil }) {
		t.Fatal("first submit rejected")
	}
	if r.l.Submit("b", func(context.Context) error { return nil }) {
		t.Fatal("submit beyond queue size accepted")
	}

	ran := make(chan string, 2)
	r2 := newRig(Options{})
	close(r2.link.up)
	r2.start(t)
	r2.l.Submit("send", func(context.Context) error { ran <- "send"; return nil })
	select {
	case got := <-ran:
		if got != "send" {
			t.Fatal(got)
		}
	case <-time.After(time.Second):
		t.Fatal("submitted work never ran")
	}
}
