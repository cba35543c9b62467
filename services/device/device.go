// Package device wires the services into one running CalX: it owns the boot
// sequence, the bus listeners and the fixed set of tasks.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tinygo.org/x/drivers"

	"calx-go/bus"
	"calx-go/errcode"
	"calx-go/services/api"
	"calx-go/services/appstate"
	"calx-go/services/battery"
	"calx-go/services/bind"
	"calx-go/services/config"
	"calx-go/services/netloop"
	"calx-go/services/ota"
	"calx-go/services/portal"
	"calx-go/services/power"
	"calx-go/services/storage"
	"calx-go/services/ui"
	"calx-go/services/wifi"
	"calx-go/types"
	"calx-go/x/mathx"
)

// -----------------------------------------------------------------------------
// Platform
// -----------------------------------------------------------------------------

// Keypad yields debounced key presses; ok is false when none is pending.
type Keypad interface {
	Scan() (k types.Key, long bool, ok bool)
}

// Panel is the display: drawn by the renderer, read back by the portal.
type Panel interface {
	drivers.Displayer
	Buffer() []byte
}

// Cache keeps backend content across screens and reboots.
type Cache interface {
	AddChat([]types.ChatMessage) error
	Chat() ([]types.ChatMessage, error)
	LastChatTime() (string, error)
	PutFile(types.FileContent) error
	File() (types.FileContent, bool, error)
	PutAI(types.AIResponse) error
	AI() (types.AIResponse, bool, error)
	Clear() error
}

// Platform is the hardware (or its host stand-ins).
type Platform struct {
	Radio  wifi.Radio
	Panel  Panel
	Keypad Keypad
	Cell   battery.Sampler
	Slots  ota.Slots
	Reboot ota.Rebooter
	Store  storage.KV
	Cache  Cache
	// Clock drives screen blanking; nil means time.Now.
	Clock func() time.Time
}

// -----------------------------------------------------------------------------
// Device
// -----------------------------------------------------------------------------

type Device struct {
	cfg config.Config
	p   Platform
	log *slog.Logger

	bus      *bus.Bus
	app      *appstate.Machine
	prefs    *storage.Prefs
	api      *api.Client
	wifi     *wifi.Manager
	portal   *portal.Server
	binder   *bind.Binder
	ota      *ota.Manager
	battery  *battery.Monitor
	power    *power.Manager
	screens  *ui.Screens
	renderer *ui.Renderer
	net      *netloop.Loop

	// root context of Run; listeners hand long work to goroutines under it
	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	busyMsg  string
	busyFrom types.AppState
}

// New builds every service and registers the bus listeners. Nothing runs
// until Run.
func New(cfg config.Config, p Platform, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{cfg: cfg, p: p, log: log.With(slog.String("svc", "device")), ctx: context.Background()}

	d.bus = bus.New(bus.Options{
		QueueSize:        cfg.Bus.QueueSize,
		ListenerCapacity: cfg.Bus.ListenerCapacity,
		PostTimeout:      cfg.Bus.PostTimeout,
		Logger:           log,
	})
	d.prefs = storage.NewPrefs(p.Store, log)
	d.seedPrefs()

	d.screens = ui.NewScreens(d.bus, d.prefs.TextSize(), log)
	d.app = appstate.New(d.bus, d.screens, log)
	d.app.SetVersion(cfg.FirmwareVersion)

	d.api = api.New(cfg.API.BaseURL, cfg.API.Timeout, d.prefs.Token, log)

	d.portal = portal.New(nil, d.bus, p.Panel, portal.Options{
		Listen:       cfg.HTTP.Listen,
		ScanMax:      cfg.Wifi.PortalScanMax,
		ConnectDelay: cfg.Wifi.ConnectDelay,
		KeyRate:      cfg.HTTP.KeypressRate,
		KeyBurst:     cfg.HTTP.KeypressBurst,
		Logger:       log,
	})
	d.wifi = wifi.New(p.Radio, d.bus, d.prefs, d.portal, wifi.Options{
		APSSID:       cfg.Wifi.APSSID,
		APChannel:    cfg.Wifi.APChannel,
		APMaxClients: cfg.Wifi.APMaxClients,
		RetryMax:     cfg.Wifi.STARetryMax,
		RetryDelay:   cfg.Wifi.STARetryDelay,
		ScanMax:      cfg.Wifi.ScanMax,
		Logger:       log,
	})
	d.portal.SetWifi(d.wifi)

	d.battery = battery.New(p.Cell, d.bus, battery.Options{
		FullMV:     cfg.Battery.FullMV,
		EmptyMV:    cfg.Battery.EmptyMV,
		LowPercent: cfg.Battery.LowPercent,
		Samples:    cfg.Battery.Samples,
		Logger:     log,
	})

	d.renderer = ui.NewRenderer(p.Panel, log)
	d.power = power.New(d.prefs, d.renderer, log)
	if p.Clock != nil {
		d.power.SetClock(p.Clock)
	}

	d.ota = ota.New(d.api, p.Slots, d.battery, d.wifi, d.bus, p.Reboot, ota.Options{
		Version:     cfg.FirmwareVersion,
		MinBattery:  cfg.OTA.MinBattery,
		ReadTimeout: cfg.OTA.ReadTimeout,
		BufferSize:  cfg.OTA.BufferSize,
		RebootDelay: cfg.OTA.RebootDelay,
		Logger:      log,
	})
	d.binder = bind.New(d.api, d.prefs, d.app, d.wifi, d.bus, bind.Options{
		PollInterval: cfg.Bind.PollInterval,
		Logger:       log,
	})
	d.net = netloop.New(d.api, d.wifi, d.binder, d.ota, d, netloop.Options{
		Version:           cfg.FirmwareVersion,
		BindTick:          cfg.Loops.Network,
		HeartbeatNormal:   cfg.Network.HeartbeatNormal,
		HeartbeatLowPower: cfg.Network.HeartbeatLowPower,
		Settings:          cfg.Network.SettingsFetch,
		OTACheck:          cfg.Network.OTACheck,
		Logger:            log,
	})

	d.bus.SetKeySink(keySink{d})
	d.app.OnChange(d.onStateChange)
	if err := d.register(); err != nil {
		return nil, err
	}
	return d, nil
}

// seedPrefs stores configured defaults the user has not overridden yet.
func (d *Device) seedPrefs() {
	if _, err := d.p.Store.Get(storage.KeyScreenTimeout); errors.Is(err, errcode.NotFound) && d.cfg.Power.ScreenTimeout > 0 {
		if err := d.prefs.SetScreenTimeout(d.cfg.Power.ScreenTimeout); err != nil {
			d.log.Warn("seed screen timeout", slog.Any("err", err))
		}
	}
}

// keySink wakes the panel and then hands every key to the state machine,
// including the one that woke it.
type keySink struct{ d *Device }

func (s keySink) HandleKey(k types.Key, long bool) {
	s.d.power.Activity()
	s.d.app.HandleKey(k, long)
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Run boots the device and blocks until ctx is done or a task fails.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	d.ctx = ctx

	mac, err := d.wifi.HardwareAddr()
	if err != nil {
		d.log.Warn("no hardware address", slog.Any("err", err))
	}
	id := d.prefs.DeviceID(mac)
	d.binder.SetDeviceID(id)
	if err := d.ota.ConfirmBoot(); err != nil {
		d.log.Error("confirm boot", slog.Any("err", err))
	}
	d.log.Info("booting", slog.String("id", id), slog.String("version", d.cfg.FirmwareVersion))

	g.Go(func() error { return d.wifi.Run(ctx) })
	g.Go(func() error { return d.drainLoop(ctx) })
	g.Go(func() error { return d.renderLoop(ctx) })
	g.Go(func() error { return d.inputLoop(ctx) })
	g.Go(func() error { return d.battery.Run(ctx, d.cfg.Loops.Battery) })
	g.Go(func() error { return d.net.Run(ctx) })

	g.Go(func() error { return d.boot(ctx) })

	err = g.Wait()
	d.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// boot picks the first screen and link mode from the persisted binding and
// credentials.
func (d *Device) boot(ctx context.Context) error {
	bound := d.prefs.IsBound()
	_, haveCreds := d.prefs.Credentials()
	d.log.Info("boot state", slog.Bool("bound", bound), slog.Bool("credentials", haveCreds))

	var link error
	switch {
	case haveCreds:
		link = d.wifi.ConnectStored(ctx)
		if bound {
			d.app.GoIdle()
		} else {
			d.app.Set(types.StateNotBound)
		}
	case bound:
		link = d.wifi.StartAccessPoint(ctx)
		d.app.Set(types.StateWifiSetup)
	default:
		link = d.wifi.StartAccessPoint(ctx)
		d.app.Set(types.StateNotBound)
	}
	if link != nil && ctx.Err() == nil {
		d.log.Error("link start failed", slog.Any("err", link))
		d.app.SetError("WiFi unavailable")
	}
	return nil
}

func (d *Device) drainLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Loops.Drain)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.bus.Drain()
		}
	}
}

func (d *Device) inputLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Loops.Input)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for {
				k, long, ok := d.p.Keypad.Scan()
				if !ok {
					break
				}
				d.bus.PostKey(k, long)
			}
		}
	}
}

func (d *Device) renderLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Loops.Render)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.power.Update()
			if _, err := d.renderer.Draw(d.View()); err != nil {
				d.log.Warn("render failed", slog.Any("err", err))
			}
		}
	}
}

// View collects what the current frame depends on.
func (d *Device) View() ui.View {
	snap := d.app.Snapshot()
	v := ui.View{
		App:     snap,
		Online:  d.wifi.Connected(),
		Battery: d.battery.Percent(),
		Notify:  d.screens.Notification(),
		APSSID:  d.cfg.Wifi.APSSID,
		Size:    d.screens.TextSize(),
	}
	switch snap.State {
	case types.StateBind:
		if s, ok := d.binder.Session(); ok {
			v.BindCode = s.Code
		}
	case types.StateOtaUpdate:
		v.Progress = d.ota.Progress()
	case types.StateBusy:
		d.mu.Lock()
		v.Busy = d.busyMsg
		d.mu.Unlock()
	case types.StateChat, types.StateFile, types.StateAI:
		v.Page = d.screens.Page(snap.State)
	}
	return v
}

// Status is a one-line summary for terminals and logs.
func (d *Device) Status() string {
	st := d.wifi.Status()
	link := st.Mode.String()
	if st.Connected {
		link += " up"
	}
	s := fmt.Sprintf("state=%s wifi=%s battery=%d%% power=%s", d.app.Get(), link, d.battery.Percent(), d.power.Mode())
	if st.Mode == types.WifiAccessPoint {
		if addr := d.portal.Addr(); addr != "" {
			s += " portal=" + addr
		}
	}
	if d.ota.Active() {
		s += fmt.Sprintf(" ota=%d%%", d.ota.Progress())
	}
	return s
}

// State is the current application state.
func (d *Device) State() types.AppState { return d.app.Get() }

// Bus exposes the event bus so host tooling can inject events.
func (d *Device) Bus() *bus.Bus { return d.bus }

// -----------------------------------------------------------------------------
// netloop.Device
// -----------------------------------------------------------------------------

func (d *Device) IsBound() bool              { return d.prefs.IsBound() }
func (d *Device) BatteryPercent() int        { return d.battery.Percent() }
func (d *Device) PowerMode() types.PowerMode { return d.power.Mode() }

// ApplySettings takes the server-side preferences the device understands and
// ignores the rest.
func (d *Device) ApplySettings(s map[string]any) {
	if n, ok := intSetting(s, "text_size"); ok && mathx.Between(n, int(types.TextSmall), int(types.TextLarge)) {
		d.setTextSize(types.TextSize(n))
	}
	if v, ok := s["power_mode"]; ok {
		switch fmt.Sprint(v) {
		case "LOW", "low", "1":
			d.power.SetMode(types.PowerLow)
		case "NORMAL", "normal", "0":
			d.power.SetMode(types.PowerNormal)
		}
	}
	if n, ok := intSetting(s, "screen_timeout"); ok && n > 0 {
		d.power.SetScreenTimeout(time.Duration(n) * time.Second)
	}
	d.log.Debug("settings applied", slog.Int("keys", len(s)))
}

func intSetting(s map[string]any, key string) (int, bool) {
	switch v := s[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func (d *Device) setTextSize(ts types.TextSize) {
	if err := d.prefs.SetTextSize(ts); err != nil {
		d.log.Warn("store text size", slog.Any("err", err))
	}
	d.screens.SetTextSize(ts)
}
