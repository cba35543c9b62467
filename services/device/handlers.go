package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"calx-go/errcode"
	"calx-go/services/netloop"
	"calx-go/services/ui"
	"calx-go/types"
)

var textSizeNames = map[types.TextSize]string{
	types.TextSmall:  "Small",
	types.TextNormal: "Normal",
	types.TextLarge:  "Large",
}

var keyboardNames = map[types.Keyboard]string{
	types.KeyboardQwerty: "QWERTY",
	types.KeyboardT9:     "T9",
}

// register installs every listener. Listeners run on the drain goroutine and
// must not block: radio work goes to spawn, backend work to the network loop.
func (d *Device) register() error {
	ls := []struct {
		kind types.EventKind
		fn   func(types.Event)
	}{
		{types.EventWifiConnected, d.onWifiConnected},
		{types.EventWifiDisconnected, d.onWifiDisconnected},
		{types.EventProvisionRequested, d.onProvision},
		{types.EventBindSuccess, d.onBindSuccess},
		{types.EventBindFailed, d.onBindFailed},
		{types.EventLowBattery, d.onLowBattery},
		{types.EventBatteryOK, d.onBatteryOK},
		{types.EventOtaAvailable, d.onOtaAvailable},
		{types.EventUpdateRequested, d.onUpdateRequested},
		{types.EventOtaComplete, d.onOtaComplete},
		{types.EventOtaFailed, d.onOtaFailed},
		{types.EventRebindRequested, d.onRebind},
		{types.EventFactoryResetRequested, d.onFactoryReset},
		{types.EventClearCacheRequested, d.onClearCache},
		{types.EventPowerModeToggled, d.onPowerModeToggled},
		{types.EventScreenTimeoutCycled, d.onScreenTimeoutCycled},
		{types.EventTextSizeCycled, d.onTextSizeCycled},
		{types.EventKeyboardToggled, d.onKeyboardToggled},
		{types.EventContentRequested, d.onContentRequested},
		{types.EventChatSendRequested, d.onChatSend},
		{types.EventAIQueryRequested, d.onAIQuery},
		{types.EventAIMoreRequested, d.onAIMore},
		{types.EventAPIError, d.onAPIError},
	}
	for _, l := range ls {
		if err := d.bus.Register(l.kind, l.fn); err != nil {
			return fmt.Errorf("register %s: %w", l.kind, err)
		}
	}
	return nil
}

// spawn runs fn off the drain goroutine under Run's context.
func (d *Device) spawn(name string, fn func(ctx context.Context) error) {
	ctx := d.ctx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("task failed", slog.String("task", name), slog.Any("err", err))
		}
	}()
}

// submit queues backend work. With report set a failure is shown to the user
// through EventAPIError. It reports whether the work was queued.
func (d *Device) submit(name string, report bool, fn func(ctx context.Context) error) bool {
	ok := d.net.Submit(name, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && report {
			d.bus.Post(types.Event{Kind: types.EventAPIError, Data: userMessage(err)})
		}
		return err
	})
	if !ok && report {
		d.app.SetError("Busy, try again")
	}
	return ok
}

// userMessage picks the short text shown on the error screen.
func userMessage(err error) string {
	var e *errcode.E
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch errcode.Of(err) {
	case errcode.NotConnected:
		return "Offline"
	case errcode.Timeout:
		return "Timed out"
	case errcode.LowBattery:
		return "Charge Required"
	case errcode.NoUpdate:
		return "No update"
	}
	return "Request failed"
}

// -----------------------------------------------------------------------------
// State changes
// -----------------------------------------------------------------------------

func (d *Device) onStateChange(from, to types.AppState) {
	d.log.Debug("state", slog.String("from", from.String()), slog.String("to", to.String()))
	d.screens.Enter(to)
	d.power.Activity()
	switch to {
	case types.StateChat, types.StateFile, types.StateAI:
		if from != types.StateError {
			d.bus.Post(types.Event{Kind: types.EventContentRequested, Value: int(to)})
		}
	}
}

// setBusy shows msg on the busy screen and remembers where to return.
func (d *Device) setBusy(msg string) {
	d.mu.Lock()
	d.busyMsg = msg
	d.busyFrom = d.app.Get()
	d.mu.Unlock()
	d.app.SetBusy(true)
	d.app.Set(types.StateBusy)
}

// doneBusy leaves the busy screen for the state it was entered from.
func (d *Device) doneBusy() {
	d.app.SetBusy(false)
	if d.app.Get() != types.StateBusy {
		return
	}
	d.mu.Lock()
	back := d.busyFrom
	d.mu.Unlock()
	d.app.Set(back)
}

// -----------------------------------------------------------------------------
// Connectivity and binding
// -----------------------------------------------------------------------------

func (d *Device) onWifiConnected(types.Event) {
	switch d.app.Get() {
	case types.StateBoot, types.StateWifiSetup, types.StateNotBound, types.StateError:
		if d.prefs.IsBound() {
			d.app.GoIdle()
		} else {
			d.app.Set(types.StateNotBound)
		}
	}
}

// onWifiDisconnected runs once the retry budget is spent: the device falls
// back to provisioning.
func (d *Device) onWifiDisconnected(types.Event) {
	if d.ota.Active() {
		return
	}
	d.spawn("access_point", d.wifi.StartAccessPoint)
	d.app.Set(types.StateWifiSetup)
}

func (d *Device) onProvision(types.Event) {
	d.spawn("access_point", d.wifi.StartAccessPoint)
}

func (d *Device) onBindSuccess(types.Event) {
	d.log.Info("device bound")
	d.net.Trigger(netloop.JobSettings)
}

func (d *Device) onBindFailed(ev types.Event) {
	d.log.Warn("bind failed", slog.Any("reason", ev.Data))
}

func (d *Device) onRebind(types.Event) {
	if err := d.binder.Unbind(); err != nil {
		d.app.SetError("Unbind failed")
		return
	}
	d.screens.Clear()
}

func (d *Device) onFactoryReset(types.Event) {
	if err := d.prefs.FactoryReset(); err != nil {
		d.log.Error("factory reset", slog.Any("err", err))
		d.app.SetError("Reset failed")
		return
	}
	if err := d.p.Cache.Clear(); err != nil {
		d.log.Warn("clear cache", slog.Any("err", err))
	}
	d.screens.Clear()
	d.screens.SetTextSize(d.prefs.TextSize())
	d.power.Reload()
	if err := d.binder.Unbind(); err != nil {
		d.log.Warn("unbind", slog.Any("err", err))
	}
	d.spawn("access_point", d.wifi.StartAccessPoint)
	d.app.Set(types.StateNotBound)
}

// -----------------------------------------------------------------------------
// Battery and power
// -----------------------------------------------------------------------------

func (d *Device) onLowBattery(ev types.Event) {
	d.power.ForceLow(true)
	if d.ota.Active() {
		d.log.Warn("battery low during update", slog.Int("percent", ev.Value))
		return
	}
	d.app.Set(types.StateLowBattery)
}

func (d *Device) onBatteryOK(types.Event) {
	d.power.ForceLow(false)
	if d.app.Get() != types.StateLowBattery {
		return
	}
	if d.prefs.IsBound() {
		d.app.GoIdle()
	} else {
		d.app.Set(types.StateNotBound)
	}
}

func (d *Device) onPowerModeToggled(types.Event) {
	d.app.SetNotice("Power: " + d.power.ToggleMode().String())
}

func (d *Device) onScreenTimeoutCycled(types.Event) {
	t := d.power.CycleScreenTimeout()
	d.app.SetNotice(fmt.Sprintf("Timeout: %ds", int(t.Seconds())))
}

func (d *Device) onTextSizeCycled(types.Event) {
	ts := ui.NextTextSize(d.screens.TextSize())
	d.setTextSize(ts)
	d.app.SetNotice("Text: " + textSizeNames[ts])
}

func (d *Device) onKeyboardToggled(types.Event) {
	k := types.KeyboardQwerty
	if d.prefs.Keyboard() == types.KeyboardQwerty {
		k = types.KeyboardT9
	}
	if err := d.prefs.SetKeyboard(k); err != nil {
		d.log.Warn("store keyboard", slog.Any("err", err))
	}
	d.app.SetNotice("Keyboard: " + keyboardNames[k])
}

func (d *Device) onClearCache(types.Event) {
	if err := d.p.Cache.Clear(); err != nil {
		d.log.Warn("clear cache", slog.Any("err", err))
		d.app.SetNotice("Clear failed")
		return
	}
	d.screens.Clear()
	d.app.SetNotice("Cache cleared")
}

// -----------------------------------------------------------------------------
// OTA
// -----------------------------------------------------------------------------

func (d *Device) onOtaAvailable(ev types.Event) {
	d.log.Info("firmware update offered", slog.Any("version", ev.Data))
}

func (d *Device) onUpdateRequested(types.Event) {
	if d.ota.Active() {
		d.app.Set(types.StateOtaUpdate)
		return
	}
	if !d.wifi.Connected() {
		d.app.SetError("Offline")
		return
	}
	d.setBusy("Checking...")
	ok := d.submit("ota_start", false, func(ctx context.Context) error {
		// The user left the busy screen; drop the request.
		if d.app.Get() != types.StateBusy {
			d.app.SetBusy(false)
			return nil
		}
		desc, err := d.ota.CheckUpdate(ctx)
		if err != nil {
			d.doneBusy()
			d.app.SetError(userMessage(err))
			return err
		}
		if !desc.Available {
			d.doneBusy()
			d.app.SetNotice("Up to date")
			return nil
		}
		if err := d.ota.StartUpdate(d.ctx); err != nil {
			d.doneBusy()
			d.app.SetError(userMessage(err))
			return err
		}
		d.app.SetBusy(false)
		if d.app.Get() == types.StateBusy {
			d.app.Set(types.StateOtaUpdate)
		}
		return nil
	})
	if !ok {
		d.doneBusy()
		d.app.SetError("Busy, try again")
	}
}

func (d *Device) onOtaComplete(ev types.Event) {
	d.log.Info("update complete, rebooting", slog.Any("version", ev.Data))
}

// onOtaFailed returns from the progress screen to where the update was
// requested, then shows the error.
func (d *Device) onOtaFailed(ev types.Event) {
	d.log.Error("update failed", slog.Any("reason", ev.Data))
	d.app.SetBusy(false)
	switch d.app.Get() {
	case types.StateOtaUpdate, types.StateBusy:
		d.mu.Lock()
		back := d.busyFrom
		d.mu.Unlock()
		if back == types.StateOtaUpdate || back == types.StateBusy || back == types.StateBoot {
			back = types.StateSettings
		}
		d.app.Set(back)
	}
	d.app.SetError("Update failed")
}

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

// onContentRequested shows what the cache has, then refreshes from the
// backend.
func (d *Device) onContentRequested(ev types.Event) {
	switch types.AppState(ev.Value) {
	case types.StateChat:
		if msgs, err := d.p.Cache.Chat(); err == nil && len(msgs) > 0 {
			d.showChat(msgs)
		}
		d.submit("chat", false, d.fetchChat)
	case types.StateFile:
		if f, ok, err := d.p.Cache.File(); err == nil && ok {
			d.screens.SetFile(f)
		}
		d.submit("file", false, d.fetchFile)
	case types.StateAI:
		if r, ok, err := d.p.Cache.AI(); err == nil && ok {
			d.screens.SetAI(r, false)
		}
	}
}

func (d *Device) fetchChat(ctx context.Context) error {
	since, err := d.p.Cache.LastChatTime()
	if err != nil {
		d.log.Warn("read chat cursor", slog.Any("err", err))
	}
	msgs, err := d.api.FetchChat(ctx, since)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := d.p.Cache.AddChat(msgs); err != nil {
		d.log.Warn("cache chat", slog.Any("err", err))
	}
	all, err := d.p.Cache.Chat()
	if err != nil || len(all) == 0 {
		all = msgs
	}
	d.showChat(all)
	d.bus.Post(types.Event{Kind: types.EventNewChatMessage, Value: len(msgs)})
	return nil
}

// showChat updates the conversation. Messages arriving while the chat is
// on screen are already seen.
func (d *Device) showChat(msgs []types.ChatMessage) {
	d.screens.SetChat(msgs)
	if d.app.Get() == types.StateChat {
		d.screens.ClearNotification()
	}
}

func (d *Device) fetchFile(ctx context.Context) error {
	f, err := d.api.FetchFile(ctx)
	if err != nil {
		return err
	}
	if err := d.p.Cache.PutFile(f); err != nil {
		d.log.Warn("cache file", slog.Any("err", err))
	}
	d.screens.SetFile(f)
	d.bus.Post(types.Event{Kind: types.EventFileUpdated, Value: f.CharCount})
	return nil
}

func (d *Device) onChatSend(ev types.Event) {
	msg, _ := ev.Data.(string)
	if msg == "" {
		return
	}
	d.submit("chat_send", true, func(ctx context.Context) error {
		if err := d.api.SendChat(ctx, msg); err != nil {
			return err
		}
		return d.fetchChat(ctx)
	})
}

func (d *Device) onAIQuery(ev types.Event) {
	prompt, _ := ev.Data.(string)
	if prompt == "" {
		return
	}
	d.submit("ai_query", true, func(ctx context.Context) error {
		r, err := d.api.AIQuery(ctx, prompt)
		if err != nil {
			return err
		}
		d.storeAI(r, false)
		return nil
	})
}

func (d *Device) onAIMore(ev types.Event) {
	cursor, _ := ev.Data.(string)
	if cursor == "" {
		return
	}
	d.submit("ai_more", true, func(ctx context.Context) error {
		r, err := d.api.AIContinue(ctx, cursor)
		if err != nil {
			return err
		}
		d.storeAI(r, true)
		return nil
	})
}

// storeAI shows r and caches the whole answer so far.
func (d *Device) storeAI(r types.AIResponse, continued bool) {
	d.screens.SetAI(r, continued)
	whole := r
	if continued {
		if prev, ok, err := d.p.Cache.AI(); err == nil && ok {
			whole.Content = prev.Content + "\n" + r.Content
		}
	}
	if err := d.p.Cache.PutAI(whole); err != nil {
		d.log.Warn("cache ai", slog.Any("err", err))
	}
	d.bus.Post(types.Event{Kind: types.EventAIResponseReady, Value: len(r.Content)})
}

func (d *Device) onAPIError(ev types.Event) {
	msg, _ := ev.Data.(string)
	if msg == "" {
		msg = "Request failed"
	}
	switch d.app.Get() {
	case types.StateChat, types.StateFile, types.StateAI, types.StateBusy:
		d.app.SetError(msg)
	default:
		d.log.Warn("backend error", slog.String("msg", msg))
	}
}
