// Package ota checks for, downloads and applies firmware images into the
// inactive slot of an A/B pair, and confirms or rolls back the running one.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"calx-go/errcode"
	"calx-go/types"
	"calx-go/x/mathx"
	"calx-go/x/timex"
)

// Phase is the session stage.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseDownloading
	PhaseVerifying
	PhaseFinishing
	PhaseRebooting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseDownloading:
		return "downloading"
	case PhaseVerifying:
		return "verifying"
	case PhaseFinishing:
		return "finishing"
	case PhaseRebooting:
		return "rebooting"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// ---- collaborators ----

type Backend interface {
	CheckUpdate(ctx context.Context) (types.UpdateDescriptor, error)
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)
	ReportUpdate(ctx context.Context, version string, success bool) error
}

type Battery interface{ Percent() int }

type Link interface{ Connected() bool }

type Poster interface{ Post(types.Event) bool }

type Rebooter interface{ Reboot() }

// Slots is the A/B image store.
type Slots interface {
	// Begin opens the inactive slot for writing an image of size bytes
	// (0 when unknown).
	Begin(size int64) (SlotWriter, error)
	// PendingVerify reports whether the running image still awaits
	// confirmation.
	PendingVerify() bool
	MarkValid() error
	// MarkInvalid arranges for the next boot to use the other slot.
	MarkInvalid() error
	Running() string
}

// SlotWriter receives one image. Exactly one of Abort or Finish is called.
type SlotWriter interface {
	io.Writer
	Abort() error
	Finish(version string) error
}

type Options struct {
	Version     string // running firmware
	MinBattery  int
	ReadTimeout time.Duration
	BufferSize  int
	RebootDelay time.Duration
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.MinBattery <= 0 {
		o.MinBattery = 30
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.RebootDelay <= 0 {
		o.RebootDelay = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// yield every this many chunks while streaming
const yieldEvery = 8

// Manager owns the update session. At most one session exists at a time.
type Manager struct {
	opt    Options
	api    Backend
	slots  Slots
	bat    Battery
	link   Link
	post   Poster
	reboot Rebooter
	log    *slog.Logger

	confirm sync.Once

	mu       sync.Mutex
	desc     types.UpdateDescriptor
	phase    Phase
	active   bool
	progress int
	lastErr  error
}

func New(api Backend, slots Slots, bat Battery, link Link, post Poster, reboot Rebooter, o Options) *Manager {
	o.defaults()
	return &Manager{
		opt:    o,
		api:    api,
		slots:  slots,
		bat:    bat,
		link:   link,
		post:   post,
		reboot: reboot,
		log:    o.Logger.With(slog.String("svc", "ota")),
	}
}

// ConfirmBoot marks a pending-verify running image valid. Only the first call
// does anything.
func (m *Manager) ConfirmBoot() error {
	var err error
	m.confirm.Do(func() {
		if !m.slots.PendingVerify() {
			m.log.Info("running image valid", slog.String("slot", m.slots.Running()))
			return
		}
		if err = m.slots.MarkValid(); err != nil {
			m.log.Error("mark valid failed", slog.Any("err", err))
			return
		}
		m.log.Info("first boot after update, image marked valid", slog.String("slot", m.slots.Running()))
	})
	return err
}

// CheckUpdate queries the backend and stores the descriptor. It never starts
// a download.
func (m *Manager) CheckUpdate(ctx context.Context) (types.UpdateDescriptor, error) {
	if !m.link.Connected() {
		return types.UpdateDescriptor{}, &errcode.E{C: errcode.NotConnected, Op: "ota_check"}
	}
	m.mu.Lock()
	if m.active {
		d := m.desc
		m.mu.Unlock()
		return d, nil
	}
	m.phase = PhaseChecking
	m.mu.Unlock()

	d, err := m.api.CheckUpdate(ctx)

	m.mu.Lock()
	if !m.active {
		m.phase = PhaseIdle
	}
	if err == nil {
		m.desc = d
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("update check failed", slog.Any("err", err))
		return types.UpdateDescriptor{}, err
	}
	if d.Available {
		m.log.Info("update available", slog.String("from", m.opt.Version), slog.String("to", d.Version))
		m.post.Post(types.Event{Kind: types.EventOtaAvailable, Data: d.Version})
	}
	return d, nil
}

// StartUpdate spawns a session. Preconditions are checked in order (battery,
// descriptor, no active session) and a failure returns before any I/O or
// state change.
func (m *Manager) StartUpdate(ctx context.Context) error {
	if pct := m.bat.Percent(); pct < m.opt.MinBattery {
		m.log.Warn("battery too low for update", slog.Int("percent", pct), slog.Int("min", m.opt.MinBattery))
		return &errcode.E{C: errcode.LowBattery, Op: "ota_start", Msg: "Charge Required"}
	}

	m.mu.Lock()
	if !m.desc.Available {
		m.mu.Unlock()
		return &errcode.E{C: errcode.NoUpdate, Op: "ota_start"}
	}
	if m.active {
		m.mu.Unlock()
		return &errcode.E{C: errcode.SessionActive, Op: "ota_start"}
	}
	d := m.desc
	m.active = true
	m.phase = PhaseDownloading
	m.progress = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Info("starting update", slog.String("version", d.Version))
	go m.run(ctx, d)
	return nil
}

// Rollback marks the running image invalid and reboots into the other slot.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active {
		return &errcode.E{C: errcode.SessionActive, Op: "ota_rollback"}
	}
	if err := m.slots.MarkInvalid(); err != nil {
		m.log.Error("rollback failed", slog.Any("err", err))
		return errcode.Wrap(errcode.Error, "ota_rollback", err)
	}
	m.log.Warn("rolling back to previous firmware")
	m.reboot.Reboot()
	return nil
}

func (m *Manager) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// AvailableVersion returns the offered version, or "" when none is.
func (m *Manager) AvailableVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.desc.Available {
		return ""
	}
	return m.desc.Version
}

// Err returns the reason the last session failed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

func (m *Manager) run(ctx context.Context, d types.UpdateDescriptor) {
	if err := m.session(ctx, d); err != nil {
		m.fail(ctx, d, err)
		return
	}

	m.mu.Lock()
	m.progress = 100
	m.mu.Unlock()
	m.log.Info("update written", slog.String("version", d.Version))
	m.report(ctx, d.Version, true)
	m.post.Post(types.Event{Kind: types.EventOtaComplete, Data: d.Version})

	m.setPhase(PhaseRebooting)
	if !timex.Sleep(ctx, m.opt.RebootDelay) {
		return
	}
	m.reboot.Reboot()
}

func (m *Manager) session(ctx context.Context, d types.UpdateDescriptor) error {
	if !m.link.Connected() {
		return &errcode.E{C: errcode.NotConnected, Op: "ota_download"}
	}
	body, size, err := m.api.Download(ctx, d.DownloadURL)
	if err != nil {
		return err
	}
	defer body.Close()

	total := d.FileSize
	if total <= 0 {
		total = size
	}

	w, err := m.slots.Begin(total)
	if err != nil {
		return errcode.Wrap(errcode.Error, "ota_begin", err)
	}
	h := sha256.New()
	read, err := m.stream(ctx, body, io.MultiWriter(w, h), total)
	if err != nil {
		_ = w.Abort()
		return err
	}

	m.setPhase(PhaseVerifying)
	if total > 0 && read != total {
		_ = w.Abort()
		return &errcode.E{C: errcode.IncompleteImage, Op: "ota_verify", Msg: fmt.Sprintf("got %d of %d bytes", read, total)}
	}
	if d.Checksum != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, d.Checksum) {
			_ = w.Abort()
			return &errcode.E{C: errcode.ChecksumMismatch, Op: "ota_verify"}
		}
	}

	m.setPhase(PhaseFinishing)
	if err := w.Finish(d.Version); err != nil {
		return errcode.Wrap(errcode.Error, "ota_finish", err)
	}
	return nil
}

type chunk struct {
	n   int
	err error
}

// stream copies body into dst one buffer at a time. Each read gets its own
// deadline; one missed deadline ends the session.
func (m *Manager) stream(ctx context.Context, body io.ReadCloser, dst io.Writer, total int64) (int64, error) {
	buf := make([]byte, m.opt.BufferSize)
	want := make(chan struct{})
	got := make(chan chunk)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			select {
			case <-want:
			case <-quit:
				return
			}
			n, err := body.Read(buf)
			select {
			case got <- chunk{n, err}:
			case <-quit:
				return
			}
		}
	}()

	t := timex.NewStoppedTimer()
	defer t.Stop()

	var read int64
	for i := 1; ; i++ {
		if !m.link.Connected() {
			return read, &errcode.E{C: errcode.NotConnected, Op: "ota_read"}
		}
		want <- struct{}{}
		timex.ResetTimer(t, m.opt.ReadTimeout)

		var c chunk
		select {
		case c = <-got:
		case <-t.C:
			_ = body.Close()
			return read, &errcode.E{C: errcode.Timeout, Op: "ota_read", Msg: fmt.Sprintf("no data for %s", m.opt.ReadTimeout)}
		case <-ctx.Done():
			_ = body.Close()
			return read, ctx.Err()
		}

		if c.n > 0 {
			if _, err := dst.Write(buf[:c.n]); err != nil {
				return read, errcode.Wrap(errcode.Error, "ota_write", err)
			}
			read += int64(c.n)
			m.setProgress(read, total)
		}
		if errors.Is(c.err, io.EOF) {
			return read, nil
		}
		if c.err != nil {
			return read, c.err
		}
		if i%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

func (m *Manager) fail(ctx context.Context, d types.UpdateDescriptor, err error) {
	m.log.Error("update failed", slog.String("version", d.Version), slog.Any("err", err))
	m.mu.Lock()
	m.active = false
	m.phase = PhaseFailed
	m.progress = 0
	m.lastErr = err
	m.mu.Unlock()

	m.report(ctx, d.Version, false)
	m.post.Post(types.Event{Kind: types.EventOtaFailed, Data: err.Error()})
}

func (m *Manager) report(ctx context.Context, version string, ok bool) {
	if !m.link.Connected() {
		m.log.Warn("not connected, update report skipped", slog.Bool("success", ok))
		return
	}
	if err := m.api.ReportUpdate(ctx, version, ok); err != nil {
		m.log.Warn("update report failed", slog.Any("err", err))
	}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) setProgress(read, total int64) {
	if total <= 0 {
		return
	}
	pct := mathx.Percent(read, total)
	m.mu.Lock()
	m.progress = pct
	m.mu.Unlock()
}
