package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"calx-go/errcode"
	"calx-go/types"
	"calx-go/x/mathx"
)

const (
	DefaultScreenTimeout = 30 * time.Second
	MinScreenTimeout     = 10 * time.Second
	MaxScreenTimeout     = 300 * time.Second
)

// Prefs wraps a KV with the typed accessors the device uses. Reads fall back
// to defaults when a key is missing or malformed.
type Prefs struct {
	kv  KV
	log *slog.Logger

	idOnce sync.Once
	id     string
}

func NewPrefs(kv KV, log *slog.Logger) *Prefs {
	if log == nil {
		log = slog.Default()
	}
	return &Prefs{kv: kv, log: log.With(slog.String("svc", "storage"))}
}

func (p *Prefs) str(key string) string {
	v, err := p.kv.Get(key)
	if err != nil && !errors.Is(err, errcode.NotFound) {
		p.log.Warn("read failed", slog.String("key", key), slog.Any("err", err))
	}
	return v
}

func (p *Prefs) num(key string, def int) int {
	v := p.str(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (p *Prefs) setNum(key string, n int) error {
	return p.kv.Set(key, strconv.Itoa(n))
}

// ---- identity ----

// DeviceID returns the persisted id, generating calx_<mac> on first use.
func (p *Prefs) DeviceID(mac net.HardwareAddr) string {
	p.idOnce.Do(func() {
		if id := p.str(KeyDeviceID); id != "" {
			p.id = id
			p.log.Info("device id loaded", slog.String("id", id))
			return
		}
		p.id = FormatDeviceID(mac)
		if err := p.kv.Set(KeyDeviceID, p.id); err != nil {
			p.log.Error("persist device id", slog.Any("err", err))
		}
		p.log.Info("device id generated", slog.String("id", p.id))
	})
	return p.id
}

// FormatDeviceID renders a MAC as calx_xxxxxxxxxxxx.
func FormatDeviceID(mac net.HardwareAddr) string {
	var b strings.Builder
	b.WriteString("calx_")
	for _, octet := range mac {
		fmt.Fprintf(&b, "%02x", octet)
	}
	return b.String()
}

func (p *Prefs) Token() string { return p.str(KeyDeviceToken) }

// SetToken stores the device token and marks the device bound.
func (p *Prefs) SetToken(tok string) error {
	if tok == "" {
		return errcode.InvalidParams
	}
	if err := p.kv.Set(KeyDeviceToken, tok); err != nil {
		return err
	}
	return p.kv.Set(KeyBound, "1")
}

// ClearToken forgets the token and marks the device unbound.
func (p *Prefs) ClearToken() error {
	if err := p.kv.Delete(KeyDeviceToken); err != nil {
		return err
	}
	return p.kv.Set(KeyBound, "0")
}

func (p *Prefs) IsBound() bool { return p.str(KeyBound) == "1" }

// ---- wifi ----

func (p *Prefs) Credentials() (types.Credentials, bool) {
	c := types.Credentials{SSID: p.str(KeyWifiSSID), Password: p.str(KeyWifiPass)}
	return c, c.SSID != ""
}

func (p *Prefs) SetCredentials(c types.Credentials) error {
	if c.SSID == "" {
		return errcode.InvalidParams
	}
	if err := p.kv.Set(KeyWifiSSID, c.SSID); err != nil {
		return err
	}
	return p.kv.Set(KeyWifiPass, c.Password)
}

func (p *Prefs) ClearCredentials() error {
	return p.kv.Delete(KeyWifiSSID, KeyWifiPass)
}

// ---- preferences ----

func (p *Prefs) PowerMode() types.PowerMode {
	return types.PowerMode(mathx.Clamp(p.num(KeyPowerMode, 0), 0, int(types.PowerLow)))
}
func (p *Prefs) SetPowerMode(m types.PowerMode) error { return p.setNum(KeyPowerMode, int(m)) }

func (p *Prefs) TextSize() types.TextSize {
	return types.TextSize(mathx.Clamp(p.num(KeyTextSize, int(types.TextNormal)), 0, int(types.TextLarge)))
}
func (p *Prefs) SetTextSize(s types.TextSize) error { return p.setNum(KeyTextSize, int(s)) }

func (p *Prefs) Keyboard() types.Keyboard {
	return types.Keyboard(mathx.Clamp(p.num(KeyKeyboard, 0), 0, int(types.KeyboardT9)))
}
func (p *Prefs) SetKeyboard(k types.Keyboard) error { return p.setNum(KeyKeyboard, int(k)) }

// ScreenTimeout is stored in seconds and clamped to [10s, 300s].
func (p *Prefs) ScreenTimeout() time.Duration {
	sec := p.num(KeyScreenTimeout, int(DefaultScreenTimeout/time.Second))
	return ClampScreenTimeout(time.Duration(sec) * time.Second)
}

func (p *Prefs) SetScreenTimeout(d time.Duration) error {
	return p.setNum(KeyScreenTimeout, int(ClampScreenTimeout(d)/time.Second))
}

func ClampScreenTimeout(d time.Duration) time.Duration {
	return mathx.Clamp(d, MinScreenTimeout, MaxScreenTimeout)
}

// ---- maintenance ----

// FactoryReset erases everything except the device id.
func (p *Prefs) FactoryReset() error {
	p.log.Warn("factory reset")
	return p.kv.Delete(KeyWifiSSID, KeyWifiPass, KeyDeviceToken, KeyPowerMode,
		KeyTextSize, KeyKeyboard, KeyScreenTimeout, KeyBound)
}
