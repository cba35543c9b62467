// Package config resolves the device configuration: embedded per-device YAML
// defaults, optionally overlaid by a YAML file on disk.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const baseDevice = "calx"

//go:embed defaults/*.yaml
var defaults embed.FS

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, err := defaults.ReadFile("defaults/" + device + ".yaml")
	if err != nil {
		return nil, false
	}
	return b, true
}

type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Wifi struct {
	APSSID        string        `yaml:"ap_ssid"`
	APChannel     int           `yaml:"ap_channel"`
	APMaxClients  int           `yaml:"ap_max_clients"`
	STARetryMax   int           `yaml:"sta_retry_max"`
	STARetryDelay time.Duration `yaml:"sta_retry_delay"`
	ScanMax       int           `yaml:"scan_max"`
	PortalScanMax int           `yaml:"portal_scan_max"`
	ConnectDelay  time.Duration `yaml:"connect_delay"`
}

type HTTP struct {
	Listen        string  `yaml:"listen"`
	KeypressRate  float64 `yaml:"keypress_rate"`
	KeypressBurst int     `yaml:"keypress_burst"`
}

type Bind struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Network struct {
	HeartbeatNormal   time.Duration `yaml:"heartbeat_normal"`
	HeartbeatLowPower time.Duration `yaml:"heartbeat_low_power"`
	SettingsFetch     time.Duration `yaml:"settings_fetch"`
	OTACheck          time.Duration `yaml:"ota_check"`
}

type OTA struct {
	MinBattery  int           `yaml:"min_battery"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	BufferSize  int           `yaml:"buffer_size"`
	RebootDelay time.Duration `yaml:"reboot_delay"`
}

type Bus struct {
	QueueSize        int           `yaml:"queue_size"`
	ListenerCapacity int           `yaml:"listener_capacity"`
	PostTimeout      time.Duration `yaml:"post_timeout"`
}

type Loops struct {
	Render  time.Duration `yaml:"render"`
	Input   time.Duration `yaml:"input"`
	Network time.Duration `yaml:"network"`
	Battery time.Duration `yaml:"battery"`
	Drain   time.Duration `yaml:"drain"`
}

type Battery struct {
	FullMV     int `yaml:"full_mv"`
	EmptyMV    int `yaml:"empty_mv"`
	LowPercent int `yaml:"low_percent"`
	Samples    int `yaml:"samples"`
}

type Power struct {
	ScreenTimeout time.Duration `yaml:"screen_timeout"`
}

type Display struct {
	Width  int16 `yaml:"width"`
	Height int16 `yaml:"height"`
}

// Config is the full device configuration.
type Config struct {
	FirmwareVersion string  `yaml:"firmware_version"`
	API             API     `yaml:"api"`
	Wifi            Wifi    `yaml:"wifi"`
	HTTP            HTTP    `yaml:"http"`
	Bind            Bind    `yaml:"bind"`
	Network         Network `yaml:"network"`
	OTA             OTA     `yaml:"ota"`
	Bus             Bus     `yaml:"bus"`
	Loops           Loops   `yaml:"loops"`
	Battery         Battery `yaml:"battery"`
	Power           Power   `yaml:"power"`
	Display         Display `yaml:"display"`
	DataDir         string  `yaml:"data_dir"`
}

// Load builds the configuration for device: the base defaults, then the
// device's embedded overlay (if any), then the file at path (if non-empty and
// present). A path ending in .toml is read as TOML.
func Load(device, path string) (Config, error) {
	var c Config
	raw, ok := EmbeddedConfigLookup(baseDevice)
	if !ok || len(raw) == 0 {
		return c, errors.New("no embedded base config")
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse base config: %w", err)
	}
	if device != "" && device != baseDevice {
		raw, ok := EmbeddedConfigLookup(device)
		if !ok {
			return c, errors.New("no embedded config for device: " + device)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("parse %s config: %w", device, err)
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return c, fmt.Errorf("read config file: %w", err)
		default:
			if err := overlayFile(&c, path, raw); err != nil {
				return c, err
			}
		}
	}
	return c, c.Validate()
}

// overlayFile applies a YAML or (by extension) TOML document onto c. TOML is
// routed through YAML so both formats share the yaml field names.
func overlayFile(c *Config, path string, raw []byte) error {
	if filepath.Ext(path) == ".toml" {
		var m map[string]any
		if err := toml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("parse config toml: %w", err)
		}
		var err error
		if raw, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("convert config toml: %w", err)
		}
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate rejects values the device cannot run with.
func (c Config) Validate() error {
	switch {
	case c.API.BaseURL == "":
		return errors.New("api.base_url is empty")
	case c.Wifi.APSSID == "":
		return errors.New("wifi.ap_ssid is empty")
	case c.Bus.QueueSize <= 0:
		return errors.New("bus.queue_size must be positive")
	case c.OTA.MinBattery < 0 || c.OTA.MinBattery > 100:
		return fmt.Errorf("ota.min_battery %d out of range", c.OTA.MinBattery)
	case c.Battery.FullMV <= c.Battery.EmptyMV:
		return errors.New("battery.full_mv must exceed empty_mv")
	case c.Display.Width <= 0 || c.Display.Height <= 0:
		return errors.New("display size must be positive")
	}
	return nil
}
