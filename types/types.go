package types

import "time"

// ---- Application states ----

// AppState is the screen/mode the device is in.
type AppState uint8

const (
	StateBoot AppState = iota
	StateNotBound
	StateWifiSetup
	StateBind
	StateIdle
	StateMenu
	StateChat
	StateFile
	StateAI
	StateSettings
	StateBusy
	StateLowBattery
	StateError
	StateOtaUpdate
)

var stateNames = [...]string{
	StateBoot:       "boot",
	StateNotBound:   "not_bound",
	StateWifiSetup:  "wifi_setup",
	StateBind:       "bind",
	StateIdle:       "idle",
	StateMenu:       "menu",
	StateChat:       "chat",
	StateFile:       "file",
	StateAI:         "ai",
	StateSettings:   "settings",
	StateBusy:       "busy",
	StateLowBattery: "low_battery",
	StateError:      "error",
	StateOtaUpdate:  "ota_update",
}

func (s AppState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// AllStates lists every AppState in declaration order.
func AllStates() []AppState {
	out := make([]AppState, 0, len(stateNames))
	for i := range stateNames {
		out = append(out, AppState(i))
	}
	return out
}

// IsContent reports whether s is a top-level content screen reached from the menu.
func (s AppState) IsContent() bool {
	switch s {
	case StateChat, StateFile, StateAI, StateSettings:
		return true
	}
	return false
}

// ---- Keypad ----

// Key is a logical keypad code.
type Key uint8

const (
	KeyNone Key = iota
	Key0
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyPlus
	KeyMinus
	KeyMultiply
	KeyDivide
	KeyEquals // next page
	KeyDel    // previous page / backspace
	KeyAC     // back, long press = idle
	KeyDot
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyOK
)

// MaxKey is the highest valid key code.
const MaxKey = KeyOK

// Digit returns the numeric value of a digit key.
func (k Key) Digit() (int, bool) {
	if k >= Key0 && k <= Key9 {
		return int(k - Key0), true
	}
	return 0, false
}

// ---- Power / display preferences ----

type PowerMode uint8

const (
	PowerNormal PowerMode = iota
	PowerLow
)

func (m PowerMode) String() string {
	if m == PowerLow {
		return "LOW"
	}
	return "NORMAL"
}

type TextSize uint8

const (
	TextSmall TextSize = iota
	TextNormal
	TextLarge
)

type Keyboard uint8

const (
	KeyboardQwerty Keyboard = iota
	KeyboardT9
)

// ---- Connectivity ----

// WifiMode is the radio operating mode.
type WifiMode uint8

const (
	WifiOff WifiMode = iota
	WifiStation
	WifiAccessPoint
	WifiBoth
)

func (m WifiMode) String() string {
	switch m {
	case WifiStation:
		return "sta"
	case WifiAccessPoint:
		return "ap"
	case WifiBoth:
		return "apsta"
	}
	return "off"
}

// Network is one scan result.
type Network struct {
	SSID   string `json:"ssid"`
	RSSI   int8   `json:"rssi"`
	Secure bool   `json:"secure"`
}

// Credentials are the persisted station credentials.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// WifiStatus is a snapshot of the connectivity state.
type WifiStatus struct {
	Mode      WifiMode
	Connected bool
	Retries   int
	SSID      string
	IP        string
}

// ---- Binding ----

// BindSession is the ephemeral state of one bind ceremony.
type BindSession struct {
	DeviceID  string
	Code      string
	ExpiresIn time.Duration
	Created   time.Time
	LastPoll  time.Time
}

// Expired reports whether the session is past its expiry at now.
func (b BindSession) Expired(now time.Time) bool {
	return b.ExpiresIn > 0 && !now.Before(b.Created.Add(b.ExpiresIn))
}

// ---- Backend content ----

type ChatMessage struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"created_at"`
}

type FileContent struct {
	Content   string `json:"content"`
	CharCount int    `json:"char_count"`
}

type AIResponse struct {
	Content string `json:"content"`
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor"`
}

// Heartbeat is the periodic device report.
type Heartbeat struct {
	BatteryPercent  int    `json:"battery_percent"`
	PowerMode       string `json:"power_mode"`
	FirmwareVersion string `json:"firmware_version"`
}

// ---- OTA ----

// UpdateDescriptor describes an available firmware image.
type UpdateDescriptor struct {
	Available   bool   `json:"update_available"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`
	FileSize    int64  `json:"file_size"`
}
