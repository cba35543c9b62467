// Package wifi owns the radio: provisioning access point, station connect
// with bounded retries, scanning and the HTTP surface that goes with each mode.
package wifi

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"tinygo.org/x/drivers/netlink"

	"calx-go/errcode"
	"calx-go/types"
	"calx-go/x/timex"
)

// Radio is the link-layer device plus the few things netlink does not cover.
type Radio interface {
	netlink.Netlinker
	Scan(ctx context.Context, max int) ([]types.Network, error)
	Addr() string
}

// Poster receives connectivity events.
type Poster interface {
	Post(types.Event) bool
}

// CredentialStore persists station credentials.
type CredentialStore interface {
	Credentials() (types.Credentials, bool)
	SetCredentials(types.Credentials) error
}

// Server is the HTTP surface; Serve replaces whatever route set is running.
type Server interface {
	Serve(mode types.WifiMode) error
	Stop()
}

type Options struct {
	APSSID       string
	APChannel    int
	APMaxClients int
	RetryMax     int
	RetryDelay   time.Duration
	ScanMax      int
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.APSSID == "" {
		o.APSSID = "CalX-Setup"
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.ScanMax <= 0 {
		o.ScanMax = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

type cmdKind uint8

const (
	cmdStartAP cmdKind = iota
	cmdConnect
	cmdDisconnect
	cmdScan
)

type command struct {
	kind  cmdKind
	creds types.Credentials
	max   int
	reply chan result
}

type result struct {
	nets []types.Network
	err  error
}

type attemptDone struct {
	gen uint64
	err error
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager is the single owner of the radio. All radio calls happen on the
// goroutine running Run; other goroutines go through the command methods.
type Manager struct {
	opt   Options
	radio Radio
	post  Poster
	creds CredentialStore
	srv   Server
	log   *slog.Logger

	cmds     chan command
	netEv    chan netlink.Event
	attempts chan attemptDone

	// loop-owned
	gen      uint64
	target   types.Credentials
	retries  int
	terminal bool
	retry    *time.Timer
	serving  types.WifiMode

	mu     sync.RWMutex
	status types.WifiStatus
	up     chan struct{} // closed while connected
}

func New(radio Radio, post Poster, creds CredentialStore, srv Server, o Options) *Manager {
	o.defaults()
	return &Manager{
		opt:      o,
		radio:    radio,
		post:     post,
		creds:    creds,
		srv:      srv,
		log:      o.Logger.With(slog.String("svc", "wifi")),
		cmds:     make(chan command),
		netEv:    make(chan netlink.Event, 8),
		attempts: make(chan attemptDone, 1),
		up:       make(chan struct{}),
	}
}

// SetServer installs the HTTP surface. Call before Run.
func (m *Manager) SetServer(s Server) { m.srv = s }

// Run drives the radio until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.retry = timex.NewStoppedTimer()
	defer m.retry.Stop()

	m.radio.NetNotify(func(ev netlink.Event) {
		select {
		case m.netEv <- ev:
		default:
			m.log.Warn("radio event dropped", slog.Int("event", int(ev)))
		}
	})

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case c := <-m.cmds:
			c.reply <- m.handle(ctx, c)
		case ev := <-m.netEv:
			m.onRadio(ev)
		case a := <-m.attempts:
			if a.gen != m.gen {
				continue
			}
			if a.err != nil {
				m.log.Warn("connect attempt failed", slog.String("ssid", m.target.SSID), slog.Any("err", a.err))
				m.onDown()
			} else {
				m.onUp()
			}
		case <-m.retry.C:
			if !m.terminal && m.statusMode() == types.WifiStation && !m.Connected() {
				m.attempt(ctx)
			}
		}
	}
}

func (m *Manager) do(ctx context.Context, c command) result {
	c.reply = make(chan result, 1)
	select {
	case m.cmds <- c:
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// StartAccessPoint tears down any station attempt and brings up the open
// provisioning AP with the full portal route set.
func (m *Manager) StartAccessPoint(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdStartAP}).err
}

// Connect persists creds and starts a fresh station attempt with a full retry
// budget. It returns once the attempt has started, not when it completes.
func (m *Manager) Connect(ctx context.Context, ssid, pass string) error {
	if ssid == "" {
		return errcode.InvalidParams
	}
	return m.do(ctx, command{kind: cmdConnect, creds: types.Credentials{SSID: ssid, Password: pass}}).err
}

// ConnectStored connects with the persisted credentials.
func (m *Manager) ConnectStored(ctx context.Context) error {
	c, ok := m.creds.Credentials()
	if !ok {
		return &errcode.E{C: errcode.NotFound, Op: "connect_stored", Msg: "no stored credentials"}
	}
	return m.Connect(ctx, c.SSID, c.Password)
}

// Disconnect drops the station link and stops serving.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdDisconnect}).err
}

// Scan returns up to max networks in radio order (max <= 0 uses the
// configured bound). A failed scan yields no networks and no error.
func (m *Manager) Scan(ctx context.Context, max int) []types.Network {
	if max <= 0 || max > m.opt.ScanMax {
		max = m.opt.ScanMax
	}
	return m.do(ctx, command{kind: cmdScan, max: max}).nets
}

// Status returns a snapshot of the connectivity state.
func (m *Manager) Status() types.WifiStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) Connected() bool { return m.Status().Connected }

func (m *Manager) statusMode() types.WifiMode { return m.Status().Mode }

// WaitConnected blocks until a station IP lease is held or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.RLock()
		up, ok := m.up, m.status.Connected
		m.mu.RUnlock()
		if ok {
			return nil
		}
		select {
		case <-up:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HardwareAddr returns the radio MAC.
func (m *Manager) HardwareAddr() (net.HardwareAddr, error) { return m.radio.GetHardwareAddr() }

// -----------------------------------------------------------------------------
// Loop internals
// -----------------------------------------------------------------------------

func (m *Manager) handle(ctx context.Context, c command) result {
	switch c.kind {
	case cmdStartAP:
		return result{err: m.startAP()}
	case cmdConnect:
		return result{err: m.connect(ctx, c.creds)}
	case cmdDisconnect:
		m.stopStation()
		m.stopServer()
		m.setStatus(func(s *types.WifiStatus) { *s = types.WifiStatus{} })
		return result{}
	case cmdScan:
		nets, err := m.radio.Scan(ctx, c.max)
		if err != nil {
			m.log.Warn("scan failed", slog.Any("err", err))
			return result{}
		}
		if len(nets) > c.max {
			nets = nets[:c.max]
		}
		if m.post != nil {
			m.post.Post(types.Event{Kind: types.EventWifiScanDone, Value: len(nets)})
		}
		return result{nets: nets}
	}
	return result{err: errcode.InvalidParams}
}

func (m *Manager) startAP() error {
	m.stopStation()
	m.stopServer()
	p := &netlink.ConnectParams{
		ConnectMode: netlink.ConnectModeAP,
		Ssid:        m.opt.APSSID,
		AuthType:    netlink.AuthTypeOpen,
	}
	if err := m.radio.NetConnect(p); err != nil {
		m.log.Error("access point start failed", slog.Any("err", err))
		return err
	}
	m.setStatus(func(s *types.WifiStatus) {
		*s = types.WifiStatus{Mode: types.WifiAccessPoint, SSID: m.opt.APSSID, IP: m.radio.Addr()}
	})
	m.serve(types.WifiAccessPoint)
	m.log.Info("access point started", slog.String("ssid", m.opt.APSSID), slog.Int("channel", m.opt.APChannel))
	return nil
}

func (m *Manager) connect(ctx context.Context, c types.Credentials) error {
	if m.creds != nil {
		if err := m.creds.SetCredentials(c); err != nil {
			m.log.Warn("persist credentials failed", slog.Any("err", err))
		}
	}
	m.stopStation()
	// The provisioning surface goes away before the radio switches mode.
	m.stopServer()

	m.target = c
	m.retries = 0
	m.terminal = false
	m.setStatus(func(s *types.WifiStatus) {
		*s = types.WifiStatus{Mode: types.WifiStation, SSID: c.SSID}
	})
	m.log.Info("connecting", slog.String("ssid", c.SSID))
	m.attempt(ctx)
	return nil
}

// attempt runs one blocking NetConnect off the loop goroutine.
func (m *Manager) attempt(ctx context.Context) {
	m.gen++
	gen := m.gen
	p := &netlink.ConnectParams{
		ConnectMode: netlink.ConnectModeSTA,
		Ssid:        m.target.SSID,
		Passphrase:  m.target.Password,
		Retries:     1,
	}
	if p.Passphrase == "" {
		p.AuthType = netlink.AuthTypeOpen
	}
	go func() {
		err := m.radio.NetConnect(p)
		select {
		case m.attempts <- attemptDone{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) onRadio(ev netlink.Event) {
	if m.statusMode() != types.WifiStation {
		return
	}
	switch ev {
	case netlink.EventNetUp:
		m.onUp()
	case netlink.EventNetDown:
		// A failing attempt reports through its own result.
		if m.Connected() {
			m.onDown()
		}
	}
}

func (m *Manager) onUp() {
	if m.Connected() {
		return
	}
	m.retries = 0
	m.terminal = false
	ip := m.radio.Addr()
	m.setStatus(func(s *types.WifiStatus) {
		s.Connected = true
		s.Retries = 0
		s.IP = ip
	})
	m.log.Info("connected", slog.String("ssid", m.target.SSID), slog.String("ip", ip))
	m.serve(types.WifiStation)
	if m.post != nil {
		m.post.Post(types.Event{Kind: types.EventWifiConnected})
	}
}

func (m *Manager) onDown() {
	if m.terminal {
		return
	}
	m.setStatus(func(s *types.WifiStatus) {
		s.Connected = false
		s.IP = ""
	})
	if m.retries < m.opt.RetryMax {
		m.retries++
		r := m.retries
		m.setStatus(func(s *types.WifiStatus) { s.Retries = r })
		m.log.Warn("retrying", slog.Int("retry", r), slog.Int("max", m.opt.RetryMax))
		timex.ResetTimer(m.retry, m.opt.RetryDelay)
		return
	}
	m.terminal = true
	m.log.Error("connect failed, retry budget exhausted", slog.String("ssid", m.target.SSID))
	if m.post != nil {
		m.post.Post(types.Event{Kind: types.EventWifiDisconnected})
	}
}

func (m *Manager) stopStation() {
	m.gen++ // orphan any in-flight attempt
	timex.StopTimer(m.retry)
	if st := m.Status(); st.Mode != types.WifiOff {
		m.radio.NetDisconnect()
	}
}

func (m *Manager) serve(mode types.WifiMode) {
	if m.srv == nil {
		return
	}
	if m.serving != types.WifiOff {
		m.srv.Stop()
	}
	if err := m.srv.Serve(mode); err != nil {
		m.log.Error("http server start failed", slog.String("mode", mode.String()), slog.Any("err", err))
		m.serving = types.WifiOff
		return
	}
	m.serving = mode
}

func (m *Manager) stopServer() {
	if m.srv != nil && m.serving != types.WifiOff {
		m.srv.Stop()
	}
	m.serving = types.WifiOff
}

func (m *Manager) shutdown() {
	m.stopServer()
	if m.Status().Mode != types.WifiOff {
		m.radio.NetDisconnect()
	}
}

func (m *Manager) setStatus(fn func(*types.WifiStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.status.Connected
	fn(&m.status)
	switch {
	case !was && m.status.Connected:
		close(m.up)
	case was && !m.status.Connected:
		m.up = make(chan struct{})
	}
}
