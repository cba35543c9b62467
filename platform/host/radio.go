// Package host provides desktop stand-ins for the device hardware: a
// simulated radio, keypad, battery cell, framebuffer and reboot hook.
package host

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"tinygo.org/x/drivers/netlink"

	"calx-go/types"
)

// SimNetwork is one access point visible to the simulated radio.
type SimNetwork struct {
	SSID     string
	Password string
	RSSI     int8
}

// SimRadio is an in-memory radio. Joining succeeds when the SSID is known and
// the passphrase matches.
type SimRadio struct {
	JoinDelay time.Duration
	mac       net.HardwareAddr

	mu       sync.Mutex
	nets     []SimNetwork
	notify   func(netlink.Event)
	mode     int
	up       bool
	apSSID   string
	scanFail bool
}

func NewSimRadio(mac net.HardwareAddr, nets ...SimNetwork) *SimRadio {
	if mac == nil {
		mac = net.HardwareAddr{0x02, 0xca, 0x1c, 0x00, 0x00, 0x01}
	}
	return &SimRadio{JoinDelay: 50 * time.Millisecond, mac: mac, nets: nets, mode: -1}
}

// AddNetwork makes another access point visible.
func (r *SimRadio) AddNetwork(n SimNetwork) {
	r.mu.Lock()
	r.nets = append(r.nets, n)
	r.mu.Unlock()
}

// FailScans makes Scan return an error.
func (r *SimRadio) FailScans(fail bool) {
	r.mu.Lock()
	r.scanFail = fail
	r.mu.Unlock()
}

// Drop simulates losing the station link.
func (r *SimRadio) Drop() {
	r.mu.Lock()
	was, fn := r.up, r.notify
	r.up = false
	r.mu.Unlock()
	if was && fn != nil {
		fn(netlink.EventNetDown)
	}
}

func (r *SimRadio) NetConnect(p *netlink.ConnectParams) error {
	if p == nil {
		return netlink.ErrConnectFailed
	}
	if p.ConnectMode == netlink.ConnectModeAP {
		r.mu.Lock()
		r.mode, r.up, r.apSSID = netlink.ConnectModeAP, false, p.Ssid
		r.mu.Unlock()
		return nil
	}

	time.Sleep(r.JoinDelay)
	r.mu.Lock()
	ok := false
	for _, n := range r.nets {
		if n.SSID == p.Ssid && n.Password == p.Passphrase {
			ok = true
			break
		}
	}
	r.mode = netlink.ConnectModeSTA
	r.up = ok
	r.mu.Unlock()
	if !ok {
		return netlink.ErrConnectFailed
	}
	return nil
}

func (r *SimRadio) NetDisconnect() {
	r.mu.Lock()
	r.up = false
	r.mode = -1
	r.apSSID = ""
	r.mu.Unlock()
}

func (r *SimRadio) NetNotify(cb func(netlink.Event)) {
	r.mu.Lock()
	r.notify = cb
	r.mu.Unlock()
}

func (r *SimRadio) GetHardwareAddr() (net.HardwareAddr, error) {
	return r.mac, nil
}

// Scan lists the known networks in the order they were added.
func (r *SimRadio) Scan(ctx context.Context, max int) ([]types.Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanFail {
		return nil, errors.New("sim: scan failed")
	}
	out := make([]types.Network, 0, len(r.nets))
	for _, n := range r.nets {
		if max > 0 && len(out) == max {
			break
		}
		out = append(out, types.Network{SSID: n.SSID, RSSI: n.RSSI, Secure: n.Password != ""})
	}
	return out, nil
}

// Addr is the address the device would hold in its current mode.
func (r *SimRadio) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.mode == netlink.ConnectModeAP:
		return "192.168.4.1"
	case r.up:
		return "192.168.1.50"
	}
	return ""
}

// AccessPoint reports the SSID being broadcast, if any.
func (r *SimRadio) AccessPoint() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apSSID, r.mode == netlink.ConnectModeAP
}
