package host

import (
	"context"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"testing"

	"tinygo.org/x/drivers/netlink"

	"calx-go/types"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

func TestFramebuffer_PageOrder(t *testing.T) {
	fb := NewFramebuffer(128, 32)
	fb.SetPixel(5, 10, white) // page 1, bit 2
	fb.SetPixel(200, 0, white)
	if fb.Pixel(5, 10) {
		t.Fatal("pixel visible before Display")
	}
	fb.Display()

	buf := fb.Buffer()
	if len(buf) != 512 {
		t.Fatalf("len=%d", len(buf))
	}
	if buf[1*128+5] != 1<<2 {
		t.Fatalf("byte=%08b", buf[133])
	}
	if !fb.Pixel(5, 10) || fb.Frames() != 1 {
		t.Fatal("published frame wrong")
	}

	fb.SetPixel(5, 10, color.RGBA{A: 255})
	fb.Display()
	if fb.Pixel(5, 10) {
		t.Fatal("pixel not cleared")
	}
	select {
	case <-fb.Changed():
	default:
		t.Fatal("no change signal")
	}
}

func TestSimRadio_JoinRules(t *testing.T) {
	r := NewSimRadio(nil, SimNetwork{SSID: "home", Password: "pw", RSSI: -40}, SimNetwork{SSID: "cafe", RSSI: -70})
	r.JoinDelay = 0

	if err := r.NetConnect(&netlink.ConnectParams{ConnectMode: netlink.ConnectModeSTA, Ssid: "home", Passphrase: "bad"}); err == nil {
		t.Fatal("wrong passphrase joined")
	}
	if err := r.NetConnect(&netlink.ConnectParams{ConnectMode: netlink.ConnectModeSTA, Ssid: "home", Passphrase: "pw"}); err != nil {
		t.Fatal(err)
	}
	if r.Addr() == "" {
		t.Fatal("no address after join")
	}

	var got []netlink.Event
	r.NetNotify(func(e netlink.Event) { got = append(got, e) })
	r.Drop()
	r.Drop()
	if len(got) != 1 || got[0] != netlink.EventNetDown || r.Addr() != "" {
		t.Fatalf("events=%v addr=%q", got, r.Addr())
	}

	nets, _ := r.Scan(context.Background(), 1)
	if len(nets) != 1 || nets[0].SSID != "home" || !nets[0].Secure {
		t.Fatalf("scan=%+v", nets)
	}
	r.FailScans(true)
	if _, err := r.Scan(context.Background(), 5); err == nil {
		t.Fatal("scan should fail")
	}

	r.NetConnect(&netlink.ConnectParams{ConnectMode: netlink.ConnectModeAP, Ssid: "CalX-Setup"})
	if ssid, ok := r.AccessPoint(); !ok || ssid != "CalX-Setup" || r.Addr() != "192.168.4.1" {
		t.Fatalf("ap=%q %v", ssid, ok)
	}
}

func TestKeypad_ReadKeys(t *testing.T) {
	k := NewKeypad(8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := k.ReadKeys(context.Background(), strings.NewReader("1+C?\n")); err != nil {
		t.Fatal(err)
	}
	want := []KeyPress{{types.Key1, false}, {types.KeyPlus, false}, {types.KeyAC, true}, {types.KeyOK, false}}
	for i, w := range want {
		key, long, ok := k.Scan()
		if !ok || key != w.Key || long != w.Long {
			t.Fatalf("key %d: got %v/%v/%v want %+v", i, key, long, ok, w)
		}
	}
	if _, _, ok := k.Scan(); ok {
		t.Fatal("unexpected extra key")
	}
}

func TestKeypad_DropsWhenFull(t *testing.T) {
	k := NewKeypad(1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !k.Press(types.Key1, false) || k.Press(types.Key2, false) {
		t.Fatal("bound not enforced")
	}
}

func TestSimCell_Drains(t *testing.T) {
	c := NewSimCell(3010)
	c.SetDrain(5)
	a, _ := c.ReadMV()
	b, _ := c.ReadMV()
	d, _ := c.ReadMV()
	if a != 3010 || b != 3005 || d != 3000 {
		t.Fatalf("readings %d %d %d", a, b, d)
	}
	e, _ := c.ReadMV()
	if e != 3000 {
		t.Fatalf("went below floor: %d", e)
	}
}
