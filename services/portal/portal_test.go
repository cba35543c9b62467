package portal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"calx-go/types"
)

type fakeWifi struct {
	mu       sync.Mutex
	nets     []types.Network
	status   types.WifiStatus
	connects []types.Credentials
}

func (f *fakeWifi) Scan(ctx context.Context, max int) []types.Network {
	if len(f.nets) > max {
		return f.nets[:max]
	}
	return f.nets
}

func (f *fakeWifi) Connect(ctx context.Context, ssid, pass string) error {
	f.mu.Lock()
	f.connects = append(f.connects, types.Credentials{SSID: ssid, Password: pass})
	f.mu.Unlock()
	return nil
}

func (f *fakeWifi) Status() types.WifiStatus { return f.status }

type fakeKeys struct {
	mu   sync.Mutex
	keys []types.Key
	full bool
}

func (k *fakeKeys) PostKey(key types.Key, long bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.full {
		return false
	}
	k.keys = append(k.keys, key)
	return true
}

type fakeFrame struct{}

func (fakeFrame) Size() (int16, int16) { return 16, 8 }
func (fakeFrame) Buffer() []byte {
	b := make([]byte, 16)
	b[0] = 0xff
	return b
}

func newTestServer(t *testing.T, w *fakeWifi, k *fakeKeys, mode types.WifiMode) (*Server, *httptest.Server) {
	t.Helper()
	s := New(w, k, fakeFrame{}, Options{
		Listen:   "127.0.0.1:0",
		KeyRate:  1000,
		KeyBurst: 1000,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler(mode))
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSetupPageAndCaptiveAlias(t *testing.T) {
	_, ts := newTestServer(t, &fakeWifi{}, &fakeKeys{}, types.WifiAccessPoint)
	for _, p := range []string{"/", "/generate_204"} {
		resp := get(t, ts.URL+p)
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "WiFi Setup") {
			t.Fatalf("%s: status=%d", p, resp.StatusCode)
		}
	}
}

func TestScan_BoundedJSON(t *testing.T) {
	w := &fakeWifi{}
	for i := 0; i < 15; i++ {
		w.nets = append(w.nets, types.Network{SSID: "n", RSSI: -50, Secure: i%2 == 0})
	}
	_, ts := newTestServer(t, w, &fakeKeys{}, types.WifiAccessPoint)

	var nets []types.Network
	if err := json.NewDecoder(get(t, ts.URL+"/scan").Body).Decode(&nets); err != nil {
		t.Fatal(err)
	}
	if len(nets) != 10 || !nets[0].Secure || nets[1].Secure {
		t.Fatalf("nets=%v", nets)
	}

	// No networks is an empty array, not null.
	_, ts2 := newTestServer(t, &fakeWifi{}, &fakeKeys{}, types.WifiAccessPoint)
	b, _ := io.ReadAll(get(t, ts2.URL+"/scan").Body)
	if strings.TrimSpace(string(b)) != "[]" {
		t.Fatalf("body=%q", b)
	}
}

func TestConnect_AcknowledgesThenConnectsAfterDelay(t *testing.T) {
	w := &fakeWifi{}
	s, ts := newTestServer(t, w, &fakeKeys{}, types.WifiAccessPoint)

	var delay time.Duration
	fire := make(chan func(), 1)
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		delay = d
		fire <- f
		return time.NewTimer(time.Hour)
	}

	resp := post(t, ts.URL+"/connect", `{"ssid":"home","password":"secret"}`)
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "connecting" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	f := <-fire
	if delay != 500*time.Millisecond {
		t.Fatalf("delay=%v", delay)
	}
	w.mu.Lock()
	n := len(w.connects)
	w.mu.Unlock()
	if n != 0 {
		t.Fatal("connected before the delay elapsed")
	}

	f()
	if len(w.connects) != 1 || w.connects[0] != (types.Credentials{SSID: "home", Password: "secret"}) {
		t.Fatalf("connects=%v", w.connects)
	}
}

func TestConnect_Rejects(t *testing.T) {
	_, ts := newTestServer(t, &fakeWifi{}, &fakeKeys{}, types.WifiAccessPoint)
	for _, body := range []string{``, `{"password":"x"}`, `{"ssid":""}`} {
		if resp := post(t, ts.URL+"/connect", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: status=%d", body, resp.StatusCode)
		}
	}
}

func TestKeypress(t *testing.T) {
	k := &fakeKeys{}
	_, ts := newTestServer(t, &fakeWifi{}, k, types.WifiStation)

	resp := post(t, ts.URL+"/keypress", `{"key":23}`)
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if len(k.keys) != 1 || k.keys[0] != types.KeyOK {
		t.Fatalf("keys=%v", k.keys)
	}

	for _, b := range []string{`{"key":-1}`, `{"key":24}`, `{}`, `nope`} {
		if resp := post(t, ts.URL+"/keypress", b); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", b, resp.StatusCode)
		}
	}

	k.full = true
	if resp := post(t, ts.URL+"/keypress", `{"key":1}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("full queue: status=%d", resp.StatusCode)
	}
}

func TestKeypress_RateLimited(t *testing.T) {
	k := &fakeKeys{}
	s := New(&fakeWifi{}, k, nil, Options{KeyRate: 0.001, KeyBurst: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ts := httptest.NewServer(s.Handler(types.WifiStation))
	defer ts.Close()

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, post(t, ts.URL+"/keypress", `{"key":5}`).StatusCode)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v", codes)
	}
}

func TestStatus_CORS(t *testing.T) {
	w := &fakeWifi{status: types.WifiStatus{Mode: types.WifiStation, Connected: true, SSID: "home", IP: "10.0.0.2"}}
	_, ts := newTestServer(t, w, &fakeKeys{}, types.WifiStation)

	resp := get(t, ts.URL+"/status")
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
	var st statusResp
	_ = json.NewDecoder(resp.Body).Decode(&st)
	if !st.Connected || st.SSID != "home" || st.IP != "10.0.0.2" {
		t.Fatalf("status=%+v", st)
	}
}

func TestDisplayData_NumericBuffer(t *testing.T) {
	_, ts := newTestServer(t, &fakeWifi{}, &fakeKeys{}, types.WifiStation)
	var fr frameResp
	if err := json.NewDecoder(get(t, ts.URL+"/display/data").Body).Decode(&fr); err != nil {
		t.Fatal(err)
	}
	if fr.Width != 16 || fr.Height != 8 || len(fr.Buffer) != 16 || fr.Buffer[0] != 255 {
		t.Fatalf("frame=%+v", fr)
	}
	if resp := get(t, ts.URL+"/display"); resp.StatusCode != http.StatusOK {
		t.Fatalf("display page status=%d", resp.StatusCode)
	}
}

func TestStationOmitsProvisioning(t *testing.T) {
	_, ts := newTestServer(t, &fakeWifi{}, &fakeKeys{}, types.WifiStation)
	if resp := get(t, ts.URL+"/scan"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/scan status=%d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/connect", `{"ssid":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/connect status=%d", resp.StatusCode)
	}
}

func TestServeAndStop(t *testing.T) {
	s := New(&fakeWifi{}, &fakeKeys{}, fakeFrame{}, Options{Listen: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := s.Serve(types.WifiStation); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no address")
	}
	resp := get(t, "http://"+addr+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	s.Stop()
	if s.Addr() != "" {
		t.Fatal("address kept after stop")
	}
	c := http.Client{Timeout: 500 * time.Millisecond}
	if r, err := c.Get("http://" + addr + "/status"); err == nil {
		r.Body.Close()
		t.Fatal("server still answering after stop")
	}
	s.Stop() // idempotent
}
