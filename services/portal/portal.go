// Package portal is the device's HTTP surface: the captive provisioning
// portal while the access point is up, and the virtual keypad plus web
// display once the station is connected.
package portal

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calx-go/types"
)

//go:embed assets/setup.html
var setupHTML []byte

//go:embed assets/display.html
var displayHTML []byte

// Wifi is the slice of the connectivity manager the portal needs.
type Wifi interface {
	Scan(ctx context.Context, max int) []types.Network
	Connect(ctx context.Context, ssid, pass string) error
	Status() types.WifiStatus
}

// KeySink accepts injected keypresses.
type KeySink interface {
	PostKey(k types.Key, long bool) bool
}

// Frame exposes the display framebuffer in page order (one byte per eight
// vertical pixels, rows of width bytes).
type Frame interface {
	Size() (w, h int16)
	Buffer() []byte
}

type Options struct {
	Listen       string
	ScanMax      int
	ConnectDelay time.Duration
	KeyRate      float64 // keypresses per second
	KeyBurst     int
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Listen == "" {
		o.Listen = ":80"
	}
	if o.ScanMax <= 0 {
		o.ScanMax = 10
	}
	if o.ConnectDelay <= 0 {
		o.ConnectDelay = 500 * time.Millisecond
	}
	if o.KeyRate <= 0 {
		o.KeyRate = 20
	}
	if o.KeyBurst <= 0 {
		o.KeyBurst = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server runs one route set at a time. It satisfies wifi.Server.
type Server struct {
	opt   Options
	wifi  Wifi
	keys  KeySink
	frame Frame
	lim   *rate.Limiter
	log   *slog.Logger

	// overridable in tests
	afterFunc func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	hs      *http.Server
	ln      net.Listener
	pending *time.Timer
}

func New(wifi Wifi, keys KeySink, frame Frame, o Options) *Server {
	o.defaults()
	return &Server{
		opt:       o,
		wifi:      wifi,
		keys:      keys,
		frame:     frame,
		lim:       rate.NewLimiter(rate.Limit(o.KeyRate), o.KeyBurst),
		log:       o.Logger.With(slog.String("svc", "portal")),
		afterFunc: time.AfterFunc,
	}
}

// SetWifi installs the connectivity manager. Call before Serve.
func (s *Server) SetWifi(w Wifi) { s.wifi = w }

// Serve starts listening with the route set for mode, replacing any running
// server.
func (s *Server) Serve(mode types.WifiMode) error {
	s.Stop()

	ln, err := net.Listen("tcp", s.opt.Listen)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Handler:           s.Handler(mode),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.hs, s.ln = hs, ln
	s.mu.Unlock()

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve", slog.Any("err", err))
		}
	}()
	s.log.Info("serving", slog.String("mode", mode.String()), slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the running server down, if any. It does not cancel a connect
// that was already acknowledged.
func (s *Server) Stop() {
	s.mu.Lock()
	hs := s.hs
	s.hs, s.ln = nil, nil
	s.mu.Unlock()
	if hs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", slog.Any("err", err))
		_ = hs.Close()
	}
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the route set for mode. The access point serves every
// route; the station omits provisioning.
func (s *Server) Handler(mode types.WifiMode) http.Handler {
	mux := http.NewServeMux()
	if mode == types.WifiAccessPoint || mode == types.WifiBoth {
		mux.HandleFunc("GET /{$}", s.handleSetup)
		mux.HandleFunc("GET /generate_204", s.handleSetup)
		mux.HandleFunc("GET /scan", s.handleScan)
		mux.HandleFunc("POST /connect", s.handleConnect)
	}
	mux.HandleFunc("POST /keypress", s.handleKeypress)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /display", s.handleDisplay)
	mux.HandleFunc("GET /display/data", s.handleDisplayData)
	return mux
}

// ---- handlers ----

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(setupHTML)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	nets := s.wifi.Scan(r.Context(), s.opt.ScanMax)
	if nets == nil {
		nets = []types.Network{}
	}
	writeJSON(w, http.StatusOK, nets)
}

type connectReq struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 512)).Decode(&req); err != nil {
		http.Error(w, "No data", http.StatusBadRequest)
		return
	}
	if req.SSID == "" {
		http.Error(w, "SSID required", http.StatusBadRequest)
		return
	}
	// Bound to the radio's field sizes.
	if len(req.SSID) > 32 {
		req.SSID = req.SSID[:32]
	}
	if len(req.Password) > 63 {
		req.Password = req.Password[:63]
	}
	s.log.Info("portal connect request", slog.String("ssid", req.SSID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "connecting"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// The reply has to leave before the radio switches mode.
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = s.afterFunc(s.opt.ConnectDelay, func() {
		if err := s.wifi.Connect(context.Background(), req.SSID, req.Password); err != nil {
			s.log.Warn("connect", slog.String("ssid", req.SSID), slog.Any("err", err))
		}
	})
	s.mu.Unlock()
}

type keyReq struct {
	Key *int `json:"key"`
}

func (s *Server) handleKeypress(w http.ResponseWriter, r *http.Request) {
	var req keyReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 128)).Decode(&req); err != nil || req.Key == nil {
		http.Error(w, "No data", http.StatusBadRequest)
		return
	}
	if *req.Key < 0 || *req.Key > int(types.MaxKey) {
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}
	if !s.lim.Allow() {
		http.Error(w, "Too many keypresses", http.StatusTooManyRequests)
		return
	}
	if s.keys != nil && !s.keys.PostKey(types.Key(*req.Key), false) {
		http.Error(w, "Queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResp struct {
	Connected bool   `json:"wifi_connected"`
	SSID      string `json:"ssid"`
	IP        string `json:"ip"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.wifi.Status()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, statusResp{Connected: st.Connected, SSID: st.SSID, IP: st.IP})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(displayHTML)
}

type frameResp struct {
	Width  int16 `json:"width"`
	Height int16 `json:"height"`
	Buffer []int `json:"buffer"`
}

func (s *Server) handleDisplayData(w http.ResponseWriter, r *http.Request) {
	if s.frame == nil {
		http.Error(w, "No display", http.StatusServiceUnavailable)
		return
	}
	width, height := s.frame.Size()
	buf := s.frame.Buffer()
	// Plain numbers, not base64, so the page can index bytes directly.
	out := make([]int, len(buf))
	for i, b := range buf {
		out[i] = int(b)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, frameResp{Width: width, Height: height, Buffer: out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
