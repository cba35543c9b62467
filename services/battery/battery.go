// Package battery turns raw cell voltage samples into a smoothed charge
// percentage and posts low/ok transitions.
package battery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calx-go/types"
	"calx-go/x/mathx"
)

// Sampler reads the cell voltage in millivolts (after any divider).
type Sampler interface {
	ReadMV() (int, error)
}

type Poster interface{ Post(types.Event) bool }

type Options struct {
	FullMV     int
	EmptyMV    int
	LowPercent int
	Samples    int
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.FullMV <= 0 {
		o.FullMV = 4200
	}
	if o.EmptyMV <= 0 || o.EmptyMV >= o.FullMV {
		o.EmptyMV = 3300
	}
	if o.LowPercent <= 0 {
		o.LowPercent = 10
	}
	if o.Samples <= 0 {
		o.Samples = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Monitor keeps a moving average over the last Samples readings.
type Monitor struct {
	opt  Options
	src  Sampler
	post Poster
	log  *slog.Logger

	mu      sync.RWMutex
	window  []int
	idx     int
	mv      int
	percent int
	low     bool
}

func New(src Sampler, post Poster, o Options) *Monitor {
	o.defaults()
	m := &Monitor{
		opt:     o,
		src:     src,
		post:    post,
		log:     o.Logger.With(slog.String("svc", "battery")),
		window:  make([]int, o.Samples),
		mv:      o.FullMV,
		percent: 100,
	}
	// Start from a full cell so the first readings do not report low.
	for i := range m.window {
		m.window[i] = o.FullMV
	}
	return m
}

// Update takes one sample. A failed read leaves the estimate unchanged.
func (m *Monitor) Update() {
	v, err := m.src.ReadMV()
	if err != nil {
		m.log.Warn("sample failed", slog.Any("err", err))
		return
	}

	m.mu.Lock()
	m.window[m.idx] = v
	m.idx = (m.idx + 1) % len(m.window)
	sum := 0
	for _, s := range m.window {
		sum += s
	}
	m.mv = sum / len(m.window)
	m.percent = mathx.MapRange(m.mv, m.opt.EmptyMV, m.opt.FullMV, 0, 100)
	was := m.low
	m.low = m.percent < m.opt.LowPercent
	mv, pct, low := m.mv, m.percent, m.low
	m.mu.Unlock()

	switch {
	case low && !was:
		m.log.Warn("low battery", slog.Int("mv", mv), slog.Int("percent", pct))
		m.post.Post(types.Event{Kind: types.EventLowBattery, Value: pct})
	case !low && was:
		m.log.Info("battery ok", slog.Int("mv", mv), slog.Int("percent", pct))
		m.post.Post(types.Event{Kind: types.EventBatteryOK, Value: pct})
	}
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, every time.Duration) error {
	m.Update()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Update()
		}
	}
}

func (m *Monitor) Percent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.percent
}

func (m *Monitor) MV() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mv
}

func (m *Monitor) Low() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.low
}
