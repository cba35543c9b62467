package ui

import (
	"fmt"
	"image/color"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/freemono"
	"tinygo.org/x/tinyfont/proggy"

	"calx-go/services/appstate"
	"calx-go/types"
)

var (
	on  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	off = color.RGBA{A: 0xff}
)

// face is a font plus the offset from the top of a text row to its baseline.
type face struct {
	font     tinyfont.Fonter
	baseline int16
}

var faces = [...]face{
	types.TextSmall:  {font: &proggy.TinySZ8pt7b, baseline: 7},
	types.TextNormal: {font: &proggy.TinySZ8pt7b, baseline: 8},
	types.TextLarge:  {font: &freemono.Regular9pt7b, baseline: 13},
}

func faceFor(s types.TextSize) face {
	if int(s) < len(faces) {
		return faces[s]
	}
	return faces[types.TextNormal]
}

// View is everything one frame depends on. Two equal views draw the same
// frame.
type View struct {
	App      appstate.Snapshot
	Online   bool
	Battery  int
	Notify   bool
	BindCode string
	Progress int
	APSSID   string
	Busy     string
	Size     types.TextSize
	Page     Page
}

// clearer is implemented by panels with a cheaper full clear.
type clearer interface{ ClearBuffer() }

// Renderer draws views onto a display. It skips frames identical to the last
// one drawn and draws nothing while the screen is off.
type Renderer struct {
	d   drivers.Displayer
	log *slog.Logger

	mu    sync.Mutex
	w, h  int16
	last  View
	drawn bool
	dark  bool
}

func NewRenderer(d drivers.Displayer, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	w, h := d.Size()
	return &Renderer{d: d, w: w, h: h, log: log.With(slog.String("svc", "render"))}
}

// SetPower blanks the panel (false) or forces a redraw on the next frame.
func (r *Renderer) SetPower(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dark = !on
	r.drawn = false
	if !on {
		r.clear()
		if err := r.d.Display(); err != nil {
			r.log.Warn("blank failed", slog.Any("err", err))
		}
	}
}

// Invalidate forces the next Draw to repaint.
func (r *Renderer) Invalidate() {
	r.mu.Lock()
	r.drawn = false
	r.mu.Unlock()
}

// Draw paints v unless it is already on screen. It reports whether a frame
// was pushed.
func (r *Renderer) Draw(v View) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dark || (r.drawn && v == r.last) {
		return false, nil
	}
	r.clear()
	r.paint(v)
	if err := r.d.Display(); err != nil {
		return false, fmt.Errorf("display: %w", err)
	}
	r.last, r.drawn = v, true
	return true, nil
}

func (r *Renderer) paint(v View) {
	switch v.App.State {
	case types.StateBoot:
		r.centered(2, types.TextLarge, "CalX")
		r.centered(22, types.TextSmall, "Starting...")
	case types.StateNotBound:
		r.centered(2, types.TextLarge, "CalX")
		r.centered(22, types.TextSmall, "Not Bound")
	case types.StateWifiSetup:
		r.centered(2, types.TextNormal, "WiFi Setup")
		r.centered(18, types.TextSmall, "Connect to "+v.APSSID)
	case types.StateBind:
		r.centered(0, types.TextSmall, "Bind Code")
		code := v.BindCode
		if code == "" {
			code = "----"
		}
		r.centered(12, types.TextLarge, code)
	case types.StateIdle:
		r.idle(v)
	case types.StateMenu:
		r.menu(v.App.MenuSel)
	case types.StateSettings:
		r.settings(v.App)
	case types.StateChat, types.StateFile, types.StateAI:
		r.content(v.Size, v.Page)
	case types.StateBusy:
		msg := v.Busy
		if msg == "" {
			msg = "Fetching..."
		}
		r.centered(10, types.TextNormal, msg)
	case types.StateLowBattery:
		r.centered(2, types.TextNormal, "Low Battery")
		r.centered(18, types.TextSmall, "Please Charge")
	case types.StateError:
		r.centered(2, types.TextNormal, "Error")
		r.centered(18, types.TextSmall, Fit(v.App.Error, MetricsFor(types.TextSmall).Cols))
	case types.StateOtaUpdate:
		r.ota(v.Progress)
	}
}

func (r *Renderer) idle(v View) {
	r.text(0, 2, types.TextNormal, "CalX", false)
	status := "OFFLINE"
	if v.Online {
		status = "ONLINE"
	}
	r.text(0, 16, types.TextNormal, fmt.Sprintf("%s %d%%", status, v.Battery), false)
	if v.Notify {
		r.text(r.w-8, 16, types.TextNormal, "*", false)
	}
}

func (r *Renderer) menu(sel int) {
	items := [...]string{"1.Chat", "2.File", "3.AI", "4.Set"}
	half := r.w / 2
	for i, label := range items {
		x := int16(i%2) * half
		y := int16(i/2)*14 + 2
		inv := i == sel
		if inv {
			r.fill(x, y, half-4, 12, on)
		}
		r.text(x+2, y+2, types.TextSmall, label, inv)
	}
}

func (r *Renderer) settings(s appstate.Snapshot) {
	labels, sel := appstate.SettingsLabels[:], s.SettingsSel
	if s.AdvancedOpen {
		labels, sel = appstate.AdvancedLabels[:], s.AdvancedSel
	}
	m := MetricsFor(types.TextSmall)
	rows := m.Rows
	if s.Notice != "" {
		rows--
	}
	start := (sel / rows) * rows
	for i := 0; i < rows && start+i < len(labels); i++ {
		idx := start + i
		y := int16(i) * m.Pitch
		inv := idx == sel
		if inv {
			r.fill(0, y, r.w, m.Pitch, on)
		}
		r.text(0, y, types.TextSmall, fmt.Sprintf("%d.%s", idx+1, labels[idx]), inv)
	}
	if s.Notice != "" {
		r.text(0, int16(rows)*m.Pitch, types.TextSmall, Fit(s.Notice, m.Cols), false)
	}
}

func (r *Renderer) content(size types.TextSize, p Page) {
	m := MetricsFor(size)
	for i, line := range strings.Split(p.Text, "\n") {
		r.text(0, int16(i)*m.Pitch, size, line, false)
	}
	if p.Up {
		r.text(r.w-6, 0, types.TextSmall, "^", false)
	}
	if p.Down {
		r.text(r.w-6, r.h-8, types.TextSmall, "v", false)
	}
	if p.More {
		r.centered(r.h-8, types.TextSmall, "[More...]")
	}
	if p.Prompt != "" {
		r.fill(0, r.h-m.Pitch, r.w, m.Pitch, off)
		r.text(0, r.h-m.Pitch, size, Fit(p.Prompt, m.Cols), false)
	}
}

// ota draws the percentage and a bar whose filled width is proportional to
// progress.
func (r *Renderer) ota(progress int) {
	r.centered(2, types.TextNormal, fmt.Sprintf("Updating... %d%%", progress))
	r.outline(10, 22, 108, 8)
	r.fill(12, 24, int16(progress*104/100), 4, on)
}

// -----------------------------------------------------------------------------
// Primitives
// -----------------------------------------------------------------------------

func (r *Renderer) clear() {
	if c, ok := r.d.(clearer); ok {
		c.ClearBuffer()
		return
	}
	r.fill(0, 0, r.w, r.h, off)
}

func (r *Renderer) text(x, top int16, size types.TextSize, s string, inverted bool) {
	f := faceFor(size)
	c := on
	if inverted {
		c = off
	}
	tinyfont.WriteLine(r.d, f.font, x, top+f.baseline, s, c)
}

func (r *Renderer) centered(top int16, size types.TextSize, s string) {
	_, w := tinyfont.LineWidth(faceFor(size).font, s)
	x := (r.w - int16(w)) / 2
	if x < 0 {
		x = 0
	}
	r.text(x, top, size, s, false)
}

func (r *Renderer) fill(x, y, w, h int16, c color.RGBA) {
	for j := y; j < y+h && j < r.h; j++ {
		for i := x; i < x+w && i < r.w; i++ {
			if i >= 0 && j >= 0 {
				r.d.SetPixel(i, j, c)
			}
		}
	}
}

func (r *Renderer) outline(x, y, w, h int16) {
	r.fill(x, y, w, 1, on)
	r.fill(x, y+h-1, w, 1, on)
	r.fill(x, y, 1, h, on)
	r.fill(x+w-1, y, 1, h, on)
}
