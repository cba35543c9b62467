package host

import (
	"image/color"
	"sync"
)

// Framebuffer is a monochrome panel in SSD1306 page order: byte
// (y/8)*width+x holds eight vertical pixels, bit y%8. Drawing goes to a back
// buffer; Display publishes it.
type Framebuffer struct {
	w, h int16

	mu      sync.RWMutex
	back    []byte
	front   []byte
	frames  uint64
	changed chan struct{}
}

func NewFramebuffer(w, h int16) *Framebuffer {
	n := int(w) * ((int(h) + 7) / 8)
	return &Framebuffer{
		w:       w,
		h:       h,
		back:    make([]byte, n),
		front:   make([]byte, n),
		changed: make(chan struct{}, 1),
	}
}

func (f *Framebuffer) Size() (int16, int16) { return f.w, f.h }

func (f *Framebuffer) SetPixel(x, y int16, c color.RGBA) {
	if x < 0 || y < 0 || x >= f.w || y >= f.h {
		return
	}
	i := int(y/8)*int(f.w) + int(x)
	bit := byte(1) << uint(y%8)
	f.mu.Lock()
	if c.R != 0 || c.G != 0 || c.B != 0 {
		f.back[i] |= bit
	} else {
		f.back[i] &^= bit
	}
	f.mu.Unlock()
}

func (f *Framebuffer) ClearBuffer() {
	f.mu.Lock()
	clear(f.back)
	f.mu.Unlock()
}

// Display publishes the back buffer.
func (f *Framebuffer) Display() error {
	f.mu.Lock()
	copy(f.front, f.back)
	f.frames++
	f.mu.Unlock()
	select {
	case f.changed <- struct{}{}:
	default:
	}
	return nil
}

// Buffer returns a copy of the published frame.
func (f *Framebuffer) Buffer() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]byte, len(f.front))
	copy(out, f.front)
	return out
}

// Pixel reads the published frame.
func (f *Framebuffer) Pixel(x, y int16) bool {
	if x < 0 || y < 0 || x >= f.w || y >= f.h {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.front[int(y/8)*int(f.w)+int(x)]&(1<<uint(y%8)) != 0
}

// Frames counts Display calls.
func (f *Framebuffer) Frames() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frames
}

// Changed is signalled (coalesced) after each Display.
func (f *Framebuffer) Changed() <-chan struct{} { return f.changed }
