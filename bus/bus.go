// bus.go
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"calx-go/errcode"
	"calx-go/types"
)

const (
	DefaultQueueSize        = 32
	DefaultListenerCapacity = 8
	DefaultPostTimeout      = 10 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Listeners
// -----------------------------------------------------------------------------

// Listener is called from Drain for each event of the registered kind.
type Listener func(types.Event)

// KeySink receives key events before any listener sees them.
type KeySink interface {
	HandleKey(k types.Key, long bool)
}

type registration struct {
	kind types.EventKind
	fn   Listener
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// Bus is a bounded FIFO of events plus a fixed-capacity listener registry.
// Post is safe from any goroutine; Drain is meant to be called from exactly one.
type Bus struct {
	ch      chan types.Event
	timeout time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	listeners []registration
	capacity  int
	sink      KeySink

	dropped atomic.Uint64
}

// Options tune a Bus; zero values select the defaults.
type Options struct {
	QueueSize        int
	ListenerCapacity int
	PostTimeout      time.Duration
	Logger           *slog.Logger
}

// New creates a bus.
func New(o Options) *Bus {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.ListenerCapacity <= 0 {
		o.ListenerCapacity = DefaultListenerCapacity
	}
	if o.PostTimeout <= 0 {
		o.PostTimeout = DefaultPostTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Bus{
		ch:       make(chan types.Event, o.QueueSize),
		timeout:  o.PostTimeout,
		log:      o.Logger.With(slog.String("svc", "bus")),
		capacity: o.ListenerCapacity,
	}
}

// SetKeySink installs the consumer that sees key events first.
func (b *Bus) SetKeySink(s KeySink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// Register adds fn for events of kind. Over capacity it logs and returns
// errcode.ListenerCapacity without registering.
func (b *Bus) Register(kind types.EventKind, fn Listener) error {
	if fn == nil {
		return errcode.InvalidParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) >= b.capacity {
		b.log.Warn("listener registry full", slog.String("kind", kind.String()), slog.Int("capacity", b.capacity))
		return errcode.ListenerCapacity
	}
	b.listeners = append(b.listeners, registration{kind: kind, fn: fn})
	return nil
}

// -----------------------------------------------------------------------------
// Producers
// -----------------------------------------------------------------------------

// Post enqueues ev, waiting at most the post timeout for space.
// It returns false (and counts a drop) when the queue stays full.
func (b *Bus) Post(ev types.Event) bool {
	select {
	case b.ch <- ev:
		return true
	default:
	}
	t := time.NewTimer(b.timeout)
	defer t.Stop()
	select {
	case b.ch <- ev:
		return true
	case <-t.C:
		n := b.dropped.Add(1)
		b.log.Warn("event queue full, dropped", slog.String("kind", ev.Kind.String()), slog.Uint64("dropped", n))
		return false
	}
}

// PostKey posts a key press or long press.
func (b *Bus) PostKey(k types.Key, long bool) bool {
	return b.Post(types.KeyEvent(k, long))
}

// PostSimple posts an event carrying only its kind.
func (b *Bus) PostSimple(kind types.EventKind) bool {
	return b.Post(types.Event{Kind: kind})
}

// -----------------------------------------------------------------------------
// Consumer
// -----------------------------------------------------------------------------

// Drain dispatches at most the number of events queued when it was called and
// returns how many it handled. Events posted by handlers wait for the next call.
func (b *Bus) Drain() int {
	n := len(b.ch)
	handled := 0
	for i := 0; i < n; i++ {
		var ev types.Event
		select {
		case ev = <-b.ch:
		default:
			return handled
		}
		b.dispatch(ev)
		handled++
	}
	return handled
}

func (b *Bus) dispatch(ev types.Event) {
	b.mu.RLock()
	sink := b.sink
	ls := make([]registration, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.RUnlock()

	if ev.IsKey() && sink != nil {
		sink.HandleKey(ev.Key, ev.Long)
	}
	for _, r := range ls {
		if r.kind == ev.Kind {
			r.fn(ev)
		}
	}
}

// Clear discards everything queued.
func (b *Bus) Clear() {
	for {
		select {
		case <-b.ch:
		default:
			return
		}
	}
}

// Len reports the number of queued events.
func (b *Bus) Len() int { return len(b.ch) }

// Dropped reports how many posts timed out.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
