// bus/bus_test.go
package bus

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"calx-go/errcode"
	"calx-go/types"
)

func newTestBus(t *testing.T, o Options) *Bus {
	t.Helper()
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(o)
}

type recordSink struct {
	mu   sync.Mutex
	keys []types.Key
	long []bool
}

func (r *recordSink) HandleKey(k types.Key, long bool) {
	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.long = append(r.long, long)
	r.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

func TestPost_OverflowDropsAndKeepsFIFO(t *testing.T) {
	b := newTestBus(t, Options{})

	for i := 0; i < 32; i++ {
		if !b.Post(types.Event{Kind: types.EventTimeout, Value: i}) {
			t.Fatalf("post %d rejected", i)
		}
	}
	start := time.Now()
	if b.Post(types.Event{Kind: types.EventTimeout, Value: 32}) {
		t.Fatal("33rd post accepted")
	}
	if el := time.Since(start); el < DefaultPostTimeout {
		t.Fatalf("overflow returned after %v, want >= %v", el, DefaultPostTimeout)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", b.Dropped())
	}

	var got []int
	if err := b.Register(types.EventTimeout, func(ev types.Event) { got = append(got, ev.Value) }); err != nil {
		t.Fatal(err)
	}
	if n := b.Drain(); n != 32 {
		t.Fatalf("drained %d, want 32", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
}

func TestPost_WaitsForSpace(t *testing.T) {
	b := newTestBus(t, Options{QueueSize: 1, PostTimeout: 200 * time.Millisecond})
	b.PostSimple(types.EventTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Drain()
	}()
	if !b.PostSimple(types.EventAPISuccess) {
		t.Fatal("post should succeed once the queue drains")
	}
}

func TestDrain_DefersEventsPostedDuringDrain(t *testing.T) {
	b := newTestBus(t, Options{})
	calls := 0
	_ = b.Register(types.EventAPIError, func(types.Event) {
		calls++
		b.PostSimple(types.EventAPIError)
	})

	b.PostSimple(types.EventAPIError)
	b.PostSimple(types.EventAPIError)

	if n := b.Drain(); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
	if b.Len() != 2 {
		t.Fatalf("queued=%d, want 2 deferred", b.Len())
	}
}

func TestClear(t *testing.T) {
	b := newTestBus(t, Options{})
	for i := 0; i < 5; i++ {
		b.PostSimple(types.EventTimeout)
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("len=%d after Clear", b.Len())
	}
	if b.Drain() != 0 {
		t.Fatal("drain after clear handled events")
	}
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

func TestDrain_KeySinkBeforeListeners(t *testing.T) {
	b := newTestBus(t, Options{})
	sink := &recordSink{}
	b.SetKeySink(sink)

	var order []string
	_ = b.Register(types.EventKeyPress, func(ev types.Event) {
		if len(sink.keys) == 0 {
			t.Error("listener ran before key sink")
		}
		order = append(order, "listener")
	})

	b.PostKey(types.KeyOK, false)
	b.PostKey(types.KeyAC, true)
	b.Drain()

	if len(sink.keys) != 2 || sink.keys[0] != types.KeyOK || sink.keys[1] != types.KeyAC {
		t.Fatalf("sink keys=%v", sink.keys)
	}
	if sink.long[0] || !sink.long[1] {
		t.Fatalf("sink long flags=%v", sink.long)
	}
	// Long press has its own kind; only the short press matches.
	if len(order) != 1 {
		t.Fatalf("listener calls=%d, want 1", len(order))
	}
}

func TestDrain_OnlyMatchingKind(t *testing.T) {
	b := newTestBus(t, Options{})
	var a, c int
	_ = b.Register(types.EventWifiConnected, func(types.Event) { a++ })
	_ = b.Register(types.EventWifiDisconnected, func(types.Event) { c++ })
	_ = b.Register(types.EventWifiConnected, func(types.Event) { a++ })

	b.PostSimple(types.EventWifiConnected)
	b.PostSimple(types.EventOtaFailed)
	b.Drain()

	if a != 2 || c != 0 {
		t.Fatalf("a=%d c=%d", a, c)
	}
}

func TestRegister_Capacity(t *testing.T) {
	b := newTestBus(t, Options{ListenerCapacity: 2})
	noop := func(types.Event) {}
	if err := b.Register(types.EventTimeout, noop); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(types.EventTimeout, noop); err != nil {
		t.Fatal(err)
	}
	err := b.Register(types.EventTimeout, noop)
	if !errors.Is(err, errcode.ListenerCapacity) {
		t.Fatalf("err=%v, want listener_capacity", err)
	}

	calls := 0
	_ = b.Register(types.EventAPISuccess, func(types.Event) { calls++ })
	b.PostSimple(types.EventAPISuccess)
	b.Drain()
	if calls != 0 {
		t.Fatal("over-capacity listener was registered")
	}
}

func TestRegister_NilRejected(t *testing.T) {
	b := newTestBus(t, Options{})
	if err := b.Register(types.EventTimeout, nil); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err=%v", err)
	}
}

func TestPost_ConcurrentProducers(t *testing.T) {
	b := newTestBus(t, Options{QueueSize: 256})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.PostSimple(types.EventTimeout)
			}
		}()
	}
	wg.Wait()
	if b.Len() != 200 {
		t.Fatalf("len=%d, want 200", b.Len())
	}
}
