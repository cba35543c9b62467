package host

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"unicode"

	"calx-go/types"
)

// KeyPress is one debounced key event.
type KeyPress struct {
	Key  types.Key
	Long bool
}

// Keypad is a bounded queue of key presses fed by the terminal. Scan is the
// input loop's side.
type Keypad struct {
	ch  chan KeyPress
	log *slog.Logger
}

func NewKeypad(size int, log *slog.Logger) *Keypad {
	if size <= 0 {
		size = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keypad{ch: make(chan KeyPress, size), log: log.With(slog.String("svc", "keypad"))}
}

// Press queues a key without blocking. A full queue drops it.
func (k *Keypad) Press(key types.Key, long bool) bool {
	select {
	case k.ch <- KeyPress{Key: key, Long: long}:
		return true
	default:
		k.log.Warn("key dropped", slog.Int("key", int(key)))
		return false
	}
}

// Scan returns the next queued key, if any.
func (k *Keypad) Scan() (types.Key, bool, bool) {
	select {
	case p := <-k.ch:
		return p.Key, p.Long, true
	default:
		return types.KeyNone, false, false
	}
}

// runeKeys is the line-mode keymap. An upper-case letter is the long press
// of its lower-case key.
var runeKeys = map[rune]types.Key{
	'0': types.Key0, '1': types.Key1, '2': types.Key2, '3': types.Key3, '4': types.Key4,
	'5': types.Key5, '6': types.Key6, '7': types.Key7, '8': types.Key8, '9': types.Key9,
	'+': types.KeyPlus, '-': types.KeyMinus, '*': types.KeyMultiply, '/': types.KeyDivide,
	'=': types.KeyEquals, '.': types.KeyDot,
	'x': types.KeyDel, 'c': types.KeyAC,
	'k': types.KeyUp, 'j': types.KeyDown, 'h': types.KeyLeft, 'l': types.KeyRight,
	'o': types.KeyOK, '\n': types.KeyOK,
}

// KeyForRune maps a typed character onto the keypad.
func KeyForRune(r rune) (types.Key, bool, bool) {
	long := false
	if unicode.IsUpper(r) {
		long = true
		r = unicode.ToLower(r)
	}
	k, ok := runeKeys[r]
	return k, long, ok
}

// ReadKeys feeds keys typed on r (one character per key) until r is
// exhausted or ctx is done.
func (k *Keypad) ReadKeys(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, _, err := br.ReadRune()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if key, long, ok := KeyForRune(c); ok {
			k.Press(key, long)
		}
	}
}
