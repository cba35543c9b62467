package host

import (
	"log/slog"
	"sync/atomic"
)

// Rebooter stands in for a chip reset: it runs fn (typically cancelling the
// daemon's root context) and counts the requests.
type Rebooter struct {
	fn    func()
	count atomic.Int32
	log   *slog.Logger
}

func NewRebooter(fn func(), log *slog.Logger) *Rebooter {
	if log == nil {
		log = slog.Default()
	}
	return &Rebooter{fn: fn, log: log.With(slog.String("svc", "reboot"))}
}

func (r *Rebooter) Reboot() {
	n := r.count.Add(1)
	r.log.Warn("reboot requested", slog.Int("count", int(n)))
	if r.fn != nil {
		r.fn()
	}
}

// Requested reports whether Reboot has been called.
func (r *Rebooter) Requested() bool { return r.count.Load() > 0 }
