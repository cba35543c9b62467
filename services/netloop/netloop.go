// Package netloop is the network task: it waits for the link, then runs the
// periodic backend jobs and one-off requests handed to it by other tasks.
package netloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"calx-go/errcode"
	"calx-go/types"
	"calx-go/x/sched"
)

// Job names.
const (
	JobBind      = "bind"
	JobHeartbeat = "heartbeat"
	JobSettings  = "settings"
	JobOTA       = "ota_check"
)

type Backend interface {
	Heartbeat(ctx context.Context, hb types.Heartbeat) error
	FetchSettings(ctx context.Context) (map[string]any, error)
}

type Link interface {
	WaitConnected(ctx context.Context) error
	Connected() bool
}

type Binder interface {
	Tick(ctx context.Context)
}

type Updater interface {
	CheckUpdate(ctx context.Context) (types.UpdateDescriptor, error)
}

// Device is the local state the jobs report on or update.
type Device interface {
	IsBound() bool
	BatteryPercent() int
	PowerMode() types.PowerMode
	ApplySettings(map[string]any)
}

type Options struct {
	Version           string
	BindTick          time.Duration
	HeartbeatNormal   time.Duration
	HeartbeatLowPower time.Duration
	Settings          time.Duration
	OTACheck          time.Duration
	JobTimeout        time.Duration
	QueueSize         int
	Logger            *slog.Logger
}

func (o *Options) defaults() {
	if o.BindTick <= 0 {
		o.BindTick = time.Second
	}
	if o.HeartbeatNormal <= 0 {
		o.HeartbeatNormal = 60 * time.Second
	}
	if o.HeartbeatLowPower <= 0 {
		o.HeartbeatLowPower = 10 * time.Minute
	}
	if o.Settings <= 0 {
		o.Settings = 5 * time.Minute
	}
	if o.OTACheck <= 0 {
		o.OTACheck = 24 * time.Hour
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type work struct {
	name string
	fn   func(ctx context.Context) error
}

type Loop struct {
	api  Backend
	link Link
	bind Binder
	ota  Updater
	dev  Device
	opt  Options
	log  *slog.Logger

	queue chan work

	mu sync.Mutex
	s  *sched.Scheduler
}

func New(api Backend, link Link, bind Binder, ota Updater, dev Device, o Options) *Loop {
	o.defaults()
	return &Loop{
		api:   api,
		link:  link,
		bind:  bind,
		ota:   ota,
		dev:   dev,
		opt:   o,
		log:   o.Logger.With(slog.String("svc", "net")),
		queue: make(chan work, o.QueueSize),
	}
}

// Submit queues fn to run on the network task. It never blocks; false means
// the queue is full. fn gets the loop's context, not a per-job deadline.
func (l *Loop) Submit(name string, fn func(ctx context.Context) error) bool {
	select {
	case l.queue <- work{name: name, fn: fn}:
		return true
	default:
		l.log.Warn("work dropped", slog.String("job", name))
		return false
	}
}

// Trigger makes a scheduled job due now. It is a no-op before the link first
// comes up.
func (l *Loop) Trigger(name string) {
	l.mu.Lock()
	s := l.s
	l.mu.Unlock()
	if s != nil {
		s.Now(name)
	}
}

// Run blocks until the link is up, then serves jobs until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("waiting for link")
	if err := l.link.WaitConnected(ctx); err != nil {
		return err
	}
	l.log.Info("link up, starting jobs")

	fires := make(chan sched.Fire, 4)
	s := sched.New(fires)
	s.Upsert(JobBind, 0, l.opt.BindTick, 0)
	s.Upsert(JobHeartbeat, l.heartbeatEvery(), l.heartbeatEvery(), 0)
	s.Upsert(JobSettings, 0, l.opt.Settings, 0)
	s.Upsert(JobOTA, 0, l.opt.OTACheck, 0)
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
	go s.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-fires:
			l.runJob(ctx, f.Name)
		case w := <-l.queue:
			if err := w.fn(ctx); err != nil {
				l.log.Warn("work failed", slog.String("job", w.name), slog.Any("err", err))
			}
		}
	}
}

func (l *Loop) heartbeatEvery() time.Duration {
	if l.dev.PowerMode() == types.PowerLow {
		return l.opt.HeartbeatLowPower
	}
	return l.opt.HeartbeatNormal
}

func (l *Loop) runJob(ctx context.Context, name string) {
	if !l.link.Connected() {
		l.log.Debug("skip job, offline", slog.String("job", name))
		return
	}
	jctx, cancel := context.WithTimeout(ctx, l.opt.JobTimeout)
	defer cancel()

	var err error
	switch name {
	case JobBind:
		l.bind.Tick(jctx)
		l.mu.Lock()
		if l.s != nil {
			l.s.SetEvery(JobHeartbeat, l.heartbeatEvery())
		}
		l.mu.Unlock()
	case JobHeartbeat:
		if l.dev.IsBound() {
			err = l.api.Heartbeat(jctx, types.Heartbeat{
				BatteryPercent:  l.dev.BatteryPercent(),
				PowerMode:       l.dev.PowerMode().String(),
				FirmwareVersion: l.opt.Version,
			})
		}
	case JobSettings:
		if l.dev.IsBound() {
			var m map[string]any
			if m, err = l.api.FetchSettings(jctx); err == nil {
				l.log.Info("settings fetched", slog.Int("keys", len(m)))
				l.dev.ApplySettings(m)
			}
		}
	case JobOTA:
		if l.dev.IsBound() {
			var d types.UpdateDescriptor
			if d, err = l.ota.CheckUpdate(jctx); err == nil && d.Available {
				l.log.Info("update available", slog.String("version", d.Version))
			}
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("job failed", slog.String("job", name), slog.String("code", string(errcode.Of(err))), slog.Any("err", err))
	}
}
