// Package heartbeatsvc runs the two loops at the core of the watcher: a
// listener that folds capture events into an aggregate, and a heartbeat loop
// that drains the aggregate once per polling interval and reports it.
package heartbeatsvc

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
	"github.com/0xbrayo/aw-watcher-input/internal/configsvc"
	"github.com/0xbrayo/aw-watcher-input/pkg/awclient"
)

// Reporter delivers one heartbeat to the event-logging service. Errors are
// never fatal to the caller.
type Reporter interface {
	Heartbeat(ctx context.Context, bucketID string, event awclient.Event, pulsetime float64) error
}

// Config is the user-editable watcher configuration.
type Config struct {
	// PollingInterval is the heartbeat period in seconds.
	PollingInterval int `json:"pollingInterval"`
}

const defaultPollingInterval = 1

// sleepSlice bounds how long the heartbeat loop sleeps at a time, which in
// turn bounds shutdown latency.
const sleepSlice = 100 * time.Millisecond

type Service struct {
	log        *zap.Logger
	config     *configsvc.Service
	configPath string
	capture    *capturesvc.Service
	reporter   Reporter
	bucketID   string

	// intervalOverride, when positive, wins over the config file and
	// disables live reload (--poll-time).
	intervalOverride time.Duration
	interval         *atomic.Duration
	running          *atomic.Bool

	agg   *Aggregate
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	ready chan struct{}
}

type Option func(*Service)

func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

func New(log *zap.Logger, config *configsvc.Service, configPath string, capture *capturesvc.Service, reporter Reporter, bucketID string, intervalOverride time.Duration, opts ...Option) *Service {
	s := &Service{
		log:              log,
		config:           config,
		configPath:       configPath,
		capture:          capture,
		reporter:         reporter,
		bucketID:         bucketID,
		intervalOverride: intervalOverride,
		interval:         atomic.NewDuration(defaultPollingInterval * time.Second),
		running:          atomic.NewBool(false),
		now:              time.Now,
		sleep:            defaultSleep,
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Start blocks until ctx is cancelled. It waits for the config and capture
// services, resolves the polling interval, then runs the listener loop in
// its own goroutine and the heartbeat loop on the calling goroutine.
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.config.Ready():
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.capture.Ready():
	}

	s.resolveInterval()

	s.running.Store(true)
	defer s.running.Store(false)
	go func() {
		<-ctx.Done()
		s.running.Store(false)
	}()

	s.agg = NewAggregate(s.now())
	go s.runListener(ctx)
	close(s.ready)
	s.log.Info("Heartbeat service started", zap.String("bucket", s.bucketID), zap.Duration("interval", s.interval.Load()))

	s.runHeartbeat(ctx)
	return nil
}

// resolveInterval picks the polling interval from the --poll-time override
// or the watched config file. A config that cannot be read falls back to the
// default; it never fails startup.
func (s *Service) resolveInterval() {
	if s.intervalOverride > 0 {
		s.interval.Store(s.intervalOverride)
		return
	}
	cfg, err := configsvc.Register(s.config, s.configPath, Config{PollingInterval: defaultPollingInterval}, s.onConfigChange)
	if err != nil {
		s.log.Warn("Failed to load config, using defaults", zap.Error(err))
		cfg = Config{PollingInterval: defaultPollingInterval}
	}
	s.interval.Store(intervalDuration(cfg))
}

func (s *Service) onConfigChange(cfg Config, err error) {
	if err != nil {
		s.log.Warn("Failed to reload config, keeping current interval", zap.Error(err))
		return
	}
	interval := intervalDuration(cfg)
	if interval == s.interval.Load() {
		return
	}
	s.interval.Store(interval)
	s.log.Info("Polling interval updated", zap.Duration("interval", interval))
}

func intervalDuration(cfg Config) time.Duration {
	if cfg.PollingInterval <= 0 {
		return defaultPollingInterval * time.Second
	}
	return time.Duration(cfg.PollingInterval) * time.Second
}

// runListener applies every capture event to the aggregate, stamping
// activity with the event's capture time. The running flag is checked
// before touching shared state so nothing is mutated past shutdown.
func (s *Service) runListener(ctx context.Context) {
	ch := s.capture.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !s.running.Load() {
				return
			}
			if !s.agg.Apply(msg.Message, msg.Message.Time) {
				s.log.Debug("Event dropped, aggregate busy", zap.Stringer("device", msg.Key))
			}
		}
	}
}

// runHeartbeat produces exactly one heartbeat per polling interval. The
// pulsetime sent alongside each event is slightly larger than the interval
// so the server merges consecutive heartbeats into one continuous span.
func (s *Service) runHeartbeat(ctx context.Context) {
	for s.running.Load() && ctx.Err() == nil {
		start := s.now()
		interval := s.interval.Load()

		snap := s.agg.Drain(start)
		event := awclient.Event{
			Timestamp: start.UTC(),
			Duration:  interval.Seconds(),
			Data:      snap.Data(),
		}
		pulsetime := interval.Seconds() + 0.1

		s.log.Debug("Heartbeat",
			zap.Uint64("presses", snap.Presses),
			zap.Uint64("clicks", snap.Clicks),
			zap.Uint64("deltaX", snap.DeltaX),
			zap.Uint64("deltaY", snap.DeltaY),
			zap.Uint64("scrollX", snap.ScrollX),
			zap.Uint64("scrollY", snap.ScrollY),
		)
		err := s.reporter.Heartbeat(ctx, s.bucketID, event, pulsetime)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("Failed to send heartbeat", zap.Error(err))
		}

		elapsed := s.now().Sub(start)
		if elapsed >= interval {
			s.log.Warn("Heartbeat took longer than the polling interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", interval))
			continue
		}
		s.sleepSliced(ctx, interval-elapsed)
	}
}

// sleepSliced sleeps for d in short slices, re-checking the running flag
// between slices so a shutdown signal is observed within one slice.
func (s *Service) sleepSliced(ctx context.Context, d time.Duration) {
	remaining := d
	for remaining > 0 && s.running.Load() && ctx.Err() == nil {
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		s.sleep(ctx, slice)
		remaining -= slice
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
