// Package watcher keeps the upstream contract event feeds alive. Each feed
// is one log subscription; the Supervisor retries failed starts and
// periodically restarts feeds whose subscription has gone away.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
)

// ErrSupervisorStopped is returned by Start after Stop.
var ErrSupervisorStopped = errors.New("watcher supervisor stopped")

const (
	DefaultRetryDelay    = 5 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// Handle cancels a running feed and reports whether its upstream
// subscription is still up.
type Handle interface {
	Cancel()
	Alive() bool
}

// Feed is one upstream subscription.
type Feed interface {
	Name() string
	Start(ctx context.Context) (Handle, error)
}

// State of a supervised feed.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Config holds the supervisor timings.
type Config struct {
	RetryDelay    time.Duration
	CheckInterval time.Duration
	// AlertAfter raises OnAlert every AlertAfter consecutive start
	// failures of one feed. 0 disables alerts.
	AlertAfter int
}

type feedState struct {
	feed     Feed
	state    State
	handle   Handle
	retry    scheduler.Task
	failures int
}

// Supervisor drives every feed through Stopped → Starting → Running.
type Supervisor struct {
	cfg   Config
	sched scheduler.Scheduler
	log   *slog.Logger

	mu      sync.Mutex
	feeds   []*feedState
	check   scheduler.Task
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	starts  sync.WaitGroup

	// Hooks are called without the supervisor lock held.
	OnStateChange func(feed string, from, to State)
	OnStartError  func(feed string, err error, consecutive int)
	OnRestart     func(feed string)
	OnAlert       func(feed string, err error, consecutive int)
}

// NewSupervisor builds a supervisor over feeds. Zero timings fall back to
// the 5s retry delay and 30s check interval; a nil sched uses real timers.
func NewSupervisor(cfg Config, sched scheduler.Scheduler, log *slog.Logger, feeds ...Feed) *Supervisor {
	if sched == nil {
		sched = scheduler.Real{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:   cfg,
		sched: sched,
		log:   log.With("component", "watcher"),
	}
	for _, f := range feeds {
		s.feeds = append(s.feeds, &feedState{feed: f})
	}
	return s
}

// Start launches every feed and arms the periodic check. Feed start
// attempts run on the caller's goroutine; failures are retried later.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	var notes []func()
	for _, fs := range s.feeds {
		notes = append(notes, s.setStateLocked(fs, StateStarting))
	}
	s.check = s.sched.AfterFunc(s.cfg.CheckInterval, s.runCheck)
	feeds := append([]*feedState(nil), s.feeds...)
	s.mu.Unlock()
	run(notes)

	s.log.Info("watcher supervisor started", "feeds", len(feeds))
	for _, fs := range feeds {
		s.attempt(fs)
	}
	return nil
}

// attempt calls Feed.Start once. The feed must already be Starting.
func (s *Supervisor) attempt(fs *feedState) {
	s.mu.Lock()
	if s.stopped || fs.state != StateStarting {
		s.mu.Unlock()
		return
	}
	fs.retry = nil
	ctx := s.ctx
	s.starts.Add(1)
	s.mu.Unlock()
	defer s.starts.Done()

	name := fs.feed.Name()
	h, err := fs.feed.Start(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if h != nil {
			h.Cancel()
		}
		return
	}

	var notes []func()
	if err != nil || h == nil {
		if err == nil {
			err = errors.New("feed returned no handle")
		}
		fs.failures++
		n := fs.failures
		fs.retry = s.sched.AfterFunc(s.cfg.RetryDelay, func() { s.attempt(fs) })
		s.mu.Unlock()

		s.log.Warn("feed start failed, retrying",
			"feed", name,
			"attempt", n,
			"retry_in", s.cfg.RetryDelay.String(),
			"error", err,
		)
		if s.OnStartError != nil {
			s.OnStartError(name, err, n)
		}
		if s.cfg.AlertAfter > 0 && n%s.cfg.AlertAfter == 0 && s.OnAlert != nil {
			s.OnAlert(name, err, n)
		}
		return
	}

	fs.handle = h
	fs.failures = 0
	notes = append(notes, s.setStateLocked(fs, StateRunning))
	s.mu.Unlock()
	run(notes)
	s.log.Info("feed running", "feed", name)
}

func (s *Supervisor) runCheck() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.check = s.sched.AfterFunc(s.cfg.CheckInterval, s.runCheck)
	s.mu.Unlock()

	s.Check()
}

// Check restarts every feed that is not Starting and whose handle is unset
// or no longer alive. It is idempotent and safe to call at any time.
func (s *Supervisor) Check() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	var (
		restart []*feedState
		stale   []Handle
		notes   []func()
	)
	for _, fs := range s.feeds {
		if fs.state == StateStarting {
			continue
		}
		if fs.handle != nil && fs.handle.Alive() {
			continue
		}
		if fs.handle != nil {
			stale = append(stale, fs.handle)
			fs.handle = nil
		}
		notes = append(notes, s.setStateLocked(fs, StateStarting))
		restart = append(restart, fs)
	}
	s.mu.Unlock()

	for _, h := range stale {
		h.Cancel()
	}
	run(notes)
	for _, fs := range restart {
		name := fs.feed.Name()
		s.log.Warn("feed not alive, restarting", "feed", name)
		if s.OnRestart != nil {
			s.OnRestart(name)
		}
		s.attempt(fs)
	}
}

// Stop cancels the check loop, pending retries and every running feed,
// then waits for in-flight start attempts. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.check != nil {
		s.check.Stop()
		s.check = nil
	}
	var (
		handles []Handle
		notes   []func()
	)
	for _, fs := range s.feeds {
		if fs.retry != nil {
			fs.retry.Stop()
			fs.retry = nil
		}
		if fs.handle != nil {
			handles = append(handles, fs.handle)
			fs.handle = nil
		}
		notes = append(notes, s.setStateLocked(fs, StateStopped))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.starts.Wait()
	run(notes)
	s.log.Info("watcher supervisor stopped")
}

// FeedStatus is a point-in-time view of one feed.
type FeedStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Alive    bool   `json:"alive"`
	Failures int    `json:"consecutive_failures"`
}

// Status reports every feed in registration order.
func (s *Supervisor) Status() []FeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeedStatus, 0, len(s.feeds))
	for _, fs := range s.feeds {
		out = append(out, FeedStatus{
			Name:     fs.feed.Name(),
			State:    fs.state.String(),
			Alive:    fs.handle != nil && fs.handle.Alive(),
			Failures: fs.failures,
		})
	}
	return out
}

// State returns the state of the named feed.
func (s *Supervisor) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.feeds {
		if fs.feed.Name() == name {
			return fs.state, true
		}
	}
	return StateStopped, false
}

// setStateLocked records the transition and returns the hook call to run
// once the lock is released.
func (s *Supervisor) setStateLocked(fs *feedState, to State) func() {
	from := fs.state
	fs.state = to
	if from == to || s.OnStateChange == nil {
		return nil
	}
	name := fs.feed.Name()
	hook := s.OnStateChange
	return func() { hook(name, from, to) }
}

func run(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}
