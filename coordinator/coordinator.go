// Package coordinator is the page side of the offline layer: it registers
// the worker once, reacts to lifecycle messages, and exposes the update and
// cache actions behind the settings UI.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/sw"
)

// UpdateStatus is the outcome of an update check
type UpdateStatus string

const (
	UpdateAvailable   UpdateStatus = "update-available"
	UpToDate          UpdateStatus = "up-to-date"
	UpdateUnavailable UpdateStatus = "unavailable"
)

const msgNotAvailable = "Offline support is not available in this browser"

// State is what the UI renders
type State struct {
	Registered       bool   `json:"registered"`
	WorkersAvailable bool   `json:"workers_available"`
	CachesAvailable  bool   `json:"caches_available"`
	UpdateAvailable  bool   `json:"update_available"`
	LastUpdated      int64  `json:"last_updated,omitempty"`
	CacheSize        *int64 `json:"cache_size"`
	Checking         bool   `json:"checking"`
	Clearing         bool   `json:"clearing"`
	Sizing           bool   `json:"sizing"`
	Applying         bool   `json:"applying"`
	Reloading        bool   `json:"reloading"`
}

// Config controls registration
type Config struct {
	// Production gates registration; development builds never register
	Production bool
	// Prefix selects the cache generations the actions operate on
	Prefix string
}

// Coordinator tracks one page's view of the offline layer
type Coordinator struct {
	caps     Capabilities
	cfg      Config
	kv       KeyValue
	notifier Notifier
	reload   func()
	now      func() time.Time
	logger   zerolog.Logger

	register  sync.Once
	reloading atomic.Bool

	subsMu      sync.Mutex
	unsubscribe []func()
	closed      bool

	mu    sync.Mutex
	state State
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithKeyValue sets the durable storage. Defaults to a MemoryKV.
func WithKeyValue(kv KeyValue) Option {
	return func(c *Coordinator) { c.kv = kv }
}

// WithNotifier sets where notifications go. Defaults to a Toasts list.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithReloader sets what reloading the page means
func WithReloader(fn func()) Option {
	return func(c *Coordinator) { c.reload = fn }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator and restores the last-updated timestamp
func New(caps Capabilities, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		caps:     caps,
		cfg:      cfg,
		kv:       NewMemoryKV(),
		notifier: NewToasts(),
		reload:   func() {},
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With().Str("component", "coordinator").Logger()

	c.state.WorkersAvailable = caps.HasWorkers()
	c.state.CachesAvailable = caps.HasCaches()
	if v, ok := c.kv.Get(LastUpdatedKey); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.state.LastUpdated = ms
		}
	}
	return c
}

// Snapshot returns a copy of the current state
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.CacheSize != nil {
		n := *s.CacheSize
		s.CacheSize = &n
	}
	return s
}

func (c *Coordinator) update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
}

// Start registers the worker. Only the first call does anything; it is a
// silent no-op outside production or without the worker API.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.register.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Coordinator) start(ctx context.Context) error {
	if !c.cfg.Production || !c.caps.HasWorkers() {
		c.logger.Debug().Bool("production", c.cfg.Production).Msg("worker registration skipped")
		return nil
	}

	workers := c.caps.workers
	workers.OnControllerChange(c.handleControllerChange)
	workers.OnMessage(c.handleMessage)

	reg, err := workers.Register(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("worker registration failed")
		return fmt.Errorf("register worker: %w", err)
	}
	c.update(func(s *State) { s.Registered = true })

	if reg.Waiting() != nil {
		c.notifyUpdate()
	}
	c.track(reg.OnUpdateFound(func() { c.handleUpdateFound(reg) }))
	return nil
}

// track keeps an unsubscribe func for Close. After Close it runs at once.
func (c *Coordinator) track(unsubscribe func()) {
	c.subsMu.Lock()
	if !c.closed {
		c.unsubscribe = append(c.unsubscribe, unsubscribe)
		c.subsMu.Unlock()
		return
	}
	c.subsMu.Unlock()
	unsubscribe()
}

// Close removes every listener the coordinator holds on the registration
// and its workers. A closed coordinator no longer sees updates.
func (c *Coordinator) Close() {
	c.subsMu.Lock()
	c.closed = true
	subs := c.unsubscribe
	c.unsubscribe = nil
	c.subsMu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// handleUpdateFound watches a new installing worker. Reaching installed
// while this page already has a controller means an update, not a first
// install.
func (c *Coordinator) handleUpdateFound(reg *sw.Registration) {
	w := reg.Installing()
	if w == nil {
		return
	}
	c.track(w.OnStateChange(func(s sw.State) {
		if s == sw.StateInstalled && c.caps.workers.Controller() != nil {
			c.notifyUpdate()
		}
	}))
}

// handleControllerChange records the update time and reloads at most once
func (c *Coordinator) handleControllerChange() {
	if !c.reloading.CompareAndSwap(false, true) {
		return
	}
	c.recordLastUpdated(c.now().UnixMilli())
	c.update(func(s *State) { s.Reloading = true })
	c.logger.Info().Msg("controller changed, reloading")
	c.reload()
}

func (c *Coordinator) handleMessage(msg sw.Message) {
	if msg.Type != sw.MessageActivated {
		return
	}
	c.recordLastUpdated(msg.Timestamp)
}

func (c *Coordinator) recordLastUpdated(ms int64) {
	c.kv.Set(LastUpdatedKey, strconv.FormatInt(ms, 10))
	c.update(func(s *State) { s.LastUpdated = ms })
}

func (c *Coordinator) notifyUpdate() {
	c.update(func(s *State) { s.UpdateAvailable = true })
	c.notifier.Notify(Notification{
		ID:         UpdateNotificationID,
		Level:      LevelUpdate,
		Message:    "A new version is available",
		Persistent: true,
		Action:     "Refresh",
	})
}

func (c *Coordinator) info(msg string) {
	c.notifier.Notify(Notification{Level: LevelInfo, Message: msg})
}

// run executes one user action with its loading flag raised. Any failure,
// a panic included, ends as a single error notification.
func (c *Coordinator) run(flag func(*State) *bool, failure string, fn func() error) (err error) {
	c.update(func(s *State) { *flag(s) = true })
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		c.update(func(s *State) { *flag(s) = false })
		if err != nil {
			c.logger.Warn().Err(err).Msg(failure)
			c.notifier.Notify(Notification{Level: LevelError, Message: failure})
		}
	}()
	return fn()
}

func checking(s *State) *bool { return &s.Checking }
func clearing(s *State) *bool { return &s.Clearing }
func sizing(s *State) *bool   { return &s.Sizing }
func applying(s *State) *bool { return &s.Applying }

// CheckForUpdates asks the registration to look for a new worker script
func (c *Coordinator) CheckForUpdates(ctx context.Context) (UpdateStatus, error) {
	status := UpdateUnavailable
	err := c.run(checking, "Failed to check for updates", func() error {
		if !c.caps.HasWorkers() {
			c.info(msgNotAvailable)
			return nil
		}
		reg, ok := c.caps.workers.Registration()
		if !ok {
			return sw.ErrNoRegistration
		}
		if err := reg.Update(ctx); err != nil {
			return err
		}
		if reg.Waiting() != nil {
			status = UpdateAvailable
			c.notifyUpdate()
			return nil
		}
		status = UpToDate
		c.info("You are on the latest version")
		return nil
	})
	return status, err
}

// ClearCache deletes every cache generation under the prefix, then
// recomputes the cache size
func (c *Coordinator) ClearCache(ctx context.Context) error {
	err := c.run(clearing, "Failed to clear offline cache", func() error {
		if !c.caps.HasCaches() {
			c.info(msgNotAvailable)
			return nil
		}
		names, err := cache.Generations(ctx, c.caps.caches, c.cfg.Prefix)
		if err != nil {
			return err
		}
		var errs []error
		for _, name := range names {
			if _, err := c.caps.caches.Delete(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		c.logger.Info().Int("caches", len(names)).Msg("offline cache cleared")
		c.info("Offline cache cleared")
		return nil
	})
	if err != nil {
		return err
	}
	if c.caps.HasCaches() {
		c.ComputeCacheSize(ctx)
	}
	return nil
}

// ComputeCacheSize scans every generation under the prefix. It returns
// nil when caches are unavailable or the scan fails.
func (c *Coordinator) ComputeCacheSize(ctx context.Context) *int64 {
	var size *int64
	_ = c.run(sizing, "Failed to compute cache size", func() error {
		if !c.caps.HasCaches() {
			c.info(msgNotAvailable)
			return nil
		}
		n, err := cache.Size(ctx, c.caps.caches, c.cfg.Prefix)
		if err != nil {
			return err
		}
		size = &n
		return nil
	})

	c.update(func(s *State) { s.CacheSize = size })
	return size
}

// ApplyUpdate tells the waiting worker to skip waiting. The activation
// that follows changes the controller, which reloads the page.
func (c *Coordinator) ApplyUpdate(ctx context.Context) error {
	return c.run(applying, "Failed to apply update", func() error {
		if !c.caps.HasWorkers() {
			c.info(msgNotAvailable)
			return nil
		}
		reg, ok := c.caps.workers.Registration()
		if !ok {
			return sw.ErrNoRegistration
		}

		c.notifier.Dismiss(UpdateNotificationID)
		c.update(func(s *State) { s.UpdateAvailable = false })

		w := reg.Waiting()
		if w == nil {
			c.logger.Debug().Msg("no waiting worker")
			return nil
		}
		w.PostMessage(ctx, sw.Message{Type: sw.MessageSkipWaiting})
		return nil
	})
}
