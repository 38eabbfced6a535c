package sw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/cache"
)

// State is a worker lifecycle state
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// host is the side of the container a worker talks to
type host interface {
	promote(ctx context.Context, w *Worker) error
	claim(w *Worker)
	matchAll() []*Client
}

// Event handler signatures a worker registers with its container
type (
	InstallHandler  func(ctx context.Context) (BatchResult, error)
	ActivateHandler func(ctx context.Context) error
	MessageHandler  func(ctx context.Context, msg Message)
)

// Handlers is the explicit set of event subscriptions of a worker
type Handlers struct {
	Install  InstallHandler
	Activate ActivateHandler
	Message  MessageHandler
}

// Worker is the lifecycle context of one worker script version: it owns
// its cache generation, installs and activates it, and intercepts fetches.
type Worker struct {
	id      string
	script  Script
	opts    Options
	storage cache.Storage
	network Fetcher
	logger  zerolog.Logger
	now     func() time.Time

	host host

	mu          sync.Mutex
	state       State
	skipWaiting bool
	listeners   []*stateListener
}

type stateListener struct{ fn func(State) }

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithLogger sets the worker logger
func WithLogger(l zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides time.Now for activation timestamps
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithScript records which script version the worker runs
func WithScript(s Script) WorkerOption {
	return func(w *Worker) { w.script = s }
}

// NewWorker creates a worker in the parsed state
func NewWorker(opts Options, storage cache.Storage, network Fetcher, wopts ...WorkerOption) (*Worker, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.PrecacheConcurrency <= 0 {
		opts.PrecacheConcurrency = 1
	}

	w := &Worker{
		id:      uuid.NewString(),
		opts:    opts,
		storage: storage,
		network: network,
		logger:  zerolog.Nop(),
		now:     time.Now,
		state:   StateParsed,
	}
	for _, o := range wopts {
		o(w)
	}
	w.logger = w.logger.With().Str("worker", w.id).Str("cache", opts.CacheName()).Logger()
	return w, nil
}

// ID returns the worker id
func (w *Worker) ID() string { return w.id }

// Script returns the script version this worker runs
func (w *Worker) Script() Script { return w.script }

// CacheName returns the name of the worker's cache generation
func (w *Worker) CacheName() string { return w.opts.CacheName() }

// Options returns the worker configuration
func (w *Worker) Options() Options { return w.opts }

// Handlers returns the worker's event handlers for registration
func (w *Worker) Handlers() Handlers {
	return Handlers{
		Install:  w.Install,
		Activate: w.Activate,
		Message:  w.HandleMessage,
	}
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnStateChange registers fn to run after every state transition.
// fn runs synchronously and must not block. The returned func removes it.
func (w *Worker) OnStateChange(fn func(State)) func() {
	l := &stateListener{fn: fn}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, cur := range w.listeners {
			if cur == l {
				w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
				return
			}
		}
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state == s {
		w.mu.Unlock()
		return
	}
	w.state = s
	listeners := append([]*stateListener{}, w.listeners...)
	w.mu.Unlock()

	w.logger.Debug().Str("state", string(s)).Msg("worker state")
	for _, l := range listeners {
		l.fn(s)
	}
}

// SkipWaiting marks the worker as eligible to activate without waiting
// for clients of the previous worker. A worker that is already waiting
// is promoted immediately.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipWaiting = true
	state := w.state
	w.mu.Unlock()

	if state != StateInstalled || w.host == nil {
		return nil
	}
	return w.host.promote(ctx, w)
}

func (w *Worker) skipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// PostMessage delivers a client message to the worker
func (w *Worker) PostMessage(ctx context.Context, msg Message) {
	w.HandleMessage(ctx, msg)
}

// Install populates the worker's cache generation with the base assets
// and the precache manifest entries. Individual asset failures are
// collected in the result and never fail the install.
func (w *Worker) Install(ctx context.Context) (BatchResult, error) {
	c, err := w.storage.Open(ctx, w.CacheName())
	if err != nil {
		return BatchResult{}, fmt.Errorf("open cache %s: %w", w.CacheName(), err)
	}

	var entries []string
	if manifestURL, err := w.opts.resolve(w.opts.ManifestPath); err == nil {
		entries = FetchManifest(ctx, w.network, manifestURL, w.logger)
	}

	urls := w.precacheURLs(entries)
	result := w.addAll(ctx, c, urls)

	level := zerolog.InfoLevel
	if len(result.Failed) > 0 {
		level = zerolog.WarnLevel
		for _, f := range result.Failed {
			w.logger.Debug().Err(f.Err).Str("url", f.URL).Msg("precache failed")
		}
	}
	w.logger.WithLevel(level).Int("cached", len(result.Succeeded)).Int("failed", len(result.Failed)).Msg("install complete")

	if w.opts.SkipWaitingOnInstall {
		if err := w.SkipWaiting(ctx); err != nil {
			w.logger.Debug().Err(err).Msg("skip waiting")
		}
	}
	return result, nil
}

// precacheURLs resolves the base set plus manifest entries against the
// scope, dropping duplicates and unparsable paths
func (w *Worker) precacheURLs(entries []string) []string {
	paths := append([]string{w.opts.AppShell, w.opts.OfflinePage, w.opts.WebManifest}, entries...)

	seen := make(map[string]bool, len(paths))
	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		u, err := w.opts.resolve(p)
		if err != nil {
			w.logger.Debug().Err(err).Str("path", p).Msg("skip precache entry")
			continue
		}
		key := cache.KeyFor(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		urls = append(urls, key)
	}
	return urls
}

// Activate deletes stale generations, claims clients, then tells every
// client the worker is active. A failed deletion does not stop the
// claim or the broadcast.
func (w *Worker) Activate(ctx context.Context) error {
	var errs []error

	names, err := cache.Generations(ctx, w.storage, w.opts.Prefix)
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range names {
		if name == w.CacheName() {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.Warn().Err(err).Str("stale", name).Msg("delete stale cache")
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.logger.Info().Str("stale", name).Msg("deleted stale cache")
	}

	if w.host != nil {
		w.host.claim(w)

		msg := Message{Type: MessageActivated, Timestamp: w.now().UnixMilli()}
		for _, c := range w.host.matchAll() {
			c.PostMessage(msg)
		}
	}
	return errors.Join(errs...)
}

// HandleMessage processes a message posted by a client
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		if err := w.SkipWaiting(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("skip waiting")
		}
	default:
		w.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
}
