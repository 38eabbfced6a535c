// Package sw runs the offline worker lifecycle: versioned cache
// generations installed from a precache manifest, activated with stale
// generation cleanup, and a fetch interceptor choosing network-first or
// cache-first per request.
//
// Container plays the platform's role. It fetches the worker script,
// creates one Worker per byte-different script, drives
// install → installed/waiting → activating → activated, and tracks the
// clients (page contexts) the active worker controls. Workers and
// clients only talk through Message values and the shared cache.Storage.
package sw

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/cache"
)

var (
	// ErrNoRegistration is returned when no worker has been registered
	ErrNoRegistration = errors.New("no worker registration")
	// ErrNotWaiting is returned when promoting a worker that is not waiting
	ErrNotWaiting = errors.New("worker is not waiting")
)

// Container owns the worker registration of one scope
type Container struct {
	scriptURL  *url.URL
	opts       Options
	storage    cache.Storage
	network    Fetcher
	scripts    Fetcher
	versionOf  func(Script) string
	logger     zerolog.Logger
	workerOpts []WorkerOption
	clients    *Clients

	// lifecycle serializes install and activation sequences
	lifecycle sync.Mutex

	mu       sync.Mutex
	reg      *Registration
	handlers map[*Worker]Handlers
}

// ContainerOption configures a Container
type ContainerOption func(*Container)

// WithContainerLogger sets the container logger; workers inherit it
func WithContainerLogger(l zerolog.Logger) ContainerOption {
	return func(c *Container) { c.logger = l }
}

// WithScriptFetcher sets the client used for script update checks.
// Defaults to the network fetcher.
func WithScriptFetcher(f Fetcher) ContainerOption {
	return func(c *Container) { c.scripts = f }
}

// WithVersioner overrides how a script maps to a cache version
func WithVersioner(fn func(Script) string) ContainerOption {
	return func(c *Container) { c.versionOf = fn }
}

// WithWorkerOptions applies opts to every worker the container creates
func WithWorkerOptions(opts ...WorkerOption) ContainerOption {
	return func(c *Container) { c.workerOpts = append(c.workerOpts, opts...) }
}

// NewContainer creates a container for the worker script at scriptURL.
// opts.Version is ignored; each worker gets the version of its script.
func NewContainer(scriptURL *url.URL, opts Options, storage cache.Storage, network Fetcher, copts ...ContainerOption) (*Container, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if !scriptURL.IsAbs() {
		scriptURL = opts.Scope.ResolveReference(scriptURL)
	}

	c := &Container{
		scriptURL: scriptURL,
		opts:      opts,
		storage:   storage,
		network:   network,
		scripts:   network,
		versionOf: func(s Script) string { return DigestVersion(s.Digest) },
		logger:    zerolog.Nop(),
		clients:   newClients(opts.Scope),
		handlers:  make(map[*Worker]Handlers),
	}
	for _, o := range copts {
		o(c)
	}
	c.logger = c.logger.With().Str("component", "sw").Logger()
	return c, nil
}

// Scope returns the scope URL
func (c *Container) Scope() *url.URL { return c.opts.Scope }

// Prefix returns the cache generation prefix
func (c *Container) Prefix() string { return c.opts.Prefix }

// Clients returns the client registry
func (c *Container) Clients() *Clients { return c.clients }

// Active returns the active worker, or nil
func (c *Container) Active() *Worker {
	if r, ok := c.Registration(); ok {
		return r.Active()
	}
	return nil
}

// Attach creates a client for a page loaded at pageURL. A page loaded
// while a worker is active starts out controlled by it.
func (c *Container) Attach(pageURL *url.URL) *ClientContainer {
	client := c.clients.add(pageURL, c.Active())
	return &ClientContainer{container: c, client: client}
}

// Detach forgets a client
func (c *Container) Detach(id string) {
	c.clients.Remove(id)
}

// Registration returns the current registration
func (c *Container) Registration() (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg, c.reg != nil
}

// Register creates the registration on first use and checks for a new
// script. A registration whose first install fails is discarded.
func (c *Container) Register(ctx context.Context) (*Registration, error) {
	c.mu.Lock()
	reg := c.reg
	if reg == nil {
		reg = &Registration{container: c}
		c.reg = reg
	}
	c.mu.Unlock()

	if err := reg.Update(ctx); err != nil {
		if reg.newest() == nil {
			c.mu.Lock()
			if c.reg == reg {
				c.reg = nil
			}
			c.mu.Unlock()
		}
		return nil, err
	}
	return reg, nil
}

// newWorker creates a worker for script and registers its handlers
func (c *Container) newWorker(script Script) (*Worker, error) {
	opts := c.opts
	opts.Version = script.Version

	wopts := append([]WorkerOption{WithLogger(c.logger), WithScript(script)}, c.workerOpts...)
	w, err := NewWorker(opts, c.storage, c.network, wopts...)
	if err != nil {
		return nil, err
	}
	w.host = c

	c.mu.Lock()
	c.handlers[w] = w.Handlers()
	c.mu.Unlock()
	return w, nil
}

func (c *Container) handlersFor(w *Worker) Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[w]
}

// retire marks w redundant and drops its handlers
func (c *Container) retire(w *Worker) {
	w.setState(StateRedundant)
	c.mu.Lock()
	delete(c.handlers, w)
	c.mu.Unlock()
}

// install runs the install handler, then parks or activates the worker.
// Caller holds c.lifecycle.
func (c *Container) install(ctx context.Context, r *Registration, w *Worker) error {
	w.setState(StateInstalling)

	if _, err := c.handlersFor(w).Install(ctx); err != nil {
		r.mu.Lock()
		if r.installing == w {
			r.installing = nil
		}
		r.mu.Unlock()
		c.retire(w)
		return fmt.Errorf("install %s: %w", w.CacheName(), err)
	}

	r.mu.Lock()
	r.installing = nil
	prev := r.waiting
	r.waiting = w
	hasActive := r.active != nil
	r.mu.Unlock()

	if prev != nil {
		c.retire(prev)
	}
	w.setState(StateInstalled)

	if hasActive && !w.skipWaitingRequested() {
		c.logger.Info().Str("cache", w.CacheName()).Msg("worker waiting")
		return nil
	}
	return c.activate(ctx, r, w)
}

// activate promotes the waiting worker w. Caller holds c.lifecycle.
func (c *Container) activate(ctx context.Context, r *Registration, w *Worker) error {
	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		return ErrNotWaiting
	}
	r.waiting = nil
	prev := r.active
	r.active = w
	r.mu.Unlock()

	if prev != nil {
		c.retire(prev)
	}

	w.setState(StateActivating)
	if err := c.handlersFor(w).Activate(ctx); err != nil {
		// Activation still completes; stale caches are retried next time
		c.logger.Warn().Err(err).Str("cache", w.CacheName()).Msg("activate")
	}
	w.setState(StateActivated)
	c.logger.Info().Str("cache", w.CacheName()).Msg("worker activated")
	return nil
}

// promote implements host
func (c *Container) promote(ctx context.Context, w *Worker) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	r, ok := c.Registration()
	if !ok {
		return ErrNoRegistration
	}
	if r.Active() == w {
		return nil
	}
	return c.activate(ctx, r, w)
}

// claim implements host
func (c *Container) claim(w *Worker) {
	c.clients.Claim(w)
}

// matchAll implements host
func (c *Container) matchAll() []*Client {
	return c.clients.MatchAll(true)
}

// Registration tracks the installing, waiting and active workers
type Registration struct {
	container *Container

	mu          sync.Mutex
	installing  *Worker
	waiting     *Worker
	active      *Worker
	updateFound []*updateListener
}

type updateListener struct{ fn func() }

// Scope returns the registration scope
func (r *Registration) Scope() *url.URL { return r.container.opts.Scope }

// Installing returns the worker being installed, or nil
func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Waiting returns the installed worker waiting to activate, or nil
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Active returns the active worker, or nil
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnUpdateFound registers fn to run when a new worker starts installing.
// fn runs synchronously before the install handler. The returned func
// removes it.
func (r *Registration) OnUpdateFound(fn func()) func() {
	l := &updateListener{fn: fn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFound = append(r.updateFound, l)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, cur := range r.updateFound {
			if cur == l {
				r.updateFound = append(r.updateFound[:i], r.updateFound[i+1:]...)
				return
			}
		}
	}
}

// UpdateListeners returns how many update-found listeners are registered
func (r *Registration) UpdateListeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updateFound)
}

func (r *Registration) newest() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}

// Update fetches the worker script and installs it when its bytes
// differ from the newest known worker.
func (r *Registration) Update(ctx context.Context) error {
	c := r.container
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	script, _, err := fetchScript(ctx, c.scripts, c.scriptURL)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if n := r.newest(); n != nil && n.Script().Digest == script.Digest {
		c.logger.Debug().Str("digest", script.Digest).Msg("worker script unchanged")
		return nil
	}
	script.Version = c.versionOf(script)

	w, err := c.newWorker(script)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.installing = w
	listeners := append([]*updateListener{}, r.updateFound...)
	r.mu.Unlock()

	c.logger.Info().Str("cache", w.CacheName()).Msg("update found")
	for _, l := range listeners {
		l.fn()
	}
	return c.install(ctx, r, w)
}

// ClientContainer is a client's view of the container
type ClientContainer struct {
	container *Container
	client    *Client
}

// Client returns the underlying client
func (cc *ClientContainer) Client() *Client { return cc.client }

// Register registers the worker script for the client's origin
func (cc *ClientContainer) Register(ctx context.Context) (*Registration, error) {
	return cc.container.Register(ctx)
}

// Registration returns the current registration
func (cc *ClientContainer) Registration() (*Registration, bool) {
	return cc.container.Registration()
}

// Controller returns the worker controlling this client, or nil
func (cc *ClientContainer) Controller() *Worker {
	return cc.client.Controller()
}

// OnControllerChange registers fn for controller changes of this client
func (cc *ClientContainer) OnControllerChange(fn func()) {
	cc.client.OnControllerChange(fn)
}

// OnMessage registers fn for worker messages to this client
func (cc *ClientContainer) OnMessage(fn func(Message)) {
	cc.client.OnMessage(fn)
}
