package routes

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/briangreenhill/devkit/coordinator"
	"github.com/briangreenhill/devkit/sw"
)

// page is one loaded browser page: a worker client plus its coordinator
type page struct {
	id     string
	client *sw.ClientContainer
	coord  *coordinator.Coordinator
	kv     *coordinator.SessionKV
	toasts *coordinator.Toasts
	reload atomic.Bool

	lastSeen time.Time // guarded by pages.mu
}

type pageKey struct{}

// pageFrom returns the page set by requirePage
func pageFrom(ctx context.Context) *page {
	p, _ := ctx.Value(pageKey{}).(*page)
	return p
}

// pages holds the live pages by client id. Every lookup counts as
// activity for the idle sweep.
type pages struct {
	mu   sync.Mutex
	byID map[string]*page
	now  func() time.Time
}

func newPages() *pages {
	return &pages{byID: make(map[string]*page), now: time.Now}
}

func (ps *pages) get(id string) *page {
	if id == "" {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.byID[id]
	if p != nil {
		p.lastSeen = ps.now()
	}
	return p
}

func (ps *pages) put(p *page) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p.lastSeen = ps.now()
	ps.byID[p.id] = p
}

func (ps *pages) setClock(now func() time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.now = now
}

func (ps *pages) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.byID)
}

// evictIdle removes and returns the pages not seen for longer than ttl
func (ps *pages) evictIdle(ttl time.Duration) []*page {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	cutoff := ps.now().Add(-ttl)
	var idle []*page
	for id, p := range ps.byID {
		if p.lastSeen.Before(cutoff) {
			delete(ps.byID, id)
			idle = append(idle, p)
		}
	}
	return idle
}

func (ps *pages) remove(id string) *page {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byID[id]
	if !ok {
		return nil
	}
	delete(ps.byID, id)
	return p
}

// newPage attaches a client for pageURL and builds its coordinator with
// the last-updated value restored from the session
func (s *Server) newPage(ctx context.Context, pageURL *url.URL) *page {
	client := s.Container.Attach(pageURL)
	p := &page{
		id:     client.Client().ID(),
		client: client,
		kv:     coordinator.NewSessionKV(s.Sess),
		toasts: coordinator.NewToasts(),
	}
	p.kv.Load(ctx, coordinator.LastUpdatedKey)

	p.coord = coordinator.New(
		coordinator.Available(client, s.Storage),
		coordinator.Config{Production: s.Production, Prefix: s.Container.Prefix()},
		coordinator.WithKeyValue(p.kv),
		coordinator.WithNotifier(p.toasts),
		coordinator.WithReloader(func() { p.reload.Store(true) }),
		coordinator.WithLogger(s.Logger.With().Str("client", p.id).Logger()),
	)
	s.pages.put(p)
	return p
}

// releasePage stops the page's coordinator listening and detaches its
// client so broadcasts no longer reach it
func (s *Server) releasePage(p *page) {
	p.coord.Close()
	s.Container.Detach(p.id)
}

// sweepIdle releases every page idle for longer than the session lifetime.
// Its session is gone by then, so nothing can address the page again.
func (s *Server) sweepIdle() int {
	idle := s.pages.evictIdle(s.idleTTL)
	for _, p := range idle {
		s.releasePage(p)
	}
	return len(idle)
}
