package sw

import (
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Client is a page context that workers can control and message
type Client struct {
	id  string
	url *url.URL

	mu                  sync.Mutex
	controller          *Worker
	messageListeners    []func(Message)
	controllerListeners []func()
}

// ID returns the client id
func (c *Client) ID() string { return c.id }

// URL returns the page URL of the client
func (c *Client) URL() *url.URL { return c.url }

// Controller returns the worker controlling the client, or nil
func (c *Client) Controller() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// OnMessage registers fn for messages posted by workers.
// fn runs synchronously and must not block.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageListeners = append(c.messageListeners, fn)
}

// OnControllerChange registers fn for controller changes.
// fn runs synchronously and must not block.
func (c *Client) OnControllerChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controllerListeners = append(c.controllerListeners, fn)
}

// PostMessage delivers a worker message to the client
func (c *Client) PostMessage(msg Message) {
	c.mu.Lock()
	listeners := append([]func(Message){}, c.messageListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

func (c *Client) setController(w *Worker) {
	c.mu.Lock()
	if c.controller == w {
		c.mu.Unlock()
		return
	}
	c.controller = w
	listeners := append([]func(){}, c.controllerListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Clients tracks the page contexts of one origin
type Clients struct {
	scope *url.URL

	mu      sync.Mutex
	order   []string
	clients map[string]*Client
}

func newClients(scope *url.URL) *Clients {
	return &Clients{scope: scope, clients: make(map[string]*Client)}
}

// inScope reports whether a page URL falls under the registration scope
func (cs *Clients) inScope(u *url.URL) bool {
	return sameOrigin(u, cs.scope) && strings.HasPrefix(u.Path, cs.scope.Path)
}

func (cs *Clients) add(u *url.URL, controller *Worker) *Client {
	c := &Client{id: uuid.NewString(), url: u}
	if controller != nil && cs.inScope(u) {
		c.controller = controller
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[c.id] = c
	cs.order = append(cs.order, c.id)
	return c
}

// Get returns a client by id
func (cs *Clients) Get(id string) (*Client, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.clients[id]
	return c, ok
}

// Remove forgets a client, as when its page unloads
func (cs *Clients) Remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.clients[id]; !ok {
		return
	}
	delete(cs.clients, id)
	for i, cid := range cs.order {
		if cid == id {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
}

// MatchAll returns clients in attach order. Uncontrolled clients are
// included only when includeUncontrolled is set.
func (cs *Clients) MatchAll(includeUncontrolled bool) []*Client {
	cs.mu.Lock()
	all := make([]*Client, 0, len(cs.order))
	for _, id := range cs.order {
		all = append(all, cs.clients[id])
	}
	cs.mu.Unlock()

	if includeUncontrolled {
		return all
	}
	controlled := all[:0]
	for _, c := range all {
		if c.Controller() != nil {
			controlled = append(controlled, c)
		}
	}
	return controlled
}

// Claim makes w the controller of every in-scope client
func (cs *Clients) Claim(w *Worker) {
	for _, c := range cs.MatchAll(true) {
		if cs.inScope(c.url) {
			c.setController(w)
		}
	}
}
