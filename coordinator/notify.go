package coordinator

import (
	"sync"

	"github.com/google/uuid"
)

// Level classifies a notification
type Level string

const (
	LevelInfo   Level = "info"
	LevelError  Level = "error"
	LevelUpdate Level = "update"
)

// UpdateNotificationID is reused so at most one update prompt is shown
const UpdateNotificationID = "sw-update"

// Notification is a user-facing message
type Notification struct {
	ID         string `json:"id"`
	Level      Level  `json:"level"`
	Message    string `json:"message"`
	Persistent bool   `json:"persistent"`
	Action     string `json:"action,omitempty"`
}

// Notifier shows notifications to the user
type Notifier interface {
	Notify(n Notification)
	Dismiss(id string)
}

// Toasts is an in-memory Notifier. A notification with an ID already
// shown replaces it in place.
type Toasts struct {
	mu    sync.Mutex
	order []string
	items map[string]Notification
}

// NewToasts creates an empty toast list
func NewToasts() *Toasts {
	return &Toasts{items: make(map[string]Notification)}
}

// Notify implements Notifier
func (t *Toasts) Notify(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[n.ID]; !ok {
		t.order = append(t.order, n.ID)
	}
	t.items[n.ID] = n
}

// Dismiss implements Notifier
func (t *Toasts) Dismiss(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(id)
}

func (t *Toasts) remove(id string) {
	if _, ok := t.items[id]; !ok {
		return
	}
	delete(t.items, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// List returns the current notifications, oldest first
func (t *Toasts) List() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.items[id])
	}
	return out
}

// Drain returns the current notifications and drops the ones that are
// not persistent, as a UI does once it has shown them
func (t *Toasts) Drain() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, 0, len(t.order))
	for _, id := range append([]string(nil), t.order...) {
		n := t.items[id]
		out = append(out, n)
		if !n.Persistent {
			t.remove(id)
		}
	}
	return out
}
