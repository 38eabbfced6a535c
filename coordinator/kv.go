package coordinator

import (
	"context"
	"sync"

	scs "github.com/alexedwards/scs/v2"
)

// LastUpdatedKey holds the epoch-ms of the last worker activation
const LastUpdatedKey = "devkit:sw-last-updated"

// KeyValue is durable per-origin string storage. Writes are last-writer-wins.
type KeyValue interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MemoryKV is a KeyValue held in process memory
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty MemoryKV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// Get implements KeyValue
func (m *MemoryKV) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements KeyValue
func (m *MemoryKV) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// snapshot copies the stored values
func (m *MemoryKV) snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// SessionKV persists values in a browser session. Coordinator callbacks
// run outside any request, so values are buffered in memory and moved in
// and out of the session at request boundaries with Load and Save.
type SessionKV struct {
	*MemoryKV
	sess *scs.SessionManager
}

// NewSessionKV creates a SessionKV over sess
func NewSessionKV(sess *scs.SessionManager) *SessionKV {
	return &SessionKV{MemoryKV: NewMemoryKV(), sess: sess}
}

// Load copies keys from the request's session into the buffer.
// ctx must carry session data loaded by sess.LoadAndSave.
func (s *SessionKV) Load(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if s.sess.Exists(ctx, k) {
			s.Set(k, s.sess.GetString(ctx, k))
		}
	}
}

// Save writes every buffered value into the request's session
func (s *SessionKV) Save(ctx context.Context) {
	for k, v := range s.snapshot() {
		if s.sess.GetString(ctx, k) != v {
			s.sess.Put(ctx, k, v)
		}
	}
}
