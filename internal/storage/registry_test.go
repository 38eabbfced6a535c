package storage

import (
	"context"
	"testing"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/internal/config"
)

// fakeBackend counts how often it was opened
type fakeBackend struct {
	name   string
	opened int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Open(context.Context, *config.Config) (cache.Storage, func(), error) {
	f.opened++
	return cache.NewMemoryStorage(), func() {}, nil
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()
	if registry == nil {
		t.Fatal("NewRegistry should not return nil")
	}
	if names := registry.List(); len(names) != 0 {
		t.Errorf("New registry should be empty, got %v", names)
	}
}

func TestDefaultRegistry(t *testing.T) {
	names := DefaultRegistry().List()
	want := []string{"file", "memory", "postgres"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
		}
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	registry := NewRegistry()
	mem := &fakeBackend{name: "memory"}
	file := &fakeBackend{name: "file"}
	registry.Register(mem)
	registry.Register(file)

	if _, _, err := registry.Open(context.Background(), &config.Config{CacheDir: t.TempDir()}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if file.opened != 1 || mem.opened != 0 {
		t.Errorf("Expected file backend to open once, got file=%d memory=%d", file.opened, mem.opened)
	}

	if _, _, err := registry.Open(context.Background(), &config.Config{DatabaseURL: "postgres://x"}); err == nil {
		t.Error("Expected error for unregistered postgres backend")
	}
}

func TestFileBackendOpens(t *testing.T) {
	st, release, err := Open(context.Background(), &config.Config{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer release()

	if _, ok := st.(*cache.FileStorage); !ok {
		t.Errorf("Expected *cache.FileStorage, got %T", st)
	}
}
