package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const metaFile = "_meta.json"

// FileStorage implements Storage on the filesystem: one directory per
// cache, one JSON file per entry.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

type cacheMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type fileRecord struct {
	Key   string `json:"key"`
	Seq   int64  `json:"seq"`
	Entry *Entry `json:"entry"`
}

// NewFileStorage creates a file-backed storage rooted at dir.
// If dir is empty, uses ~/.devkit_cache
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".devkit_cache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStorage{dir: dir}, nil
}

// Open implements Storage
func (st *FileStorage) Open(_ context.Context, name string) (Cache, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	path := filepath.Join(st.dir, cacheDirName(name))
	if _, err := os.Stat(filepath.Join(path, metaFile)); err == nil {
		return &fileCache{storage: st, name: name, dir: path}, nil
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	meta := cacheMeta{Name: name, CreatedAt: time.Now()}
	if err := writeJSON(filepath.Join(path, metaFile), &meta); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileCache{storage: st, name: name, dir: path}, nil
}

// Has implements Storage
func (st *FileStorage) Has(_ context.Context, name string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, err := os.Stat(filepath.Join(st.dir, cacheDirName(name), metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete implements Storage
func (st *FileStorage) Delete(_ context.Context, name string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	path := filepath.Join(st.dir, cacheDirName(name))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

// Keys implements Storage
func (st *FileStorage) Keys(_ context.Context) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	dirs, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, err
	}

	var metas []cacheMeta
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		var meta cacheMeta
		if err := readJSON(filepath.Join(st.dir, d.Name(), metaFile), &meta); err != nil {
			// Not one of ours or half-created
			continue
		}
		if meta.Name == "" {
			if meta.Name, err = cacheNameFromDir(d.Name()); err != nil {
				continue
			}
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names, nil
}

type fileCache struct {
	storage *FileStorage
	name    string
	dir     string
}

func (fc *fileCache) Name() string { return fc.name }

func (fc *fileCache) Match(_ context.Context, key string, opts MatchOptions) (*Entry, error) {
	fc.storage.mu.Lock()
	defer fc.storage.mu.Unlock()

	if !opts.IgnoreSearch {
		var rec fileRecord
		if err := readJSON(fc.path(key), &rec); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return rec.Entry, nil
	}

	records, err := fc.records()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if keysMatch(rec.Key, key, opts) {
			return rec.Entry, nil
		}
	}
	return nil, ErrNotFound
}

func (fc *fileCache) Put(_ context.Context, key string, entry *Entry) error {
	fc.storage.mu.Lock()
	defer fc.storage.mu.Unlock()

	if _, err := os.Stat(filepath.Join(fc.dir, metaFile)); err != nil {
		return fmt.Errorf("put into cache %s: %w", fc.name, err)
	}

	path := fc.path(key)
	rec := fileRecord{Key: key, Seq: time.Now().UnixNano(), Entry: entry}

	// Replacing keeps the original insertion position
	var prev fileRecord
	if err := readJSON(path, &prev); err == nil && prev.Seq != 0 {
		rec.Seq = prev.Seq
	}

	return writeJSON(path, &rec)
}

func (fc *fileCache) Delete(_ context.Context, key string) (bool, error) {
	fc.storage.mu.Lock()
	defer fc.storage.mu.Unlock()

	err := os.Remove(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (fc *fileCache) Keys(_ context.Context) ([]string, error) {
	fc.storage.mu.Lock()
	defer fc.storage.mu.Unlock()

	records, err := fc.records()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
	}
	return keys, nil
}

// records loads every entry in insertion order. Caller holds the lock.
func (fc *fileCache) records() ([]fileRecord, error) {
	files, err := os.ReadDir(fc.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []fileRecord
	for _, f := range files {
		if f.IsDir() || f.Name() == metaFile || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		var rec fileRecord
		if err := readJSON(filepath.Join(fc.dir, f.Name()), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Seq == records[j].Seq {
			return records[i].Key < records[j].Key
		}
		return records[i].Seq < records[j].Seq
	})
	return records, nil
}

// path generates the full filesystem path for a key
func (fc *fileCache) path(key string) string {
	return filepath.Join(fc.dir, entryFileName(key))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes to a temporary file first, then renames (atomic operation)
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
