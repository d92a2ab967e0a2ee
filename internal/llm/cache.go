package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raysh454/uatu/internal/store"
)

// Entry is one cached model response.
type Entry struct {
	Key       string    `json:"key"`
	InputHash string    `json:"input_hash"`
	Output    string    `json:"output"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	Tier      Tier      `json:"budget_tier"`
	Template  string    `json:"template_id"`
}

// Cache stores responses by key and persists the tier usage counters next
// to them.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	LoadUsage(ctx context.Context) (map[Tier]int, error)
	SaveUsage(ctx context.Context, usage map[Tier]int) error
	Close() error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
	usage   map[Tier]int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry), usage: make(map[Tier]int)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryCache) LoadUsage(context.Context) (map[Tier]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUsage(m.usage), nil
}

func (m *MemoryCache) SaveUsage(_ context.Context, usage map[Tier]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = copyUsage(usage)
	return nil
}

func (m *MemoryCache) Close() error { return nil }

// FileCache keeps one JSON file per key under dir, sharded by the first two
// characters of the key, and the usage counters in dir/usage.json.
type FileCache struct {
	dir string
}

func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (f *FileCache) entryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(f.dir, key+".json")
	}
	return filepath.Join(f.dir, key[:2], key+".json")
}

func (f *FileCache) Get(_ context.Context, key string) (Entry, bool, error) {
	var e Entry
	if err := store.ReadJSON(f.entryPath(key), &e); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (f *FileCache) Put(_ context.Context, e Entry) error {
	return store.WriteJSON(f.entryPath(e.Key), e)
}

type usageFile struct {
	Usage map[Tier]int `json:"usage"`
}

func (f *FileCache) LoadUsage(context.Context) (map[Tier]int, error) {
	var u usageFile
	if err := store.ReadJSON(filepath.Join(f.dir, "usage.json"), &u); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[Tier]int{}, nil
		}
		return nil, err
	}
	return copyUsage(u.Usage), nil
}

func (f *FileCache) SaveUsage(_ context.Context, usage map[Tier]int) error {
	return store.WriteJSON(filepath.Join(f.dir, "usage.json"), usageFile{Usage: copyUsage(usage)})
}

func (f *FileCache) Close() error { return nil }

func copyUsage(in map[Tier]int) map[Tier]int {
	out := make(map[Tier]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
