// Package cache fronts read-heavy project listings. It is best effort: a
// cache failure degrades to a database read, never to an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/filmgen/backend/internal/config"
	"github.com/filmgen/backend/internal/logger"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// New builds the backend named in cfg. "redis" requires RedisURL; anything
// else yields the in-process backend.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedis(cfg.RedisURL)
	case "", "memory":
		return NewMemory(time.Now), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

type entry struct {
	value   []byte
	expires time.Time
}

// memoryEntries bounds the in-process backend. The least recently used
// entry is evicted first.
const memoryEntries = 4096

// Memory is a process-local Cache. Expired entries are dropped on read.
type Memory struct {
	items *lru.Cache[string, entry]
	now   func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	return newMemory(memoryEntries, now)
}

func newMemory(size int, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	items, err := lru.New[string, entry](size)
	if err != nil {
		panic(err)
	}
	return &Memory{items: items, now: now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.items.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.items.Remove(k)
	}
	return nil
}

// Projects caches per-project reads on top of a Cache.
type Projects struct {
	c   Cache
	ttl time.Duration
	log *slog.Logger
}

func NewProjects(c Cache, ttl time.Duration, log *slog.Logger) *Projects {
	return &Projects{c: c, ttl: ttl, log: logger.OrDefault(log)}
}

func ScenesKey(projectID uuid.UUID) string {
	return "project:" + projectID.String() + ":scenes"
}

// Load returns the cached value for key decoded into dst. On a miss it calls
// fill, stores the result and decodes that instead.
func (p *Projects) Load(ctx context.Context, key string, dst any, fill func(ctx context.Context) (any, error)) error {
	if raw, ok, err := p.c.Get(ctx, key); err != nil {
		p.log.Warn("cache read failed", "key", key, "error", err)
	} else if ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			return nil
		}
		p.log.Warn("cache entry undecodable, refilling", "key", key)
	}

	v, err := fill(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.c.Set(ctx, key, raw, p.ttl); err != nil {
		p.log.Warn("cache write failed", "key", key, "error", err)
	}
	return json.Unmarshal(raw, dst)
}

// InvalidateProject drops every cached read for projectID.
func (p *Projects) InvalidateProject(ctx context.Context, projectID uuid.UUID) {
	if err := p.c.Delete(ctx, ScenesKey(projectID)); err != nil {
		p.log.Warn("cache invalidation failed", "project_id", projectID, "error", err)
	}
}
