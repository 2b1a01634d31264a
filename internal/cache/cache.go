// Package cache stores locators that led to successful actions, keyed by page
// origin and target description. Entries are advisory: a miss or a backend
// failure only means the resolver runs its full strategy chain.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/config"
)

const defaultMemoryCapacity = 4096

// Backend is a locator cache. It satisfies resolver.Cache.
type Backend interface {
	Get(ctx context.Context, origin, target string) (string, bool)
	Put(ctx context.Context, origin, target, locator string)
	Close() error
}

// Open builds the backend selected by cfg. A "none" backend returns nil.
func Open(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemory(defaultMemoryCapacity, cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func key(origin, target string) string {
	return origin + "|" + target
}

// Memory is a bounded LRU with per-entry expiry.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

type memoryEntry struct {
	key       string
	locator   string
	expiresAt time.Time
}

// NewMemory creates a Memory cache. A non-positive ttl disables expiry.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, origin, target string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key(origin, target)]
	if !ok {
		return "", false
	}
	e := el.Value.(*memoryEntry)
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.order.Remove(el)
		delete(m.items, e.key)
		return "", false
	}
	m.order.MoveToFront(el)
	return e.locator, true
}

func (m *Memory) Put(_ context.Context, origin, target, locator string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(origin, target)
	var expires time.Time
	if m.ttl > 0 {
		expires = m.now().Add(m.ttl)
	}
	if el, ok := m.items[k]; ok {
		e := el.Value.(*memoryEntry)
		e.locator, e.expiresAt = locator, expires
		m.order.MoveToFront(el)
		return
	}
	if m.order.Len() >= m.capacity {
		if oldest := m.order.Back(); oldest != nil {
			m.order.Remove(oldest)
			delete(m.items, oldest.Value.(*memoryEntry).key)
		}
	}
	m.items[k] = m.order.PushFront(&memoryEntry{key: k, locator: locator, expiresAt: expires})
}

// Len reports the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error { return nil }
