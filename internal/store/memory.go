package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// Memory is a process-local Backend.
type Memory struct {
	mu       sync.RWMutex
	settings map[string]string
	tasks    map[string]schemas.Task
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		settings: make(map[string]string),
		tasks:    make(map[string]schemas.Task),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}

func (m *Memory) SaveTask(_ context.Context, task schemas.Task) error {
	task.History = append([]schemas.TaskStep(nil), task.History...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (schemas.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return schemas.Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	t.History = append([]schemas.TaskStep(nil), t.History...)
	return t, nil
}

func (m *Memory) Close() {}
