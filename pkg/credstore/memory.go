package credstore

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process Store. It is safe for concurrent use and supports
// transactions by staging writes on a copy.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// WithTx holds the store lock for the whole of fn, so fn must only use tx.
func (m *Memory) WithTx(_ context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := &memoryTx{data: maps.Clone(m.data)}
	if err := fn(staged); err != nil {
		return err
	}

	m.data = staged.data
	return nil
}

// Snapshot returns a copy of the stored entries.
func (m *Memory) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.data)
}

type memoryTx struct {
	data map[string]string
}

func (t *memoryTx) Get(_ context.Context, key string) (string, error) {
	v, ok := t.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (t *memoryTx) Set(_ context.Context, key, value string) error {
	t.data[key] = value
	return nil
}

func (t *memoryTx) Remove(_ context.Context, key string) error {
	delete(t.data, key)
	return nil
}
