package auth

import (
	"context"
	"sync"
)

// MemoryStore keeps tokens for the lifetime of the process
type MemoryStore struct {
	mu     sync.Mutex
	tokens Tokens
}

func (m *MemoryStore) LoadTokens(context.Context) (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, nil
}

func (m *MemoryStore) SaveTokens(_ context.Context, t Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = t
	return nil
}

func (m *MemoryStore) ClearTokens(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = Tokens{}
	return nil
}
