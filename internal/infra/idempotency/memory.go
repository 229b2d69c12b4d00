// Package idempotency implements port.IdempotencyStore backends for
// approval-notification gate tokens.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
)

// Memory is a process-local token store.
type Memory struct {
	mu     sync.Mutex
	tokens map[domain.GateKey]domain.GateToken
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tokens: make(map[domain.GateKey]domain.GateToken)}
}

func (m *Memory) Get(_ context.Context, key domain.GateKey) (*domain.GateToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[key]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key domain.GateKey, token domain.GateToken) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[key]; ok {
		return false, nil
	}
	m.tokens[key] = token
	return true, nil
}

func (m *Memory) Set(_ context.Context, key domain.GateKey, token domain.GateToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[key] = token
	return nil
}

func (m *Memory) Delete(_ context.Context, key domain.GateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, key)
	return nil
}

// CompletedBefore lists completed tokens older than before.
func (m *Memory) CompletedBefore(_ context.Context, before time.Time) ([]domain.GateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []domain.GateKey
	for k, tok := range m.tokens {
		if tok.State == domain.GateStateCompleted && tok.Timestamp.Before(before) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
