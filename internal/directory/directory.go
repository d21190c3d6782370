// Package directory resolves client records and venue credentials.
//
// The engine is read-only against the directory: records enter through the
// admin API (in-process backend) or live in an external service (HTTP
// backend). Credentials are fetched per use and never cached.
package directory

import (
	"context"
	"errors"
	"sync"

	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

// ErrNotFound is returned for unknown clients.
var ErrNotFound = errors.New("client not found in directory")

// Client is one registered client record.
type Client struct {
	ClientID   string          `json:"clientId"`
	Venue      types.Venue     `json:"venue"`
	DailyLimit types.RiskLimit `json:"dailyRiskLimit"`
	MaxLimit   types.RiskLimit `json:"maxRiskLimit"`
}

// Directory is the read surface the engine depends on.
type Directory interface {
	// GetClient returns the client record, or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// GetCredentials returns the client's venue credentials, or ErrNotFound.
	GetCredentials(ctx context.Context, clientID string) (venue.Credentials, error)
}

// Memory is the in-process directory, fed by the admin API.
type Memory struct {
	mu      sync.RWMutex
	clients map[string]Client
	creds   map[string]venue.Credentials
}

// NewMemory creates an empty in-process directory.
func NewMemory() *Memory {
	return &Memory{
		clients: make(map[string]Client),
		creds:   make(map[string]venue.Credentials),
	}
}

// Register adds or replaces a client record with its credentials.
func (m *Memory) Register(c Client, creds venue.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
	m.creds[c.ClientID] = creds
}

// UpdateLimits replaces the client's risk limits. Returns ErrNotFound for
// unknown clients.
func (m *Memory) UpdateLimits(clientID string, daily, max types.RiskLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	c.DailyLimit = daily
	c.MaxLimit = max
	m.clients[clientID] = c
	return nil
}

func (m *Memory) GetClient(ctx context.Context, clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetCredentials(ctx context.Context, clientID string) (venue.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creds, ok := m.creds[clientID]
	if !ok {
		return venue.Credentials{}, ErrNotFound
	}
	return creds, nil
}
