package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sationly/sationly/pkg/practice"
)

// Memory is an in-process Store.
type Memory struct {
	mu            sync.RWMutex
	environments  map[string]practice.Environment
	turns         []practice.TurnRecord
	subscriptions map[string]practice.Subscription
	now           func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		environments:  make(map[string]practice.Environment),
		subscriptions: make(map[string]practice.Subscription),
		now:           time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close()                     {}

func (m *Memory) CreateEnvironment(_ context.Context, env practice.Environment) (practice.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env.ID = uuid.NewString()
	m.environments[env.ID] = env
	return env, nil
}

func (m *Memory) FinalizeEnvironment(_ context.Context, id, userID string, endedAt time.Time, totalSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok || env.UserID != userID {
		return ErrNotFound
	}
	ended := endedAt
	total := totalSeconds
	env.EndedAt = &ended
	env.TotalElapsedSeconds = &total
	m.environments[id] = env
	return nil
}

func (m *Memory) EnvironmentStarts(_ context.Context, userID string) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var starts []time.Time
	for _, env := range m.environments {
		if env.UserID == userID {
			starts = append(starts, env.StartedAt)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].After(starts[j]) })
	return starts, nil
}

func (m *Memory) ListEnvironments(_ context.Context, userID string, limit int) ([]practice.Environment, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []practice.Environment
	for _, env := range m.environments {
		if env.UserID == userID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertTurn(_ context.Context, rec practice.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.turns = append(m.turns, rec)
	return nil
}

// Turns returns the stored turn rows for a user, oldest first.
func (m *Memory) Turns(userID string) []practice.TurnRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []practice.TurnRecord
	for _, t := range m.turns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (m *Memory) GetSubscription(ctx context.Context, userID string) (practice.TierState, error) {
	sub, ok, err := m.GetSubscriptionRow(ctx, userID)
	if err != nil || !ok {
		return practice.TierState{}, err
	}
	return sub.State(), nil
}

func (m *Memory) GetSubscriptionRow(_ context.Context, userID string) (practice.Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[userID]
	return sub, ok, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, sub practice.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.subscriptions[sub.UserID]; ok {
		if sub.StripeSubscriptionID == "" {
			sub.StripeSubscriptionID = prev.StripeSubscriptionID
		}
		if sub.ReferralCode == "" {
			sub.ReferralCode = prev.ReferralCode
		}
	}
	sub.UpdatedAt = m.now()
	m.subscriptions[sub.UserID] = sub
	return nil
}
