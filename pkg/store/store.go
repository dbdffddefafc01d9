// Package store persists environments, turns and subscriptions. Postgres is
// the production backend; Memory backs tests and local runs without a
// database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sationly/sationly/pkg/practice"
)

// ErrNotFound is returned when an update matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is everything the server reads and writes.
type Store interface {
	CreateEnvironment(ctx context.Context, env practice.Environment) (practice.Environment, error)
	FinalizeEnvironment(ctx context.Context, id, userID string, endedAt time.Time, totalSeconds int) error
	EnvironmentStarts(ctx context.Context, userID string) ([]time.Time, error)
	ListEnvironments(ctx context.Context, userID string, limit int) ([]practice.Environment, error)

	InsertTurn(ctx context.Context, rec practice.TurnRecord) error

	GetSubscription(ctx context.Context, userID string) (practice.TierState, error)
	GetSubscriptionRow(ctx context.Context, userID string) (practice.Subscription, bool, error)
	UpsertSubscription(ctx context.Context, sub practice.Subscription) error

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
