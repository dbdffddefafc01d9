package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sationly/sationly/pkg/practice"
)

// Postgres is the pgx-backed store.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool. maxConns <= 0 keeps the pgxpool default.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool exposes the underlying pool for migrations.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateEnvironment(ctx context.Context, env practice.Environment) (practice.Environment, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO environments (user_id, goal, raw_goal, custom_goal, duration, started_at, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		RETURNING id::text`,
		env.UserID, env.Goal, env.RawGoalKey, env.CustomGoalText, env.DurationMinutes, env.StartedAt, env.ExpiresAt,
	).Scan(&env.ID)
	if err != nil {
		return practice.Environment{}, fmt.Errorf("insert environment: %w", err)
	}
	return env, nil
}

func (p *Postgres) FinalizeEnvironment(ctx context.Context, id, userID string, endedAt time.Time, totalSeconds int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE environments
		SET ended_at = $3, total_time_seconds = $4
		WHERE id::text = $1 AND user_id = $2`,
		id, userID, endedAt, totalSeconds,
	)
	if err != nil {
		return fmt.Errorf("finalize environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnvironmentStarts(ctx context.Context, userID string) ([]time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT started_at FROM environments
		WHERE user_id = $1
		ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query environment starts: %w", err)
	}
	starts, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("scan environment starts: %w", err)
	}
	return starts, nil
}

func (p *Postgres) ListEnvironments(ctx context.Context, userID string, limit int) ([]practice.Environment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, user_id, goal, raw_goal, COALESCE(custom_goal, ''), duration,
		       started_at, expires_at, ended_at, total_time_seconds
		FROM environments
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	envs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (practice.Environment, error) {
		var env practice.Environment
		err := row.Scan(&env.ID, &env.UserID, &env.Goal, &env.RawGoalKey, &env.CustomGoalText, &env.DurationMinutes,
			&env.StartedAt, &env.ExpiresAt, &env.EndedAt, &env.TotalElapsedSeconds)
		return env, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan environments: %w", err)
	}
	return envs, nil
}

func (p *Postgres) InsertTurn(ctx context.Context, rec practice.TurnRecord) error {
	fixes, err := json.Marshal(rec.Turn.Fixes)
	if err != nil {
		return fmt.Errorf("encode fixes: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO conversation_turns
			(user_id, environment_id, goal, raw_goal, custom_goal, duration,
			 transcript, response, rating, fixes, audio_key, created_at, expires_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
		rec.UserID, rec.EnvironmentID, rec.Goal, rec.RawGoalKey, rec.CustomGoalText, rec.DurationMinutes,
		rec.Turn.Transcript, rec.Turn.Response, rec.Turn.Rating, string(fixes), rec.AudioKey, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, userID string) (practice.TierState, error) {
	sub, ok, err := p.GetSubscriptionRow(ctx, userID)
	if err != nil || !ok {
		return practice.TierState{}, err
	}
	return sub.State(), nil
}

func (p *Postgres) GetSubscriptionRow(ctx context.Context, userID string) (practice.Subscription, bool, error) {
	var (
		sub            practice.Subscription
		tier, status   string
		stripeID, code *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, tier, status, stripe_subscription_id, referral_code, updated_at
		FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.UserID, &tier, &status, &stripeID, &code, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return practice.Subscription{}, false, nil
	}
	if err != nil {
		return practice.Subscription{}, false, fmt.Errorf("query subscription: %w", err)
	}
	sub.Tier = practice.ParseTier(tier)
	sub.Status = practice.SubscriptionStatus(status)
	if stripeID != nil {
		sub.StripeSubscriptionID = *stripeID
	}
	if code != nil {
		sub.ReferralCode = *code
	}
	return sub, true, nil
}

// UpsertSubscription writes the row keyed by user_id. Empty Stripe id and
// referral code keep the stored values.
func (p *Postgres) UpsertSubscription(ctx context.Context, sub practice.Subscription) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, tier, status, stripe_subscription_id, referral_code, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), now())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
			referral_code = COALESCE(EXCLUDED.referral_code, subscriptions.referral_code),
			updated_at = now()`,
		sub.UserID, string(sub.Tier), string(sub.Status), sub.StripeSubscriptionID, sub.ReferralCode,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}
