// Package tier answers whether a practice action is allowed under a user's
// subscription tier. Every surface that needs a tier decision goes through
// this package.
package tier

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sationly/sationly/pkg/practice"
)

const (
	// FreeMaxDurationMinutes is the per-session cap for tier1.
	FreeMaxDurationMinutes = 2
	// FreeWeeklyEnvironments is how many environments tier1 may create
	// before the cooldown applies.
	FreeWeeklyEnvironments = 3
	// QuotaWindow is measured from the most recent environment's start.
	QuotaWindow = 7 * 24 * time.Hour
)

var paidDurations = []int{3, 5, 10, 15}

// AllowedDurations lists the selectable session lengths for a tier.
func AllowedDurations(t practice.Tier) []int {
	if t == practice.Tier1 {
		return []int{FreeMaxDurationMinutes}
	}
	return slices.Clone(paidDurations)
}

// MaxTurnDurationMinutes returns the duration cap that applies to a session
// given the user's selection.
func MaxTurnDurationMinutes(t practice.Tier, selected int) (int, error) {
	switch t {
	case practice.Tier1:
		if selected > FreeMaxDurationMinutes {
			return 0, practice.PolicyViolation(fmt.Sprintf("Tier 1 users can only use sessions up to %d minutes. Longer durations require Tier 2 or 3.", FreeMaxDurationMinutes))
		}
		if selected <= 0 {
			return FreeMaxDurationMinutes, nil
		}
		return selected, nil
	case practice.Tier2, practice.Tier3:
		if !slices.Contains(paidDurations, selected) {
			return 0, practice.PolicyViolation(fmt.Sprintf("duration must be one of %v minutes", paidDurations))
		}
		return selected, nil
	default:
		return 0, practice.PolicyViolation("select a tier before starting a session")
	}
}

// CustomGoalsAllowed reports whether free-text goals are available.
func CustomGoalsAllowed(t practice.Tier) bool {
	return t == practice.Tier2 || t == practice.Tier3
}

// Quota is the result of a weekly quota check.
type Quota struct {
	Allowed       bool       `json:"allowed"`
	Count         int        `json:"count"`
	Limit         int        `json:"limit,omitempty"`
	Remaining     int        `json:"remaining"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// CheckWeeklyQuota applies the tier1 environment quota. history holds the
// start times of the user's prior environments in any order. The boundary is
// inclusive: at exactly cooldownUntil access is allowed.
func CheckWeeklyQuota(t practice.Tier, history []time.Time, now time.Time) Quota {
	if t != practice.Tier1 {
		return Quota{Allowed: true, Count: len(history), Remaining: -1}
	}

	count := len(history)
	remaining := FreeWeeklyEnvironments - count
	if remaining < 0 {
		remaining = 0
	}
	q := Quota{Allowed: true, Count: count, Limit: FreeWeeklyEnvironments, Remaining: remaining}
	if count == 0 || count < FreeWeeklyEnvironments {
		return q
	}

	latest := history[0]
	for _, ts := range history[1:] {
		if ts.After(latest) {
			latest = ts
		}
	}
	until := latest.Add(QuotaWindow)
	if !now.Before(until) {
		return q
	}
	q.Allowed = false
	q.CooldownUntil = &until
	return q
}

// Message renders the cooldown in the coarsest unit that still reads well.
func (q Quota) Message(now time.Time) string {
	if q.Allowed || q.CooldownUntil == nil {
		return ""
	}
	left := q.CooldownUntil.Sub(now)
	days := int(math.Ceil(left.Hours() / 24))
	hours := int(math.Ceil(left.Hours()))

	var wait string
	switch {
	case days > 1:
		wait = plural(days, "day")
	case hours > 1:
		wait = plural(hours, "hour")
	default:
		wait = plural(int(math.Ceil(left.Minutes())), "minute")
	}
	return fmt.Sprintf("You've reached your limit of %d sessions. Please wait %s from your last session or upgrade to Tier 2/3 to continue.", FreeWeeklyEnvironments, wait)
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// SubscriptionReader reads a user's subscription. A missing row is returned
// as the zero TierState with a nil error.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (practice.TierState, error)
}

// HistoryReader lists the start times of a user's environments.
type HistoryReader interface {
	EnvironmentStarts(ctx context.Context, userID string) ([]time.Time, error)
}

// Request is the subset of a start request the policy inspects.
type Request struct {
	GoalKey         string
	CustomGoal      string
	DurationMinutes int
	// NewEnvironment is true when the start would open a new environment.
	// The weekly quota only applies to new environments.
	NewEnvironment bool
}

// Decision is the outcome of Policy.Check.
type Decision struct {
	Tier            practice.TierState
	DurationMinutes int
	Quota           Quota
}

// Policy binds the pure rules to the stores they read.
type Policy struct {
	Subscriptions SubscriptionReader
	History       HistoryReader
}

// Check applies duration, custom goal and quota rules in that order. It never
// writes to a store.
func (p Policy) Check(ctx context.Context, userID string, req Request, now time.Time) (Decision, error) {
	state, err := p.State(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !state.Usable() {
		return Decision{Tier: state}, practice.PolicyViolation("select a tier before starting a session")
	}

	dec := Decision{Tier: state}
	dec.DurationMinutes, err = MaxTurnDurationMinutes(state.Tier, req.DurationMinutes)
	if err != nil {
		return dec, err
	}

	if strings.TrimSpace(req.CustomGoal) != "" && !CustomGoalsAllowed(state.Tier) {
		return dec, practice.PolicyViolation("Custom goals are only available for Tier 2 and Tier 3 users. Please upgrade to use custom goals.")
	}

	if state.Tier == practice.Tier1 && req.NewEnvironment {
		dec.Quota, err = p.Quota(ctx, userID, state.Tier, now)
		if err != nil {
			return dec, err
		}
		if !dec.Quota.Allowed {
			return dec, practice.PolicyViolation(dec.Quota.Message(now))
		}
	} else {
		dec.Quota = Quota{Allowed: true, Remaining: -1}
	}
	return dec, nil
}

// State loads the user's tier state.
func (p Policy) State(ctx context.Context, userID string) (practice.TierState, error) {
	if p.Subscriptions == nil {
		return practice.TierState{}, nil
	}
	state, err := p.Subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		return practice.TierState{}, fmt.Errorf("read subscription: %w", err)
	}
	return state, nil
}

// Quota loads environment history and applies CheckWeeklyQuota.
func (p Policy) Quota(ctx context.Context, userID string, t practice.Tier, now time.Time) (Quota, error) {
	if t != practice.Tier1 || p.History == nil {
		return CheckWeeklyQuota(t, nil, now), nil
	}
	starts, err := p.History.EnvironmentStarts(ctx, userID)
	if err != nil {
		return Quota{}, fmt.Errorf("read environment history: %w", err)
	}
	return CheckWeeklyQuota(t, starts, now), nil
}
