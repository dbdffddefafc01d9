// Package practice holds the data model shared by the conversation-practice
// core: turns, environments, tiers and the summary computed when a
// conversation ends.
package practice

import (
	"math"
	"strings"
	"time"
)

// EnvironmentRetention is how long persisted environments and turns are kept
// before the hosted store may expire them.
const EnvironmentRetention = 14 * 24 * time.Hour

// DefaultGoal is used when a turn upload carries no goal at all.
const DefaultGoal = "general conversation"

// Turn is one recorded utterance plus the coach feedback for it.
type Turn struct {
	Transcript string   `json:"transcript"`
	Response   string   `json:"response"`
	Rating     int      `json:"rating"`
	Fixes      []string `json:"fixes"`
}

// Environment is one bounded practice session.
type Environment struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Goal                string     `json:"goal"`
	RawGoalKey          string     `json:"raw_goal"`
	CustomGoalText      string     `json:"custom_goal,omitempty"`
	DurationMinutes     int        `json:"duration"`
	StartedAt           time.Time  `json:"started_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	TotalElapsedSeconds *int       `json:"total_time_seconds,omitempty"`
}

// Open reports whether the environment has not been finalized yet.
func (e Environment) Open() bool {
	return e.EndedAt == nil
}

// Target is the environment's total time budget.
func (e Environment) Target() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// TurnRecord is a turn as persisted for history. EnvironmentID is empty for
// turns uploaded outside a practice socket.
type TurnRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	EnvironmentID   string    `json:"environment_id,omitempty"`
	Goal            string    `json:"goal"`
	RawGoalKey      string    `json:"raw_goal"`
	CustomGoalText  string    `json:"custom_goal,omitempty"`
	DurationMinutes int       `json:"duration"`
	Turn            Turn      `json:"turn"`
	AudioKey        string    `json:"audio_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Tier is a subscription level.
type Tier string

const (
	TierNone Tier = ""
	Tier1    Tier = "tier1"
	Tier2    Tier = "tier2"
	Tier3    Tier = "tier3"
)

// ParseTier normalizes a stored tier value. Unknown values map to TierNone.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case Tier1:
		return Tier1
	case Tier2:
		return Tier2
	case Tier3:
		return Tier3
	default:
		return TierNone
	}
}

// Paid reports whether the tier is purchased through checkout.
func (t Tier) Paid() bool {
	return t == Tier2 || t == Tier3
}

// SubscriptionStatus is the activation state of a subscription row.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusInactive SubscriptionStatus = "inactive"
)

// TierState is the subscription as seen by the core. The zero value means
// the user has no subscription row.
type TierState struct {
	Tier   Tier               `json:"tier"`
	Status SubscriptionStatus `json:"status"`
}

// Usable reports whether the state grants access to practice sessions.
func (s TierState) Usable() bool {
	return s.Tier != TierNone && s.Status == StatusActive
}

// Subscription is a user's subscription row.
type Subscription struct {
	UserID               string             `json:"user_id"`
	Tier                 Tier               `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	ReferralCode         string             `json:"referral_code,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// State returns the tier view of the row.
func (s Subscription) State() TierState {
	return TierState{Tier: s.Tier, Status: s.Status}
}

// Summary is computed when a conversation is finalized.
type Summary struct {
	Goal          string   `json:"goal"`
	TurnCount     int      `json:"turn_count"`
	AverageRating int      `json:"average_rating"`
	Fixes         []string `json:"fixes"`
	Turns         []Turn   `json:"turns"`
}

// Summarize returns the mean rating rounded to the nearest integer and the
// first-seen-order union of all fixes.
func Summarize(goal string, turns []Turn) Summary {
	out := Summary{
		Goal:      goal,
		TurnCount: len(turns),
		Fixes:     make([]string, 0),
		Turns:     append([]Turn(nil), turns...),
	}
	if len(turns) == 0 {
		return out
	}

	sum := 0
	seen := make(map[string]struct{})
	for _, t := range turns {
		sum += t.Rating
		for _, fix := range t.Fixes {
			if _, ok := seen[fix]; ok {
				continue
			}
			seen[fix] = struct{}{}
			out.Fixes = append(out.Fixes, fix)
		}
	}
	out.AverageRating = int(math.Round(float64(sum) / float64(len(turns))))
	return out
}

// EffectiveGoal mirrors the dashboard rule: custom text wins over the
// selected goal key.
func EffectiveGoal(goalKey, customGoal string) string {
	if c := strings.TrimSpace(customGoal); c != "" {
		return c
	}
	return strings.TrimSpace(goalKey)
}
