package handlers

import (
	"net/http"
	"time"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/tier"
)

// TierHandler serves GET /api/tier: what the signed-in user may start.
type TierHandler struct {
	Policy tier.Policy
	Now    func() time.Time
}

type quotaResponse struct {
	Allowed       bool       `json:"allowed"`
	Count         int        `json:"count"`
	Remaining     int        `json:"remaining"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	Message       string     `json:"message,omitempty"`
}

type tierResponse struct {
	Tier             practice.Tier               `json:"tier"`
	Status           practice.SubscriptionStatus `json:"status"`
	Usable           bool                        `json:"usable"`
	AllowedDurations []int                       `json:"allowedDurations"`
	CustomGoals      bool                        `json:"customGoals"`
	Quota            quotaResponse               `json:"quota"`
}

func (h TierHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeLegacyMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.UserID == "" {
		writeLegacyMessage(w, http.StatusUnauthorized, "Missing auth token")
		return
	}

	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}

	state, err := h.Policy.State(r.Context(), p.UserID)
	if err != nil {
		writeLegacyError(w, err)
		return
	}
	q, err := h.Policy.Quota(r.Context(), p.UserID, state.Tier, now)
	if err != nil {
		writeLegacyError(w, err)
		return
	}

	resp := tierResponse{
		Tier:        state.Tier,
		Status:      state.Status,
		Usable:      state.Usable(),
		CustomGoals: tier.CustomGoalsAllowed(state.Tier),
		Quota: quotaResponse{
			Allowed:       q.Allowed,
			Count:         q.Count,
			Remaining:     q.Remaining,
			CooldownUntil: q.CooldownUntil,
			Message:       q.Message(now),
		},
	}
	resp.AllowedDurations = []int{}
	if resp.Usable {
		resp.AllowedDurations = tier.AllowedDurations(state.Tier)
	}
	writeJSON(w, http.StatusOK, resp)
}
