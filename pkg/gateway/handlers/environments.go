package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sationly/sationly/pkg/core"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/practice"
)

const maxEnvironmentsPage = 100

// EnvironmentLister reads a user's practice history, newest first.
type EnvironmentLister interface {
	ListEnvironments(ctx context.Context, userID string, limit int) ([]practice.Environment, error)
}

// EnvironmentsHandler serves GET /v1/environments.
type EnvironmentsHandler struct {
	Store EnvironmentLister
}

type environmentsResponse struct {
	Object string                 `json:"object"`
	Data   []practice.Environment `json:"data"`
}

func (h EnvironmentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.UserID == "" {
		writeCoreErrorJSON(w, reqID, core.NewAuthenticationError("authentication required"), http.StatusUnauthorized)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEnvironmentsPage {
			writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("limit must be between 1 and 100", "limit"), http.StatusBadRequest)
			return
		}
		limit = n
	}

	envs, err := h.Store.ListEnvironments(r.Context(), p.UserID, limit)
	if err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}
	if envs == nil {
		envs = []practice.Environment{}
	}
	writeJSON(w, http.StatusOK, environmentsResponse{Object: "list", Data: envs})
}
