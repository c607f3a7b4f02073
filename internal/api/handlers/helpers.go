// Package handlers contains the HTTP handlers of the billing API. Each
// handler declares the service contract it needs and mounts its routes on
// the /v1 router through RegisterRoutes.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// dateLayout is the query-string format for calendar dates.
const dateLayout = "2006-01-02"

// ListResponse wraps collection results.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// requireActor returns the authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return types.Actor{}, false
	}
	return actor, true
}

// parseDateParam reads an optional YYYY-MM-DD query parameter.
func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, types.FieldError(types.ErrCodeValidationFailed, name, name+" must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

func idParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}
