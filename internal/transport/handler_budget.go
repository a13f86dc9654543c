package transport

import (
	"net/http"

	"github.com/sequorhq/sequor/internal/budget"
	"github.com/sequorhq/sequor/model"
)

func handleBudgetGet(guard *budget.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		pool := guard.Snapshot(rctx.OrgID)
		usage := guard.Check(r.Context(), rctx.OrgID, 0)

		WriteJSON(w, http.StatusOK, map[string]any{
			"pool":    pool,
			"balance": pool.Balance(),
			"usage":   usage,
		})
	}
}
