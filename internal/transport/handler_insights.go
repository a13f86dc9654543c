package transport

import (
	"net/http"
	"time"

	"github.com/sequorhq/sequor/internal/insights"
	"github.com/sequorhq/sequor/model"
)

func handleInsightsSummary(reporter *insights.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var window time.Duration
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				WriteValidationError(w, []model.FieldError{
					{Field: "window", Message: "window must be a positive duration"},
				})
				return
			}
			window = d
		}

		summary, err := reporter.Summary(r.Context(), rctx.OrgID, window)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}
