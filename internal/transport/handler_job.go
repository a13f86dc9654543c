package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/model"
)

func handleJobList(executor *scheduler.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		filters := scheduler.JobFilters{
			Status:      r.URL.Query().Get("status"),
			SequenceKey: r.URL.Query().Get("sequence_key"),
			Source:      r.URL.Query().Get("source"),
			Since:       querySince(r),
			Limit:       limit,
			Offset:      offset,
		}

		summaries, totalCount, err := executor.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": totalCount,
			"limit":       limit,
			"offset":      offset,
		})
	}
}

func handleJobGet(executor *scheduler.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		jobID := chi.URLParam(r, "jobID")

		job, err := executor.Get(r.Context(), rctx, jobID)
		if err != nil {
			WriteError(w, err)
			return
		}
		steps, err := executor.Steps(r.Context(), rctx, jobID)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"job":   job,
			"steps": steps,
		})
	}
}

func handleJobSteps(executor *scheduler.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		jobID := chi.URLParam(r, "jobID")

		steps, err := executor.Steps(r.Context(), rctx, jobID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": steps})
	}
}

func handleJobCancel(executor *scheduler.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		jobID := chi.URLParam(r, "jobID")

		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			// Body is optional; a missing reason falls back to the default.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		if err := executor.Cancel(r.Context(), rctx, jobID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// querySince parses the RFC 3339 "since" query parameter.
func querySince(r *http.Request) time.Time {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
