package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sequorhq/sequor/internal/queue"
	"github.com/sequorhq/sequor/model"
)

func handleQueueClaim(store queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			WorkerID string `json:"worker_id"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		workerID := body.WorkerID
		if workerID == "" {
			workerID = rctx.SubjectID
		}

		item, err := store.Claim(r.Context(), workerID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, item)
	}
}

func handleQueueComplete(store queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "itemID")

		if err := store.Complete(r.Context(), itemID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "done"})
	}
}

func handleQueueFail(store queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "itemID")

		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		if err := store.Fail(r.Context(), itemID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}

		item, err := store.Get(r.Context(), itemID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":   item.Status,
			"attempts": item.ProcessingAttempts,
		})
	}
}
