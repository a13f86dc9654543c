package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sequorhq/sequor/internal/approval"
	"github.com/sequorhq/sequor/model"
)

func handleApprovalList(gate *approval.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		requests, err := gate.ListOpen(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": requests})
	}
}

func handleApprovalGet(gate *approval.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "requestID")

		req, err := gate.Get(r.Context(), rctx, requestID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalDecision(gate *approval.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "requestID")

		var body struct {
			Decision      string         `json:"decision"`
			EditedPayload map[string]any `json:"edited_payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Decision == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "decision", Message: "decision is required"},
			})
			return
		}

		req, err := gate.Decide(r.Context(), rctx, requestID, body.Decision, body.EditedPayload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}
