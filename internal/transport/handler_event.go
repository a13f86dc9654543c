package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sequorhq/sequor/internal/router"
	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/model"
)

// firedJob is one job created in response to an ingested event.
type firedJob struct {
	JobID       string `json:"job_id"`
	SequenceKey string `json:"sequence_key"`
	Priority    int    `json:"priority"`
}

func handleEventIngest(eventRouter *router.Router, executor *scheduler.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Type    string         `json:"type"`
			Source  string         `json:"source"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Type == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "type", Message: "event type is required"},
			})
			return
		}
		source := body.Source
		if source == "" {
			source = model.EventSourceUser
		}
		switch source {
		case model.EventSourceSchedule, model.EventSourceWebhook, model.EventSourceUser:
		default:
			WriteValidationError(w, []model.FieldError{
				{Field: "source", Message: "source must be schedule, webhook, or user"},
			})
			return
		}

		event := model.Event{
			Type:       body.Type,
			Source:     source,
			OrgID:      rctx.OrgID,
			UserID:     rctx.SubjectID,
			Payload:    body.Payload,
			ReceivedAt: time.Now().UTC(),
		}

		matches, err := eventRouter.Route(r.Context(), event)
		if err != nil {
			WriteError(w, err)
			return
		}

		fired := make([]firedJob, 0, len(matches))
		for _, match := range matches {
			job, err := executor.Create(r.Context(), rctx, scheduler.CreateRequest{
				SequenceKey: match.SequenceKey,
				Source:      source,
				Priority:    match.Priority,
				EventType:   event.Type,
				Dedupe:      match.Dedupe,
				Context:     event.Payload,
			})
			if err != nil {
				// The in-flight slot was acquired during routing; a job
				// that never starts must not hold it.
				if match.Dedupe {
					eventRouter.Release(r.Context(), rctx.OrgID, event.Type, match.SequenceKey)
				}
				WriteError(w, err)
				return
			}
			fired = append(fired, firedJob{
				JobID:       job.ID,
				SequenceKey: job.SequenceKey,
				Priority:    match.Priority,
			})

			// Execution proceeds past the HTTP request lifetime.
			workerID := "ingest:" + rctx.CorrelationID
			jobID := job.ID
			go func() {
				runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer cancel()
				_, _ = executor.Run(runCtx, jobID, workerID)
			}()
		}

		WriteJSON(w, http.StatusAccepted, map[string]any{
			"event_type": event.Type,
			"jobs":       fired,
		})
	}
}
