package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// WebhookHandler delivers the step's inputs to an HTTP endpoint declared in
// the step params ("url", optional "method"). The response body, when it is
// JSON, becomes the step output under "response".
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a WebhookHandler with a bounded HTTP client.
// The per-step timeout still applies through the request context.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *WebhookHandler) ActionType() string { return "webhook" }

func (h *WebhookHandler) Execute(ctx context.Context, req model.StepRequest) (model.StepResult, error) {
	url, _ := req.Params["url"].(string)
	if url == "" {
		return model.StepResult{
			Status:       model.StepResultFailed,
			ErrorMessage: "webhook step requires a url param",
		}, nil
	}
	method, _ := req.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	payload, err := json.Marshal(map[string]any{
		"job_id":  req.JobID,
		"org_id":  req.OrgID,
		"step":    req.StepKey,
		"inputs":  req.Inputs,
	})
	if err != nil {
		return model.StepResult{}, fmt.Errorf("webhook: encoding payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return model.StepResult{}, fmt.Errorf("webhook: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return model.StepResult{}, fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return model.StepResult{
			Status:       model.StepResultFailed,
			ErrorMessage: fmt.Sprintf("webhook: endpoint returned %d", resp.StatusCode),
		}, nil
	}

	output := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if json.Unmarshal(body, &decoded) == nil {
		output["response"] = decoded
	}
	return model.StepResult{Status: model.StepResultSucceeded, Output: output}, nil
}

// LogHandler writes the step's inputs to the service log and succeeds.
// Useful as a terminal notification step and in smoke-test sequences.
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) ActionType() string { return "log" }

func (h *LogHandler) Execute(_ context.Context, req model.StepRequest) (model.StepResult, error) {
	h.logger.Info("log step",
		zap.String("job_id", req.JobID),
		zap.String("step_key", req.StepKey),
		zap.Any("inputs", req.Inputs),
	)
	return model.StepResult{Status: model.StepResultSucceeded}, nil
}
