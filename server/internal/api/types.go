package api

import "github.com/asiaops/asia/pkg/types"

// UploadResponse is the payload for POST /upload.
type UploadResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	ResultsURL string `json:"results_url"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// ChatResponse is the payload for POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Runs        int    `json:"runs"`
	AlertCount  int    `json:"alert_count"`
	GeneratedAt string `json:"generated_at"`
}

// ChatHistoryResponse is the payload for GET /api/v1/runs/{run_id}/chat.
type ChatHistoryResponse struct {
	RunID    string          `json:"run_id"`
	Messages []types.ChatLog `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}
