package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/asiaops/asia/server/internal/config"
)

const webhookTimeout = 10 * time.Second

// payloadBuilder renders an alert into the JSON body a webhook target expects.
type payloadBuilder func(a *Alert) ([]byte, error)

var payloadBuilders = map[string]payloadBuilder{
	"slack": slackPayload,
	"teams": teamsPayload,
	"http":  httpPayload,
}

// deliver posts a to every target in hooks. Targets whose URL env var is
// unset are skipped. Errors are logged and never reach the caller.
func (e *Engine) deliver(hooks []config.WebhookConfig, a *Alert) {
	for _, wh := range hooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		build, ok := payloadBuilders[wh.Type]
		if !ok {
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		body, err := build(a)
		if err == nil {
			err = e.post(url, body)
		}
		if err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"rule", a.RuleName,
				"run_id", a.RunID,
				"err", err,
			)
			continue
		}
		slog.Debug("alerts: webhook delivered",
			"type", wh.Type,
			"rule", a.RuleName,
			"run_id", a.RunID,
			"state", a.State,
		)
	}
}

// slackPayload is a single mrkdwn text line.
func slackPayload(a *Alert) ([]byte, error) {
	text := fmt.Sprintf("*%s* %s", severityLabel(a.Severity), a.Message)
	if a.State == StateResolved {
		text = fmt.Sprintf("*[RESOLVED]* %s on %s (run %s)", a.RuleName, a.Subsystem, a.RunID)
	}
	return json.Marshal(map[string]string{
		"text": text + "\nResults: " + resultsPath(a),
	})
}

// teamsPayload is a legacy connector MessageCard with one fact per field.
func teamsPayload(a *Alert) ([]byte, error) {
	facts := []map[string]string{
		{"name": "Run", "value": a.RunID},
		{"name": "Subsystem", "value": a.Subsystem},
		{"name": "State", "value": a.State},
		{"name": "Value", "value": fmt.Sprintf("%.3f", a.Value)},
		{"name": "Results", "value": resultsPath(a)},
	}
	return json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity, a.State),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("ASIA Alert: %s (%s)", a.RuleName, a.Subsystem),
		"text":       a.Message,
		"sections":   []map[string]any{{"facts": facts}},
	})
}

// httpPayload is the raw alert with an event name for generic receivers.
func httpPayload(a *Alert) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":        "alert." + a.State,
		"alert":        a,
		"results_path": resultsPath(a),
	})
}

func (e *Engine) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func resultsPath(a *Alert) string { return "/results/" + a.RunID }

func severityLabel(s string) string {
	return "[" + strings.ToUpper(normalizeSeverity(s)) + "]"
}

func severityColor(s, state string) string {
	if state == StateResolved {
		return "2EB67D"
	}
	switch normalizeSeverity(s) {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

func normalizeSeverity(s string) string {
	switch s {
	case "critical", "warning":
		return s
	default:
		return "info"
	}
}
