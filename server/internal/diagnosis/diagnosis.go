package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/breaker"
)

// ErrMalformedResponse is returned when the model's diagnosis is not a JSON
// object with a valid severity and every required field.
var ErrMalformedResponse = errors.New("diagnosis: malformed model response")

// Options configures a Diagnoser. Zero values take the defaults noted.
type Options struct {
	// Timeout bounds each generation call. Default 60s.
	Timeout time.Duration
	// LagThresholdDeg is quoted to the model as the lag considered a problem. Default 0.1.
	LagThresholdDeg float64
	// Breaker guards the generator. Nil disables fast-failing.
	Breaker *breaker.Breaker
}

// Diagnoser produces diagnoses and chat answers from a Generator.
type Diagnoser struct {
	gen     Generator
	brk     *breaker.Breaker
	timeout time.Duration
	lag     float64
}

// New returns a Diagnoser over gen.
func New(gen Generator, opts Options) *Diagnoser {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.LagThresholdDeg <= 0 {
		opts.LagThresholdDeg = 0.1
	}
	return &Diagnoser{gen: gen, brk: opts.Breaker, timeout: opts.Timeout, lag: opts.LagThresholdDeg}
}

// Diagnose asks the model to classify the run's KPIs.
func (d *Diagnoser) Diagnose(ctx context.Context, runID string, kpis []types.KPIRecord) (types.Diagnosis, error) {
	prompt, err := analysisPrompt(kpis, d.lag)
	if err != nil {
		return types.Diagnosis{}, err
	}

	text, err := d.generate(ctx, Request{System: systemPrompt, Prompt: prompt, JSON: true})
	if err != nil {
		return types.Diagnosis{}, err
	}

	diag, err := parseDiagnosis(text)
	if err != nil {
		slog.Warn("diagnosis: rejected model output", "run_id", runID, "err", err)
		return types.Diagnosis{}, err
	}
	diag.RunID = runID
	return diag, nil
}

// Answer responds to a question about an analyzed run. The view must carry
// an anomaly result.
func (d *Diagnoser) Answer(ctx context.Context, view *types.RunView, question string) (string, error) {
	if view == nil || view.AnomalyResult == nil {
		return "", fmt.Errorf("diagnosis: run has no diagnosis to discuss")
	}
	prompt, err := chatPrompt(*view.AnomalyResult, view.Signals, question)
	if err != nil {
		return "", err
	}
	answer, err := d.generate(ctx, Request{System: chatSystemPrompt, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (d *Diagnoser) generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.brk == nil {
		return d.gen.Generate(ctx, req)
	}
	var text string
	err := d.brk.Execute(ctx, func(ctx context.Context) error {
		var err error
		text, err = d.gen.Generate(ctx, req)
		return err
	})
	if errors.Is(err, breaker.ErrOpen) {
		return "", fmt.Errorf("diagnosis: model unavailable: %w", err)
	}
	return text, err
}

type modelDiagnosis struct {
	Severity          string `json:"severity"`
	Component         string `json:"component"`
	Rationale         string `json:"rationale"`
	RecommendedAction string `json:"recommended_action"`
}

// parseDiagnosis decodes the model's JSON object. A surrounding markdown code
// fence is tolerated; anything else around the object is not.
func parseDiagnosis(text string) (types.Diagnosis, error) {
	body := stripFence(strings.TrimSpace(text))

	var m modelDiagnosis
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return types.Diagnosis{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	sev := strings.ToUpper(strings.TrimSpace(m.Severity))
	switch sev {
	case types.SeverityHigh, types.SeverityMedium, types.SeverityLow:
	default:
		return types.Diagnosis{}, fmt.Errorf("%w: severity %q not HIGH|MEDIUM|LOW", ErrMalformedResponse, m.Severity)
	}

	var missing []string
	if strings.TrimSpace(m.Component) == "" {
		missing = append(missing, "component")
	}
	if strings.TrimSpace(m.Rationale) == "" {
		missing = append(missing, "rationale")
	}
	if strings.TrimSpace(m.RecommendedAction) == "" {
		missing = append(missing, "recommended_action")
	}
	if len(missing) > 0 {
		return types.Diagnosis{}, fmt.Errorf("%w: missing %s", ErrMalformedResponse, strings.Join(missing, ", "))
	}

	return types.Diagnosis{
		Severity:          sev,
		Component:         m.Component,
		Rationale:         m.Rationale,
		RecommendedAction: m.RecommendedAction,
	}, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
