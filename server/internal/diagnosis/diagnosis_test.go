package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/breaker"
)

// fakeGenerator records requests and replays canned responses.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []Request
	reply    string
	err      error
	block    bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

func (f *fakeGenerator) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func ptr(v float64) *float64 { return &v }

func exampleKPIs() []types.KPIRecord {
	return []types.KPIRecord{
		{SignalName: types.SignalLag, MetricType: types.MetricActuatorPerformance, MeanValue: ptr(0.25), StdDev: ptr(0.071), Description: "lag"},
		{SignalName: types.SignalPressure, MetricType: types.MetricSystemHealth, MeanValue: ptr(3001), TrendSlope: ptr(2000), Description: "pressure"},
		{SignalName: types.SignalTemperature, MetricType: types.MetricThermalHealth, MeanValue: ptr(45.2), MaxValue: ptr(45.3), Description: "temp"},
	}
}

const validReply = `{"severity":"HIGH","component":"Aileron Left Actuator","rationale":"Lag and pressure rising.","recommended_action":"Inspect actuator seals."}`

func TestDiagnose_Valid(t *testing.T) {
	gen := &fakeGenerator{reply: validReply}
	d := New(gen, Options{})

	got, err := d.Diagnose(context.Background(), "run-1", exampleKPIs())
	require.NoError(t, err)

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, types.SeverityHigh, got.Severity)
	assert.Equal(t, "Aileron Left Actuator", got.Component)
	assert.Equal(t, "Inspect actuator seals.", got.RecommendedAction)

	req := gen.last()
	assert.True(t, req.JSON, "diagnosis must request JSON output")
	assert.Contains(t, req.System, "HIGH, MEDIUM, or LOW")
	assert.Contains(t, req.Prompt, "--- KPI DATA ---")
	assert.Contains(t, req.Prompt, `"signal_name":"cmd_pos_lag_avg"`)
	assert.Contains(t, req.Prompt, "lag over 0.1 degrees")
}

func TestDiagnose_KPIBlockOneObjectPerLine(t *testing.T) {
	gen := &fakeGenerator{reply: validReply}
	_, err := New(gen, Options{}).Diagnose(context.Background(), "r", exampleKPIs())
	require.NoError(t, err)

	p := gen.last().Prompt
	start := strings.Index(p, "--- KPI DATA ---\n") + len("--- KPI DATA ---\n")
	end := strings.Index(p, "\n--- END KPI DATA ---")
	lines := strings.Split(p[start:end], "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "{") && strings.HasSuffix(l, "}"), "line %q", l)
	}
}

func TestDiagnose_CustomLagThreshold(t *testing.T) {
	gen := &fakeGenerator{reply: validReply}
	_, err := New(gen, Options{LagThresholdDeg: 0.25}).Diagnose(context.Background(), "r", exampleKPIs())
	require.NoError(t, err)
	assert.Contains(t, gen.last().Prompt, "lag over 0.25 degrees")
}

func TestDiagnose_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":         "The actuator looks fine.",
		"bad severity":     `{"severity":"CRITICAL","component":"c","rationale":"r","recommended_action":"a"}`,
		"missing action":   `{"severity":"LOW","component":"c","rationale":"r"}`,
		"empty component":  `{"severity":"LOW","component":" ","rationale":"r","recommended_action":"a"}`,
		"trailing prose":   validReply + " Hope this helps!",
		"array not object": `[` + validReply + `]`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(&fakeGenerator{reply: reply}, Options{}).Diagnose(context.Background(), "r", exampleKPIs())
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestParseDiagnosis_Tolerates(t *testing.T) {
	cases := map[string]string{
		"json fence":     "```json\n" + validReply + "\n```",
		"bare fence":     "```\n" + validReply + "\n```",
		"whitespace":     "\n  " + validReply + "\n",
		"lower severity": strings.Replace(validReply, "HIGH", "high", 1),
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := parseDiagnosis(reply)
			require.NoError(t, err)
			assert.Equal(t, types.SeverityHigh, got.Severity)
		})
	}
}

func TestDiagnose_GeneratorError(t *testing.T) {
	boom := errors.New("quota exceeded")
	_, err := New(&fakeGenerator{err: boom}, Options{}).Diagnose(context.Background(), "r", exampleKPIs())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrMalformedResponse)
}

func TestDiagnose_Timeout(t *testing.T) {
	gen := &fakeGenerator{block: true}
	d := New(gen, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := d.Diagnose(context.Background(), "r", exampleKPIs())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDiagnose_BreakerFastFails(t *testing.T) {
	boom := errors.New("backend down")
	gen := &fakeGenerator{err: boom}
	brk := breaker.New("diagnosis", breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour})
	d := New(gen, Options{Breaker: brk})

	for i := 0; i < 2; i++ {
		_, err := d.Diagnose(context.Background(), "r", exampleKPIs())
		require.ErrorIs(t, err, boom)
	}

	_, err := d.Diagnose(context.Background(), "r", exampleKPIs())
	assert.ErrorIs(t, err, breaker.ErrOpen)

	gen.mu.Lock()
	calls := len(gen.requests)
	gen.mu.Unlock()
	assert.Equal(t, 2, calls, "generator must not be called while the breaker is open")
}

func TestAnswer(t *testing.T) {
	gen := &fakeGenerator{reply: "  The pressure slope is positive.\n"}
	d := New(gen, Options{})

	view := &types.RunView{
		Run: types.Run{ID: "r"},
		Signals: []types.Signal{
			{RunID: "r", KPIRecord: exampleKPIs()[1]},
		},
		AnomalyResult: &types.Diagnosis{RunID: "r", Severity: types.SeverityMedium, Rationale: "Pressure rising."},
	}

	got, err := d.Answer(context.Background(), view, "Why medium?")
	require.NoError(t, err)
	assert.Equal(t, "The pressure slope is positive.", got)

	req := gen.last()
	assert.False(t, req.JSON)
	assert.Contains(t, req.System, "aviation reliability expert")
	assert.Contains(t, req.Prompt, "Pressure rising.")
	assert.Contains(t, req.Prompt, "hyd_pressure_trend")
	assert.True(t, strings.HasSuffix(req.Prompt, "User Question: Why medium?"))
}

func TestAnswer_RequiresDiagnosis(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	_, err := New(gen, Options{}).Answer(context.Background(), &types.RunView{}, "q")
	assert.Error(t, err)
	assert.Empty(t, gen.requests)
}
