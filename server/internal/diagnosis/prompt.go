package diagnosis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asiaops/asia/pkg/types"
)

const systemPrompt = `You are ASIA (Aviation Safety Intelligence Agent), an expert reliability engineer.
Your task is to analyze key performance indicators (KPIs) from aircraft flight control actuator data.
Based on the metrics provided in the User message, you must:
1. Determine the severity: HIGH, MEDIUM, or LOW.
2. Identify the likely physical failure mode (e.g., internal leakage, friction, sensor drift).
3. Provide a clear, concise rationale linking the metrics to the failure mode.
4. Suggest a specific, actionable maintenance recommendation.

Your response MUST be a single, valid JSON object with the following structure:
{
  "severity": "HIGH/MEDIUM/LOW",
  "component": "Aileron Left Actuator",
  "rationale": "...",
  "recommended_action": "..."
}`

const chatSystemPrompt = "You are ASIA, the aviation reliability expert. " +
	"Keep your response helpful and based on the provided data."

// analysisPrompt embeds the KPI block in the fixed analysis instruction.
func analysisPrompt(kpis []types.KPIRecord, lagThreshold float64) (string, error) {
	block, err := kpiBlock(kpis)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Analyze the following key performance indicators (KPIs) for Actuator Degradation:\n\n")
	b.WriteString("--- KPI DATA ---\n")
	b.WriteString(block)
	b.WriteString("\n--- END KPI DATA ---\n\n")
	fmt.Fprintf(&b, "Generate the required JSON output based on this data. "+
		"Assume any average lag over %g degrees and any positive pressure trend indicates a problem.", lagThreshold)
	return b.String(), nil
}

// chatPrompt grounds a free-form question in a run's stored results.
func chatPrompt(d types.Diagnosis, signals []types.Signal, question string) (string, error) {
	diag, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("diagnosis: encode diagnosis: %w", err)
	}
	sigs, err := json.MarshalIndent(signals, "", "  ")
	if err != nil {
		return "", fmt.Errorf("diagnosis: encode signals: %w", err)
	}
	var b strings.Builder
	b.WriteString("You are ASIA, an expert in aircraft system fault analysis.\n")
	fmt.Fprintf(&b, "The original diagnosis for this run was: %s\n", diag)
	fmt.Fprintf(&b, "The signal metrics were: %s\n\n", sigs)
	b.WriteString("Based on this context, answer the user's question, explaining the technical rationale in plain English.\n\n")
	fmt.Fprintf(&b, "User Question: %s", question)
	return b.String(), nil
}

// kpiBlock renders one JSON object per KPI record, one per line.
func kpiBlock(kpis []types.KPIRecord) (string, error) {
	lines := make([]string, 0, len(kpis))
	for _, k := range kpis {
		raw, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("diagnosis: encode kpi %s: %w", k.SignalName, err)
		}
		lines = append(lines, string(raw))
	}
	return strings.Join(lines, "\n"), nil
}
