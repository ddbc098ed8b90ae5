package types

import (
	"encoding/json"
	"time"
)

// Run status values.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Severity values a diagnosis may carry.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// Default run metadata applied when an upload omits it.
const (
	DefaultAircraftType = "Simulated Aileron Test Rig"
	DefaultSubsystem    = "AILERON_LEFT_ACTUATOR"
)

// RunMetadata describes the test or flight capture a CSV came from.
type RunMetadata struct {
	AircraftType string `json:"aircraft_type"`
	Subsystem    string `json:"subsystem"`
}

// WithDefaults returns m with empty fields replaced by the defaults.
func (m RunMetadata) WithDefaults() RunMetadata {
	if m.AircraftType == "" {
		m.AircraftType = DefaultAircraftType
	}
	if m.Subsystem == "" {
		m.Subsystem = DefaultSubsystem
	}
	return m
}

// Run is the document stored for one ingested dataset.
type Run struct {
	ID        string      `json:"run_id"`
	Metadata  RunMetadata `json:"metadata"`
	Status    string      `json:"status"`
	RawURI    string      `json:"raw_uri,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"timestamp"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Signal is a KPI record persisted under its run. Its document key is
// RunID + "-" + SignalName.
type Signal struct {
	RunID string `json:"run_id"`
	KPIRecord
}

// Key returns the unique document key of the signal.
func (s Signal) Key() string { return s.RunID + "-" + s.SignalName }

// MarshalJSON prefixes the record's own encoding with run_id. Without it the
// promoted KPIRecord.MarshalJSON would drop the run.
func (s Signal) MarshalJSON() ([]byte, error) {
	rec, err := json.Marshal(s.KPIRecord)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(s.RunID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(rec)+len(id)+11)
	out = append(out, `{"run_id":`...)
	out = append(out, id...)
	out = append(out, ',')
	return append(out, rec[1:]...), nil
}

// Diagnosis is the structured judgment produced by the generative service.
type Diagnosis struct {
	RunID             string    `json:"run_id"`
	Severity          string    `json:"severity"`
	Component         string    `json:"component"`
	Rationale         string    `json:"rationale"`
	RecommendedAction string    `json:"recommended_action"`
	Timestamp         time.Time `json:"timestamp"`
}

// RunView is the combined run, signals and anomaly result for one run.
type RunView struct {
	Run           Run        `json:"run"`
	Signals       []Signal   `json:"signals"`
	AnomalyResult *Diagnosis `json:"anomaly_result"`
}

// ChatLog records one question answered about a run.
type ChatLog struct {
	RunID     string    `json:"run_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}
