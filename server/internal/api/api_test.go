package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asiaops/asia/pkg/ingest"
	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/alerts"
	"github.com/asiaops/asia/server/internal/api"
	"github.com/asiaops/asia/server/internal/pipeline"
	"github.com/asiaops/asia/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

// fakeService records calls and returns canned results.
type fakeService struct {
	analyzeID  string
	analyzeErr error
	gotRaw     []byte
	gotMeta    types.RunMetadata

	views   map[string]*types.RunView
	runs    []types.Run
	runsErr error

	answer    string
	chatErr   error
	questions []string

	history map[string][]types.ChatLog
	raw     map[string][]byte

	panicOn string
}

func (f *fakeService) Analyze(_ context.Context, raw []byte, meta types.RunMetadata) (string, error) {
	f.gotRaw, f.gotMeta = raw, meta
	return f.analyzeID, f.analyzeErr
}

func (f *fakeService) Results(_ context.Context, runID string) (*types.RunView, error) {
	if runID == f.panicOn {
		panic("boom")
	}
	v, ok := f.views[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeService) Chat(_ context.Context, runID, question string) (string, error) {
	f.questions = append(f.questions, question)
	return f.answer, f.chatErr
}

func (f *fakeService) History(_ context.Context, runID string) ([]types.ChatLog, error) {
	logs, ok := f.history[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return logs, nil
}

func (f *fakeService) Raw(_ context.Context, runID string) ([]byte, error) {
	raw, ok := f.raw[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}

func (f *fakeService) Runs(context.Context) ([]types.Run, error) {
	return f.runs, f.runsErr
}

type fakeAlerts []*alerts.Alert

func (f fakeAlerts) Active() []*alerts.Alert { return f }

func ptr(v float64) *float64 { return &v }

func completedView(id string) *types.RunView {
	return &types.RunView{
		Run: types.Run{
			ID:        id,
			Status:    types.StatusCompleted,
			Metadata:  types.RunMetadata{}.WithDefaults(),
			CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Signals: []types.Signal{
			{RunID: id, KPIRecord: types.KPIRecord{SignalName: types.SignalLag, MetricType: types.MetricActuatorPerformance, MeanValue: ptr(0.25)}},
		},
		AnomalyResult: &types.Diagnosis{RunID: id, Severity: types.SeverityHigh},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

// multipartUpload builds a POST /upload request. An empty metadata string
// omits the field.
func multipartUpload(t *testing.T, csv, metadata string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if csv != "" {
		fw, err := mw.CreateFormFile("file", "run.csv")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(csv)) //nolint:errcheck
	}
	if metadata != "" {
		mw.WriteField("metadata", metadata) //nolint:errcheck
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

const csvBody = "time_step,cmd_deg,pos_deg,hyd_pressure_psi,actuator_temp_C\n0,10,9.8,3000,45\n"

// --- POST /upload -----------------------------------------------------------

func TestUpload_OK(t *testing.T) {
	svc := &fakeService{analyzeID: "run-1"}
	h := api.New(svc, api.Options{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartUpload(t, csvBody, `{"aircraft_type":"A320","subsystem":"ELEVATOR"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var resp api.UploadResponse
	decode(t, rr, &resp)
	want := api.UploadResponse{RunID: "run-1", Status: "completed", ResultsURL: "/results/run-1"}
	if resp != want {
		t.Errorf("response: got %+v, want %+v", resp, want)
	}
	if string(svc.gotRaw) != csvBody {
		t.Errorf("raw: got %q, want the uploaded CSV", svc.gotRaw)
	}
	if svc.gotMeta.AircraftType != "A320" || svc.gotMeta.Subsystem != "ELEVATOR" {
		t.Errorf("metadata: got %+v", svc.gotMeta)
	}
}

func TestUpload_MetadataOptional(t *testing.T) {
	svc := &fakeService{analyzeID: "run-1"}
	rr := httptest.NewRecorder()
	api.New(svc, api.Options{}).ServeHTTP(rr, multipartUpload(t, csvBody, ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if svc.gotMeta != (types.RunMetadata{}) {
		t.Errorf("metadata: got %+v, want zero value", svc.gotMeta)
	}
}

func TestUpload_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"missing file", func(t *testing.T) *http.Request { return multipartUpload(t, "", `{}`) }},
		{"bad metadata", func(t *testing.T) *http.Request { return multipartUpload(t, csvBody, `{not json`) }},
		{"not multipart", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(csvBody))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{analyzeID: "run-1"}
			rr := httptest.NewRecorder()
			api.New(svc, api.Options{}).ServeHTTP(rr, tc.req(t))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", rr.Code)
			}
			if svc.gotRaw != nil {
				t.Error("service called for a bad request")
			}
		})
	}
}

func TestUpload_ValidationErrorIs400(t *testing.T) {
	svc := &fakeService{
		analyzeID:  "run-9",
		analyzeErr: &ingest.ValidationError{Missing: []string{"pos_deg"}, Found: []string{"time_step"}},
	}
	rr := httptest.NewRecorder()
	api.New(svc, api.Options{}).ServeHTTP(rr, multipartUpload(t, csvBody, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if !strings.Contains(resp["error"], "pos_deg") {
		t.Errorf("error: got %q, want it to name the missing column", resp["error"])
	}
	if resp["run_id"] != "run-9" {
		t.Errorf("run_id: got %q, want run-9", resp["run_id"])
	}
}

func TestUpload_OperationErrorIs500(t *testing.T) {
	svc := &fakeService{
		analyzeID:  "run-9",
		analyzeErr: &pipeline.OperationError{Op: "diagnose", Err: errors.New("model timeout")},
	}
	rr := httptest.NewRecorder()
	api.New(svc, api.Options{}).ServeHTTP(rr, multipartUpload(t, csvBody, ""))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] != "diagnose: model timeout" {
		t.Errorf("error: got %q", resp["error"])
	}
}

func TestUpload_MethodNotAllowed(t *testing.T) {
	rr := get(t, api.New(&fakeService{}, api.Options{}), "/upload")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- GET /results/{run_id} --------------------------------------------------

func TestResults_OK(t *testing.T) {
	svc := &fakeService{views: map[string]*types.RunView{"run-1": completedView("run-1")}}
	h := api.New(svc, api.Options{})

	for _, path := range []string{"/results/run-1", "/api/v1/runs/run-1"} {
		rr := get(t, h, path)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status: got %d, want 200", path, rr.Code)
		}
		var resp map[string]json.RawMessage
		decode(t, rr, &resp)
		for _, key := range []string{"run", "signals", "anomaly_result"} {
			if _, ok := resp[key]; !ok {
				t.Errorf("%s: missing key %q", path, key)
			}
		}
	}
}

func TestResults_PendingRunHasNullAnomaly(t *testing.T) {
	v := completedView("run-1")
	v.AnomalyResult = nil
	svc := &fakeService{views: map[string]*types.RunView{"run-1": v}}

	rr := get(t, api.New(svc, api.Options{}), "/results/run-1")
	var resp map[string]json.RawMessage
	decode(t, rr, &resp)
	if string(resp["anomaly_result"]) != "null" {
		t.Errorf("anomaly_result: got %s, want null", resp["anomaly_result"])
	}
}

func TestResults_UnencodableViewIs500(t *testing.T) {
	v := completedView("run-1")
	v.Signals = []types.Signal{{RunID: "run-1", KPIRecord: types.KPIRecord{SignalName: types.SignalPressure, MeanValue: ptr(math.Inf(1))}}}
	svc := &fakeService{views: map[string]*types.RunView{"run-1": v}}

	rr := get(t, api.New(svc, api.Options{}), "/results/run-1")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] == "" {
		t.Errorf("error body missing: %s", rr.Body.String())
	}
}

func TestResults_NotFound(t *testing.T) {
	rr := get(t, api.New(&fakeService{}, api.Options{}), "/results/nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] == "" {
		t.Error("error body missing")
	}
}

func TestResults_PanicRecovered(t *testing.T) {
	svc := &fakeService{panicOn: "explode"}
	rr := get(t, api.New(svc, api.Options{}), "/results/explode")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rr.Code)
	}
}

func TestRaw(t *testing.T) {
	svc := &fakeService{raw: map[string][]byte{"run-1": []byte(csvBody)}}
	h := api.New(svc, api.Options{})

	rr := get(t, h, "/api/v1/runs/run-1/raw")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type: got %q, want text/csv", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="run-1.csv"`) {
		t.Errorf("Content-Disposition: got %q", cd)
	}
	if rr.Body.String() != csvBody {
		t.Errorf("body: got %q, want the uploaded CSV", rr.Body.String())
	}

	if rr := get(t, h, "/api/v1/runs/nope/raw"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown run: got %d, want 404", rr.Code)
	}
}

// --- POST /chat -------------------------------------------------------------

func TestChat_OK(t *testing.T) {
	svc := &fakeService{answer: "Pressure is rising."}
	rr := postJSON(t, api.New(svc, api.Options{}), "/chat", `{"run_id":"run-1","message":"Why HIGH?"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.ChatResponse
	decode(t, rr, &resp)
	if resp.Response != "Pressure is rising." {
		t.Errorf("response: got %q", resp.Response)
	}
	if len(svc.questions) != 1 || svc.questions[0] != "Why HIGH?" {
		t.Errorf("questions: got %v", svc.questions)
	}
}

func TestChat_NotAnalyzedIs400(t *testing.T) {
	svc := &fakeService{chatErr: pipeline.ErrNotAnalyzed}
	rr := postJSON(t, api.New(svc, api.Options{}), "/chat", `{"run_id":"run-1","message":"hi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rr.Code)
	}
}

func TestChat_InvalidBodies(t *testing.T) {
	for _, body := range []string{`not json`, `{"run_id":"r"}`, `{"message":"hi"}`, `{"run_id":"r","message":"   "}`} {
		svc := &fakeService{}
		rr := postJSON(t, api.New(svc, api.Options{}), "/chat", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status: got %d, want 400", body, rr.Code)
		}
		if len(svc.questions) != 0 {
			t.Errorf("body %s: service called", body)
		}
	}
}

func TestChat_FailureIs500(t *testing.T) {
	svc := &fakeService{chatErr: &pipeline.OperationError{Op: "chat", Err: errors.New("quota")}}
	rr := postJSON(t, api.New(svc, api.Options{}), "/chat", `{"run_id":"run-1","message":"hi"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rr.Code)
	}
}

// --- /api/v1 ----------------------------------------------------------------

func TestHealth(t *testing.T) {
	svc := &fakeService{runs: []types.Run{{ID: "a"}, {ID: "b"}}}
	h := api.New(svc, api.Options{Alerts: fakeAlerts{{RuleName: "high"}}})

	rr := get(t, h, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Runs != 2 || resp.AlertCount != 1 {
		t.Errorf("health: got %+v", resp)
	}
	if resp.GeneratedAt == "" {
		t.Error("generated_at: missing")
	}
}

func TestHealth_StoreErrorDegraded(t *testing.T) {
	svc := &fakeService{runsErr: errors.New("db locked")}
	rr := get(t, api.New(svc, api.Options{}), "/api/v1/health")
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status: got %q, want degraded", resp.Status)
	}
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	rr := get(t, api.New(&fakeService{}, api.Options{}), "/api/v1/runs")
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body: got %s, want []", got)
	}
}

func TestListRuns(t *testing.T) {
	svc := &fakeService{runs: []types.Run{{ID: "new"}, {ID: "old"}}}
	rr := get(t, api.New(svc, api.Options{}), "/api/v1/runs")
	var runs []types.Run
	decode(t, rr, &runs)
	if len(runs) != 2 || runs[0].ID != "new" {
		t.Errorf("runs: got %+v", runs)
	}
}

func TestChatHistory(t *testing.T) {
	svc := &fakeService{history: map[string][]types.ChatLog{
		"run-1": {{RunID: "run-1", Question: "q", Answer: "a"}},
		"run-2": nil,
	}}
	h := api.New(svc, api.Options{})

	rr := get(t, h, "/api/v1/runs/run-1/chat")
	var resp api.ChatHistoryResponse
	decode(t, rr, &resp)
	if resp.RunID != "run-1" || len(resp.Messages) != 1 {
		t.Errorf("history: got %+v", resp)
	}

	rr = get(t, h, "/api/v1/runs/run-2/chat")
	if !strings.Contains(rr.Body.String(), `"messages":[]`) {
		t.Errorf("empty history body: got %s", rr.Body.String())
	}

	if rr := get(t, h, "/api/v1/runs/nope/chat"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown run: status %d, want 404", rr.Code)
	}
}

func TestAlerts(t *testing.T) {
	h := api.New(&fakeService{}, api.Options{})
	if got := strings.TrimSpace(get(t, h, "/api/v1/alerts").Body.String()); got != "[]" {
		t.Errorf("no engine: got %s, want []", got)
	}

	h = api.New(&fakeService{}, api.Options{Alerts: fakeAlerts{{RuleName: "lag", State: "firing"}}})
	var out []alerts.Alert
	decode(t, get(t, h, "/api/v1/alerts"), &out)
	if len(out) != 1 || out[0].RuleName != "lag" {
		t.Errorf("alerts: got %+v", out)
	}
}

func TestOptionalMounts(t *testing.T) {
	marker := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("mounted")) //nolint:errcheck
	})

	bare := api.New(&fakeService{}, api.Options{})
	if rr := get(t, bare, "/metrics"); rr.Code != http.StatusNotFound {
		t.Errorf("/metrics without handler: got %d, want 404", rr.Code)
	}

	h := api.New(&fakeService{}, api.Options{Metrics: marker, Stream: marker})
	for _, path := range []string{"/metrics", "/ws/runs"} {
		if rr := get(t, h, path); rr.Body.String() != "mounted" {
			t.Errorf("%s: got %q, want mounted", path, rr.Body.String())
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	rr := get(t, api.New(&fakeService{}, api.Options{}), "/nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
}

func TestWithAccessLog_PassesThrough(t *testing.T) {
	h := api.WithAccessLog(api.New(&fakeService{runs: []types.Run{}}, api.Options{}))
	if rr := get(t, h, "/api/v1/runs"); rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
}
