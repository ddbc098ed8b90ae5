package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asiaops/asia/pkg/types"
)

// newTestClient returns a client for srv whose sleeps are recorded, not taken.
func newTestClient(t *testing.T, srv *httptest.Server, attempts int) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(srv.URL, Options{MaxAttempts: attempts})
	require.NoError(t, err)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://host", "localhost:8080", "::"} {
		if _, err := New(u, Options{}); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestUpload_SendsMultipart(t *testing.T) {
	var gotMeta, gotFile, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		raw, _ := io.ReadAll(f)
		gotFile, gotName = string(raw), hdr.Filename
		gotMeta = r.FormValue("metadata")
		w.Write([]byte(`{"run_id":"run-1","status":"completed","results_url":"/results/run-1"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	resp, err := c.Upload(context.Background(), "rig.csv", []byte("a,b\n1,2\n"),
		types.RunMetadata{AircraftType: "A320", Subsystem: "ELEVATOR"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "/results/run-1", resp.ResultsURL)
	assert.Equal(t, "a,b\n1,2\n", gotFile)
	assert.Equal(t, "rig.csv", gotName)
	assert.JSONEq(t, `{"aircraft_type":"A320","subsystem":"ELEVATOR"}`, gotMeta)
}

func TestUpload_ValidationErrorCarriesRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"ingest: missing required columns [pos_deg]","run_id":"run-7"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv, 3)
	_, err := c.Upload(context.Background(), "x.csv", []byte("x"), types.RunMetadata{})

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, "run-7", ae.RunID)
	assert.Contains(t, ae.Message, "pos_deg")
	assert.Empty(t, *waits, "a 400 must not be retried")
}

func TestUpload_RetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"run_id":"run-1","status":"completed"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv, 4)
	resp, err := c.Upload(context.Background(), "x.csv", []byte("x"), types.RunMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *waits, 2)
}

func TestUpload_NotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"diagnose: model unavailable","run_id":"run-2"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 4)
	_, err := c.Upload(context.Background(), "x.csv", []byte("x"), types.RunMetadata{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "run run-2")
}

func TestResults_RetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/results/run-1", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(types.RunView{Run: types.Run{ID: "run-1", Status: types.StatusCompleted}}) //nolint:errcheck
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv, 3)
	view, err := c.Results(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", view.Run.ID)
	assert.Len(t, *waits, 1)
}

func TestResults_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 3)
	_, err := c.Results(context.Background(), "run-1")

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
	assert.Equal(t, "Service Unavailable", ae.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResults_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"run not found"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 3)
	_, err := c.Results(context.Background(), "nope")
	assert.True(t, IsNotFound(err), "IsNotFound(%v)", err)
}

func TestResults_ConnectionErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, Options{MaxAttempts: 2})
	require.NoError(t, err)
	var waits int
	c.sleep = func(context.Context, time.Duration) error { waits++; return nil }

	_, err = c.Results(context.Background(), "run-1")
	require.Error(t, err)
	assert.Equal(t, 1, waits)

	waits = 0
	_, err = c.Upload(context.Background(), "x.csv", []byte("x"), types.RunMetadata{})
	require.Error(t, err)
	assert.Equal(t, 0, waits, "uploads must not be retried after a connection error")
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req["run_id"])
		assert.Equal(t, "why?", req["message"])
		w.Write([]byte(`{"response":"Because the pressure rises."}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	answer, err := c.Chat(context.Background(), "run-1", "why?")
	require.NoError(t, err)
	assert.Equal(t, "Because the pressure rises.", answer)
}

func TestRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs", r.URL.Path)
		w.Write([]byte(`[{"run_id":"b"},{"run_id":"a"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	runs, err := c.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
}

func TestDecodeError_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusTeapot)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	_, err := c.Runs(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "upstream exploded", ae.Message)
}

func TestRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/run-1/raw", r.URL.Path)
		assert.Equal(t, "text/csv", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("time_step\n0\n")) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	raw, err := c.Raw(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "time_step\n0\n", string(raw))
}

func TestStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/runs", r.URL.Path)
		assert.Equal(t, "RUDDER", r.URL.Query().Get("subsystem"))
		assert.Empty(t, r.URL.Query().Get("status"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"event": "other"})                                 //nolint:errcheck
		conn.WriteJSON(map[string]any{"event": "runs", "data": []types.Run{{ID: "r1"}}}) //nolint:errcheck
		conn.ReadMessage()                                                               //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []types.Run
	err := c.Stream(ctx, StreamFilter{Subsystem: "RUDDER"}, func(runs []types.Run) {
		got = runs
		cancel()
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

func TestStream_DialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, _ := newTestClient(t, srv, 1)
	err := c.Stream(context.Background(), StreamFilter{}, func([]types.Run) {})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "client: dial stream"))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := newBackoff()
	base := backoffInitial
	for i := 0; i < 10; i++ {
		d := b.next(errors.New("boom"))
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if d < lo || d > hi {
			t.Errorf("step %d: got %v, want within [%v, %v]", i, d, lo, hi)
		}
		base = min(2*base, backoffMax)
	}
}

func TestBackoff_HonorsRetryAfter(t *testing.T) {
	b := newBackoff()
	b.jitter = func() float64 { return 0.5 }

	assert.Equal(t, 7*time.Second, b.next(&APIError{StatusCode: 429, RetryAfter: 7 * time.Second}))
	assert.Equal(t, backoffMax, b.next(&APIError{StatusCode: 503, RetryAfter: time.Hour}))
	// The exponential schedule still advanced underneath.
	assert.Equal(t, 4*time.Second, b.next(&APIError{StatusCode: 503}))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"5":                             5 * time.Second,
		"-3":                            0,
		"soon":                          0,
		"Sat, 01 Mar 2025 12:00:30 GMT": 30 * time.Second,
		"Sat, 01 Mar 2025 11:00:00 GMT": 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseRetryAfter(in, now), "Retry-After %q", in)
	}
}

func TestUpload_RetryAfterRespected(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"run_id":"run-9","status":"completed"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv, 3)
	resp, err := c.Upload(context.Background(), "x.csv", []byte("x"), types.RunMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "run-9", resp.RunID)
	assert.Equal(t, []time.Duration{2 * time.Second}, *waits)
}
