package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asiaops/asia/pkg/types"
)

// UploadResponse is the server's answer to a successful upload.
type UploadResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	ResultsURL string `json:"results_url"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// RunID is set when the server created a run before failing.
	RunID string
	// RetryAfter is the delay requested by a 429 or 503 response.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("server returned %d: %s (run %s)", e.StatusCode, e.Message, e.RunID)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Options configures a Client. Zero values take the defaults noted.
type Options struct {
	// Timeout bounds each HTTP attempt. Default 2m.
	Timeout time.Duration
	// MaxAttempts is the number of tries per request. Default 1.
	MaxAttempts int
	// HTTPClient replaces the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to one asia-server.
type Client struct {
	base        *url.URL
	http        *http.Client
	maxAttempts int

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: server URL %q must be http or https", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{base: u, http: hc, maxAttempts: opts.MaxAttempts, sleep: sleepCtx}, nil
}

// Upload sends a CSV file with optional metadata and waits for the analysis.
func (c *Client) Upload(ctx context.Context, filename string, csv []byte, meta types.RunMetadata) (*UploadResponse, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(csv); err != nil {
		return nil, err
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out UploadResponse
	err = c.do(ctx, call{
		method:      http.MethodPost,
		path:        "/upload",
		body:        body.Bytes(),
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Results fetches the combined run, signals and anomaly result.
func (c *Client) Results(ctx context.Context, runID string) (*types.RunView, error) {
	var out types.RunView
	err := c.do(ctx, call{
		method:     http.MethodGet,
		path:       "/results/" + url.PathEscape(runID),
		idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat asks a question about an analyzed run.
func (c *Client) Chat(ctx context.Context, runID, message string) (string, error) {
	body, err := json.Marshal(map[string]string{"run_id": runID, "message": message})
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	err = c.do(ctx, call{
		method:      http.MethodPost,
		path:        "/chat",
		body:        body,
		contentType: "application/json",
	}, &out)
	return out.Response, err
}

// Raw downloads the CSV originally uploaded for a run.
func (c *Client) Raw(ctx context.Context, runID string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, call{
		method:     http.MethodGet,
		path:       "/api/v1/runs/" + url.PathEscape(runID) + "/raw",
		accept:     "text/csv",
		idempotent: true,
	}, &out)
	return out, err
}

// Runs lists all runs, newest first.
func (c *Client) Runs(ctx context.Context) ([]types.Run, error) {
	var out []types.Run
	err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/runs", idempotent: true}, &out)
	return out, err
}

// call describes one request.
type call struct {
	method      string
	path        string
	body        []byte
	contentType string
	// accept defaults to application/json.
	accept string
	// idempotent requests are also retried after connection errors.
	idempotent bool
}

// do performs cl with retries and decodes a 2xx JSON body into out. A
// *[]byte out receives the body as is.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	bo := newBackoff()

	for attempt := 1; ; attempt++ {
		err := c.once(ctx, cl, out)
		if err == nil {
			return nil
		}
		if attempt >= c.maxAttempts || !retryable(err, cl.idempotent) || ctx.Err() != nil {
			return err
		}

		wait := bo.next(err)
		slog.Warn("client: request failed, will retry",
			"method", cl.method,
			"path", cl.path,
			"attempt", attempt,
			"err", err,
			"retry_in", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) once(ctx context.Context, cl call, out any) error {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base.String()+cl.path, body)
	if err != nil {
		return err
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	accept := cl.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if buf, ok := out.(*[]byte); ok {
		if *buf, err = io.ReadAll(resp.Body); err != nil {
			return &transportError{err: err}
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", cl.method, cl.path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	ae := &APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	var body struct {
		Error string `json:"error"`
		RunID string `json:"run_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		ae.Message, ae.RunID = body.Error, body.RunID
	} else {
		ae.Message = strings.TrimSpace(string(raw))
		if ae.Message == "" {
			ae.Message = http.StatusText(resp.StatusCode)
		}
	}
	return ae
}

// transportError is a failure before any response was received.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// retryable reports whether a request that failed with err may be retried.
func retryable(err error, idempotent bool) bool {
	var te *transportError
	if errors.As(err, &te) {
		return idempotent
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return idempotent
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
