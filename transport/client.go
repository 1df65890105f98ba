package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/st-keller/codekeeper-agent/publish"
	"github.com/st-keller/codekeeper-agent/standard"
)

// Collector endpoints.
const (
	PollPath   = "/agent/v1/poll"
	UploadPath = "/agent/v1/upload/"
)

// Upload headers.
const (
	HeaderLicenseKey     = "X-License-Key"
	HeaderFingerprint    = "X-Codebase-Fingerprint"
	HeaderSequenceNumber = "X-Sequence-Number"
	HeaderBatchSize      = "X-Batch-Size"
	HeaderRunUUID        = "X-Run-UUID"
)

// maxErrorBody bounds how much of an error response ends up in logs.
const maxErrorBody = 512

// HTTPClient talks to the collector over HTTP. It serves both the config
// poller and the publishers.
type HTTPClient struct {
	baseURL      string
	http         *http.Client
	logs         *standard.RecentLogs
	connectivity *standard.ConnectivityTracker
}

// NewHTTPClient creates a collector client. logs and connectivity may be nil.
func NewHTTPClient(baseURL string, httpClient *http.Client, logs *standard.RecentLogs, connectivity *standard.ConnectivityTracker) *HTTPClient {
	if httpClient == nil {
		httpClient = BuildHTTPClient(30 * time.Second)
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         httpClient,
		logs:         logs,
		connectivity: connectivity,
	}
}

// Poll sends a config poll and decodes the response.
func (c *HTTPClient) Poll(ctx context.Context, req policy.PollRequest) (policy.PollResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return policy.PollResponse{}, fmt.Errorf("failed to marshal poll request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PollPath, bytes.NewReader(jsonData))
	if err != nil {
		return policy.PollResponse{}, fmt.Errorf("failed to build poll request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderLicenseKey, req.LicenseKey)

	var resp policy.PollResponse
	err = c.do(httpReq, "config-poll", func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return fmt.Errorf("failed to decode poll response: %w", err)
		}
		return nil
	})
	return resp, err
}

// Upload implements publish.Uploader.
func (c *HTTPClient) Upload(ctx context.Context, u publish.Upload) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath+string(u.Kind), bytes.NewReader(u.Body))
	if err != nil {
		return publish.NewFatal(fmt.Errorf("failed to build upload request: %w", err), 0)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderLicenseKey, u.LicenseKey)
	httpReq.Header.Set(HeaderFingerprint, u.Fingerprint)
	httpReq.Header.Set(HeaderSequenceNumber, strconv.FormatInt(u.SequenceNumber, 10))
	httpReq.Header.Set(HeaderBatchSize, strconv.Itoa(u.BatchSizeHint))
	httpReq.Header.Set(HeaderRunUUID, u.RunUUID)

	return c.do(httpReq, "upload-"+string(u.Kind), nil)
}

// do executes a request, tracks connectivity and classifies failures.
func (c *HTTPClient) do(req *http.Request, endpoint string, decode func(io.Reader) error) error {
	startTime := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(startTime)

	if err != nil {
		c.trackFailure(endpoint, latency, err.Error())
		c.logError("Collector request failed", map[string]interface{}{
			"endpoint":   endpoint,
			"error":      err.Error(),
			"latency_ms": latency.Milliseconds(),
		})
		return publish.NewRetryable(fmt.Errorf("HTTP request failed: %w", err), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		errorMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		c.trackFailure(endpoint, latency, errorMsg)
		c.logError("Collector rejected request", map[string]interface{}{
			"endpoint":   endpoint,
			"status":     resp.StatusCode,
			"error":      string(body),
			"latency_ms": latency.Milliseconds(),
		})
		return ClassifyStatus(resp.StatusCode, errors.New(errorMsg))
	}

	c.trackSuccess(endpoint, latency)

	if decode != nil {
		if err := decode(resp.Body); err != nil {
			return publish.NewRetryable(err, resp.StatusCode)
		}
	}
	return nil
}

// ClassifyStatus maps a non-2xx status to a publish error class.
// 408, 429 and 5xx are transient; every other status is a policy rejection.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return publish.NewRetryable(err, status)
	default:
		return publish.NewFatal(err, status)
	}
}

func (c *HTTPClient) trackSuccess(endpoint string, latency time.Duration) {
	if c.connectivity != nil {
		c.connectivity.TrackSuccess(endpoint, c.baseURL, latency)
	}
}

func (c *HTTPClient) trackFailure(endpoint string, latency time.Duration, msg string) {
	if c.connectivity != nil {
		c.connectivity.TrackFailure(endpoint, c.baseURL, latency, msg)
	}
}

// logError uses ErrorNoTrigger: transport failures are retried by the scheduler.
func (c *HTTPClient) logError(message string, context map[string]interface{}) {
	if c.logs != nil {
		c.logs.ErrorNoTrigger(message, context)
	}
}
