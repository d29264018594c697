// Package upstream is the client for the external Batch API collaborator
// assumed by spec.md §1/§6: file upload, batch create, batch retrieve, and
// result download. Its HTTP client construction and retry behavior are
// ported from the teacher's client-go package (client.go, retry.go,
// errors.go), generalized from a streaming-append API to a batch
// submit/poll/download one.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"
)

// BatchInputLine is one line of the JSONL file submitted to the upstream
// batch endpoint (spec.md §4.4 step 3).
type BatchInputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// BatchOutputLine is one line of the downloaded output file (spec.md §6).
type BatchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// BatchStatus mirrors the upstream batch lifecycle from spec.md §6.
type BatchStatus string

const (
	BatchValidating BatchStatus = "validating"
	BatchInProgress BatchStatus = "in_progress"
	BatchFinalizing BatchStatus = "finalizing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
	BatchCancelled  BatchStatus = "cancelled"

	// ChatCompletionsEndpoint is the only upstream endpoint batches target.
	ChatCompletionsEndpoint = "/v1/chat/completions"
)

// Terminal reports whether the upstream batch status is one the batch never
// leaves.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchExpired, BatchCancelled:
		return true
	default:
		return false
	}
}

// BatchDescriptor is the subset of the upstream batch-retrieve response the
// Poller needs.
type BatchDescriptor struct {
	ID             string      `json:"id"`
	Status         BatchStatus `json:"status"`
	OutputFileID   string      `json:"output_file_id"`
	ErrorFileID    string      `json:"error_file_id"`
	Errors         *struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client is the upstream Batch API client. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	retryPolicy RetryPolicy
}

// New builds a Client against baseURL using apiKey as a bearer token. The
// transport tuning (pooling, keepalive, HTTP/2) mirrors the teacher's
// NewClient.
func New(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   0, // per-call timeout comes from the caller's context
			Transport: transport,
		},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		retryPolicy: DefaultRetryPolicy(),
	}
}

func (c *Client) authHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// WithRetryPolicy overrides the default retry policy, mainly useful in
// tests that want to fail fast instead of waiting out the default backoff.
func (c *Client) WithRetryPolicy(policy RetryPolicy) *Client {
	c.retryPolicy = policy
	return c
}

// UploadFile uploads a JSONL payload for the "batch" purpose and returns the
// upstream file id.
func (c *Client) UploadFile(ctx context.Context, filename string, jsonl []byte) (string, error) {
	resp, err := doWithRetry(ctx, c.httpClient, c.retryPolicy, "upload_file", func() (*http.Request, error) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		if err := w.WriteField("purpose", "batch"); err != nil {
			return nil, err
		}
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(jsonl); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		c.authHeader(req)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", newCallError("upload_file", resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", newCallError("upload_file", resp.StatusCode, err)
	}
	return decoded.ID, nil
}

// CreateBatch submits a batch referencing an uploaded file and returns the
// upstream batch id.
func (c *Client) CreateBatch(ctx context.Context, fileID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          ChatCompletionsEndpoint,
		"completion_window": "24h",
	})
	if err != nil {
		return "", fmt.Errorf("encode create_batch request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.retryPolicy, "create_batch", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authHeader(req)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", newCallError("create_batch", resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", newCallError("create_batch", resp.StatusCode, err)
	}
	return decoded.ID, nil
}

// GetBatch retrieves the current upstream status of a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*BatchDescriptor, error) {
	resp, err := doWithRetry(ctx, c.httpClient, c.retryPolicy, "get_batch", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+batchID, nil)
		if err != nil {
			return nil, err
		}
		c.authHeader(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newCallError("get_batch", resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	var descriptor BatchDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptor); err != nil {
		return nil, newCallError("get_batch", resp.StatusCode, err)
	}
	return &descriptor, nil
}

// DownloadOutput fetches an output (or error) file by id and decodes it as
// JSONL into BatchOutputLine records.
func (c *Client) DownloadOutput(ctx context.Context, fileID string) ([]BatchOutputLine, error) {
	resp, err := doWithRetry(ctx, c.httpClient, c.retryPolicy, "download_output", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
		if err != nil {
			return nil, err
		}
		c.authHeader(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newCallError("download_output", resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newCallError("download_output", resp.StatusCode, err)
	}

	var lines []BatchOutputLine
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var decoded BatchOutputLine
		if err := json.Unmarshal(line, &decoded); err != nil {
			return nil, newCallError("download_output", resp.StatusCode, fmt.Errorf("decode output line: %w", err))
		}
		lines = append(lines, decoded)
	}
	return lines, nil
}

// BuildInputJSONL reshapes keys and their stored payloads into the upstream
// batch-input JSONL schema (spec.md §4.4 step 3): one line per key, each
// line's custom_id equal to the key.
func BuildInputJSONL(keys []string, payloads map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range keys {
		payload, ok := payloads[key]
		if !ok {
			return nil, fmt.Errorf("missing payload for key %q", key)
		}
		line := BatchInputLine{
			CustomID: key,
			Method:   http.MethodPost,
			URL:      ChatCompletionsEndpoint,
			Body:     payload,
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("encode input line for key %q: %w", key, err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
