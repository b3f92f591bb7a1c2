// Package comfy is a client for a ComfyUI-compatible job execution service:
// prompt submission, the per-client event stream, completion correlation and
// artifact retrieval.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trung0209/AI-SJU-Studio/internal/workflow"
)

// maxBodySize caps how much of a response body is read into memory.
const maxBodySize = 64 << 20

// Client is the request/response half of the remote service API.
type Client interface {
	SubmitJob(ctx context.Context, prompt workflow.Descriptor, clientID string) (PromptID, error)
	FetchHistory(ctx context.Context, id PromptID) (*HistoryRecord, error)
	FetchArtifactBytes(ctx context.Context, ref ImageRef) ([]byte, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over the service's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client

	// maxArtifactBytes bounds one artifact download. Larger bodies fail
	// rather than being truncated.
	maxArtifactBytes int64
}

// NewHTTPClient creates a new HTTPClient. baseURL has no trailing slash,
// e.g. https://comfy.example.com.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		client:           &http.Client{Timeout: timeout},
		maxArtifactBytes: maxBodySize,
	}
}

// SubmitJob queues prompt for execution. It makes exactly one attempt.
func (c *HTTPClient) SubmitJob(ctx context.Context, prompt workflow.Descriptor, clientID string) (PromptID, error) {
	payload, err := json.Marshal(submitRequest{Prompt: prompt, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Cause: classifyError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Cause: classifyError(err)}
	}

	if !isSuccess(resp.StatusCode) {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out submitResponse
	if err := json.Unmarshal(body, &out); err != nil || out.PromptID == "" {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return PromptID(out.PromptID), nil
}

// FetchHistory returns the stored record for id. A 2xx response that does
// not contain id yields ErrHistoryIncomplete.
func (c *HTTPClient) FetchHistory(ctx context.Context, id PromptID) (*HistoryRecord, error) {
	u := fmt.Sprintf("%s/history/%s", c.baseURL, url.PathEscape(string(id)))

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", ErrHistoryUnavailable, resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&history); err != nil {
		return nil, fmt.Errorf("%w: decoding history: %v", ErrHistoryUnavailable, err)
	}

	entry, ok := history[string(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHistoryIncomplete, id)
	}

	return &HistoryRecord{
		PromptID: id,
		Outputs:  entry.Outputs,
		Status:   entry.Status,
	}, nil
}

// FetchArtifactBytes downloads one artifact. The bytes are returned as served.
func (c *HTTPClient) FetchArtifactBytes(ctx context.Context, ref ImageRef) ([]byte, error) {
	params := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}
	u := fmt.Sprintf("%s/view?%s", c.baseURL, params.Encode())

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactFetchFailed, ref.Filename, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %s: status %d", ErrArtifactFetchFailed, ref.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactFetchFailed, ref.Filename, classifyError(err))
	}
	if int64(len(data)) > c.maxArtifactBytes {
		return nil, fmt.Errorf("%w: %s: exceeds %d bytes", ErrArtifactFetchFailed, ref.Filename, c.maxArtifactBytes)
	}
	return data, nil
}

// Ready reports whether the service answers its stats endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	resp, err := c.get(ctx, c.baseURL+"/system_stats")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("comfy not ready (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, u string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// classifyError tags deadline and timeout failures with ErrTimeout.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return err
}

// --- wire types ---

type submitRequest struct {
	Prompt   workflow.Descriptor `json:"prompt"`
	ClientID string              `json:"client_id"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

type historyEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  *HistoryStatus        `json:"status,omitempty"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
