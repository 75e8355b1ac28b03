// Package mlclient is the HTTP collaborator for the external ML
// service: batch image embedding/captioning plus a capability probe
// endpoint. The request/response shapes follow SPEC_FULL §6.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 300 * time.Second
)

// Sentinel errors classifying ML service responses for the GPU
// Worker's retry policy.
var (
	// ErrRejected means the service returned 4xx: do not retry.
	ErrRejected = errors.New("mlclient: request rejected")
	// ErrUnavailable covers network errors and 5xx: retry with backoff.
	ErrUnavailable = errors.New("mlclient: service unavailable")
	// ErrOOM signals the service ran out of memory processing the
	// batch: the caller should halve its batch size and retry.
	ErrOOM = errors.New("mlclient: out of memory")
)

// Config configures the ML service client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the external ML service over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns a ready-to-use ML service client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Image is one ordered element of an embed/caption request.
type Image struct {
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename"`
	UniqueID    string `json:"unique_id"`
}

type embedRequest struct {
	Images []Image `json:"images"`
}

// Result is one element of the service's response, matched back to
// its request image by UniqueID.
type Result struct {
	UniqueID  string    `json:"unique_id"`
	Embedding []float32 `json:"embedding"`
	Caption   string    `json:"caption"`
	Error     string    `json:"error,omitempty"`
}

type embedResponse struct {
	Results []Result `json:"results"`
}

type errorBody struct {
	Error string `json:"error"`
	OOM   bool   `json:"oom"`
}

// EmbedBatch submits one ordered batch and returns the service's
// results as decoded, without checking their count or order; callers
// match them to inputs by UniqueID. Errors from the HTTP exchange are
// classified as ErrRejected, ErrUnavailable, or ErrOOM (a request that
// cannot be encoded or built is returned unclassified); callers apply
// their own retry/backoff/split policy on top of this classification.
func (c *Client) EmbedBatch(ctx context.Context, images []Image) ([]Result, error) {
	body, err := json.Marshal(embedRequest{Images: images})
	if err != nil {
		return nil, fmt.Errorf("mlclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mlclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		if eb.OOM {
			return nil, ErrOOM
		}
		switch {
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, eb.Error)
		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, eb.Error)
		}
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return parsed.Results, nil
}

// Capability is the ML service's self-reported readiness and safe
// batch size, as returned by the capability endpoint.
type Capability struct {
	SafeClipBatch int  `json:"safe_clip_batch"`
	Ready         bool `json:"ready"`
}

// GetCapability queries the service's capability endpoint. A network
// error or non-200 status is reported with Ready=false rather than as
// an error, matching spec §4.7: the probe treats unreachability as a
// readiness signal, not a fatal condition.
func (c *Client) GetCapability(ctx context.Context) Capability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/capability", nil)
	if err != nil {
		return Capability{Ready: false}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Capability{Ready: false}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Capability{Ready: false}
	}

	var cap Capability
	if err := json.NewDecoder(resp.Body).Decode(&cap); err != nil {
		return Capability{Ready: false}
	}
	return cap
}
