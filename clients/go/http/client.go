// Package http provides an HTTP client for the splitd treatment sidecar.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	splitd "github.com/matt-riley/splitsdk/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the sidecar, e.g. "http://localhost:8080".
	BaseURL string
	// Token is the bearer token. Leave empty when the sidecar runs without
	// auth.
	Token string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements splitd.Evaluator, splitd.Tracker and
// splitd.ReadinessChecker over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ splitd.Evaluator        = (*Client)(nil)
	_ splitd.Tracker          = (*Client)(nil)
	_ splitd.ReadinessChecker = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the sidecar.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireResult struct {
	Treatment string  `json:"treatment"`
	Config    *string `json:"config,omitempty"`
}

type wireTreatmentResp struct {
	Split string `json:"split"`
	wireResult
}

type wireTreatmentsReq struct {
	Key          string         `json:"key"`
	BucketingKey string         `json:"bucketing_key,omitempty"`
	Splits       []string       `json:"splits"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type wireTreatmentsResp struct {
	Treatments map[string]wireResult `json:"treatments"`
}

type wireTrackReq struct {
	Key         string   `json:"key"`
	TrafficType string   `json:"traffic_type,omitempty"`
	EventType   string   `json:"event_type"`
	Value       *float64 `json:"value,omitempty"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("splitd: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("splitd: create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("splitd: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// APIError is returned when the sidecar responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("splitd: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func decode(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("splitd: decode response: %w", err)
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

// Treatment evaluates one split. On error the returned treatment is
// control.
func (c *Client) Treatment(ctx context.Context, key splitd.Key, split string, attributes map[string]any) (splitd.Treatment, error) {
	control := splitd.Treatment{Split: split, Treatment: splitd.Control}

	query := url.Values{}
	query.Set("key", key.MatchingKey)
	query.Set("split", split)
	if key.BucketingKey != "" {
		query.Set("bucketing_key", key.BucketingKey)
	}
	if len(attributes) > 0 {
		raw, err := json.Marshal(attributes)
		if err != nil {
			return control, fmt.Errorf("splitd: marshal attributes: %w", err)
		}
		query.Set("attributes", string(raw))
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/treatment?"+query.Encode(), nil)
	if err != nil {
		return control, err
	}
	var out wireTreatmentResp
	if err := decode(resp, &out); err != nil {
		return control, err
	}
	return splitd.Treatment{Split: split, Treatment: out.Treatment, Config: out.Config}, nil
}

// Treatments evaluates several splits in one request. On error every
// requested split maps to control.
func (c *Client) Treatments(ctx context.Context, key splitd.Key, splits []string, attributes map[string]any) (map[string]splitd.Treatment, error) {
	results := make(map[string]splitd.Treatment, len(splits))
	for _, split := range splits {
		results[split] = splitd.Treatment{Split: split, Treatment: splitd.Control}
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/treatments", wireTreatmentsReq{
		Key:          key.MatchingKey,
		BucketingKey: key.BucketingKey,
		Splits:       splits,
		Attributes:   attributes,
	})
	if err != nil {
		return results, err
	}
	var out wireTreatmentsResp
	if err := decode(resp, &out); err != nil {
		return results, err
	}
	for split, r := range out.Treatments {
		results[split] = splitd.Treatment{Split: split, Treatment: r.Treatment, Config: r.Config}
	}
	return results, nil
}

// -- Tracker -----------------------------------------------------------------

// Track queues an event on the sidecar. A rejected event surfaces as an
// *APIError with status 400.
func (c *Client) Track(ctx context.Context, event splitd.Event) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/track", wireTrackReq{
		Key:         event.Key,
		TrafficType: event.TrafficType,
		EventType:   event.EventType,
		Value:       event.Value,
	})
	if err != nil {
		return err
	}
	var out struct {
		Queued bool `json:"queued"`
	}
	if err := decode(resp, &out); err != nil {
		return err
	}
	if !out.Queued {
		return errors.New("splitd: event not queued")
	}
	return nil
}

// -- ReadinessChecker --------------------------------------------------------

// Ready reports whether the sidecar answers /readyz with 200.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/readyz", nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}
