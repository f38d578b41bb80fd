// Package api talks to the split control service over HTTP: it downloads
// split definitions and segment membership and uploads impressions and
// events in bulk.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/queue"
)

const (
	DefaultSDKURL    = "https://sdk.split.io/api"
	DefaultEventsURL = "https://events.split.io/api"

	// maxSplitPages bounds how many splitChanges round trips a single poll
	// makes while the service reports more pending changes.
	maxSplitPages = 10

	headerSDKVersion = "SplitSDKVersion"
	headerInstanceID = "SplitSDKInstanceID"
)

// Version is reported to the service on every request.
const Version = "go-splitsdk-1.0.0"

// Config holds configuration for the HTTP client.
type Config struct {
	// SDKURL serves definitions, e.g. "https://sdk.split.io/api".
	SDKURL string
	// EventsURL receives impressions and events.
	EventsURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout applies to the default HTTP client only.
	Timeout time.Duration
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	instanceID string
	logger     *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a client for the control service.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.SDKURL == "" {
		cfg.SDKURL = DefaultSDKURL
	}
	if cfg.EventsURL == "" {
		cfg.EventsURL = DefaultEventsURL
	}
	cfg.SDKURL = strings.TrimRight(cfg.SDKURL, "/")
	cfg.EventsURL = strings.TrimRight(cfg.EventsURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	c := &Client{
		cfg:        cfg,
		httpClient: hc,
		instanceID: uuid.NewString(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "api")
	return c
}

// InstanceID identifies this SDK instance in request headers.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// -- wire types --------------------------------------------------------------

type wireSplitChanges struct {
	Splits []core.Split `json:"splits"`
	Since  int64        `json:"since"`
	Till   int64        `json:"till"`
}

type wireMySegments struct {
	MySegments []struct {
		Name string `json:"name"`
	} `json:"mySegments"`
}

type wireImpression struct {
	KeyName      string `json:"k"`
	Treatment    string `json:"t"`
	Time         int64  `json:"m"`
	ChangeNumber *int64 `json:"c,omitempty"`
	Label        string `json:"r,omitempty"`
	BucketingKey string `json:"b,omitempty"`
}

type wireImpressionGroup struct {
	Feature     string           `json:"f"`
	Impressions []wireImpression `json:"i"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set(headerSDKVersion, Version)
	req.Header.Set(headerInstanceID, c.instanceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	resp, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// APIError is returned when the service responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

// SegmentVersion derives a stable, non-negative version from a set of
// segment names so an unchanged membership list compares equal.
func SegmentVersion(names []string) int64 {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return int64(xxhash.Sum64String(strings.Join(sorted, "\n")) & math.MaxInt64)
}

// -- definitions -------------------------------------------------------------

// FetchSplits downloads every split change after since. It follows the
// service's since/till cursor until it stops advancing and returns nil when
// nothing changed.
func (c *Client) FetchSplits(ctx context.Context, since int64) (*fetcher.Change[[]core.Split], error) {
	var (
		changed []core.Split
		cursor  = since
	)
	for range maxSplitPages {
		var page wireSplitChanges
		endpoint := c.cfg.SDKURL + "/splitChanges?since=" + strconv.FormatInt(cursor, 10)
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		changed = append(changed, page.Splits...)
		if page.Till <= cursor {
			break
		}
		cursor = page.Till
	}
	if cursor == since {
		return nil, nil
	}
	return &fetcher.Change[[]core.Split]{Data: changed, Version: cursor}, nil
}

// Splits adapts FetchSplits to a change fetcher.
func (c *Client) Splits() fetcher.ChangeFetcher[[]core.Split] {
	return fetcher.ChangeFetcherFunc[[]core.Split](c.FetchSplits)
}

// FetchSegments downloads the segments matchingKey belongs to.
func (c *Client) FetchSegments(ctx context.Context, matchingKey string, since int64) (*fetcher.Change[[]string], error) {
	var out wireMySegments
	if err := c.getJSON(ctx, c.cfg.SDKURL+"/mySegments/"+url.PathEscape(matchingKey), &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.MySegments))
	for _, s := range out.MySegments {
		names = append(names, s.Name)
	}
	version := SegmentVersion(names)
	if version == since {
		return nil, nil
	}
	return &fetcher.Change[[]string]{Data: names, Version: version}, nil
}

// SegmentsFor returns the membership fetcher for one key.
func (c *Client) SegmentsFor(matchingKey string) fetcher.ChangeFetcher[[]string] {
	return fetcher.ChangeFetcherFunc[[]string](func(ctx context.Context, since int64) (*fetcher.Change[[]string], error) {
		return c.FetchSegments(ctx, matchingKey, since)
	})
}

// -- telemetry ---------------------------------------------------------------

// SendImpressions posts a batch grouped per feature, keeping the order in
// which features first appear.
func (c *Client) SendImpressions(ctx context.Context, batch []core.Impression) error {
	if len(batch) == 0 {
		return nil
	}
	var groups []wireImpressionGroup
	index := make(map[string]int)
	for _, imp := range batch {
		i, ok := index[imp.Feature]
		if !ok {
			i = len(groups)
			index[imp.Feature] = i
			groups = append(groups, wireImpressionGroup{Feature: imp.Feature})
		}
		groups[i].Impressions = append(groups[i].Impressions, wireImpression{
			KeyName:      imp.KeyName,
			Treatment:    imp.Treatment,
			Time:         imp.Time,
			ChangeNumber: imp.ChangeNumber,
			Label:        imp.Label,
			BucketingKey: imp.BucketingKey,
		})
	}
	if err := c.post(ctx, c.cfg.EventsURL+"/testImpressions/bulk", groups); err != nil {
		return err
	}
	c.logger.Debug("impressions posted", "count", len(batch), "features", len(groups))
	return nil
}

// SendEvents posts a batch of custom events.
func (c *Client) SendEvents(ctx context.Context, batch []core.EventRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if err := c.post(ctx, c.cfg.EventsURL+"/events/bulk", batch); err != nil {
		return err
	}
	c.logger.Debug("events posted", "count", len(batch))
	return nil
}

func (c *Client) ImpressionTransport() queue.Transport[core.Impression] {
	return queue.TransportFunc[core.Impression](c.SendImpressions)
}

func (c *Client) EventTransport() queue.Transport[core.EventRecord] {
	return queue.TransportFunc[core.EventRecord](c.SendEvents)
}
