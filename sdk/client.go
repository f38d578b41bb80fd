package sdk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/events"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/storage"
	"github.com/matt-riley/splitsdk/internal/validation"
)

const (
	methodTreatment            = "Treatment"
	methodTreatmentWithConfig  = "TreatmentWithConfig"
	methodTreatments           = "Treatments"
	methodTreatmentsWithConfig = "TreatmentsWithConfig"
	methodTrack                = "Track"
)

type registration struct {
	event   Event
	handler func()
}

// ClientOption configures a client at creation.
type ClientOption func(*Client)

// WithEventHandler registers handler before the client starts syncing, so
// it cannot miss an event that fires during creation.
func WithEventHandler(event Event, handler func()) ClientOption {
	return func(c *Client) {
		c.pending = append(c.pending, registration{event: event, handler: handler})
	}
}

// Client evaluates treatments for one key. It is safe for concurrent use.
type Client struct {
	factory          *Factory
	key              core.Key
	sendBucketingKey bool
	logger           *slog.Logger

	segments       *fetcher.SegmentCache
	segmentFetcher *fetcher.Fetcher[[]string]
	readiness      *events.Manager
	evaluator      core.Evaluator

	pending   []registration
	destroyed atomic.Bool
}

func newClient(f *Factory, key core.Key, opts ...ClientOption) *Client {
	c := &Client{
		factory:          f,
		key:              key,
		sendBucketingKey: key.BucketingKey != "" && key.BucketingKey != key.MatchingKey,
		logger:           f.logger,
		segments:         fetcher.NewSegmentCache(),
	}
	for _, opt := range opts {
		opt(c)
	}

	datasets := []events.Dataset{events.Splits}
	if _, err := validation.ValidateKey("Client", key); err != nil {
		c.logger.Error("client created with an invalid key, every evaluation will return control", "error", err.Message)
	} else if segmentFetcher, err := c.newSegmentFetcher(); err != nil {
		c.logger.Error("failed to create segment fetcher", "error", err)
	} else {
		c.segmentFetcher = segmentFetcher
		datasets = append(datasets, events.Segments)
		c.restoreSegments()
	}

	c.readiness = events.NewManager(datasets,
		events.WithClock(f.clock),
		events.WithLogger(f.logger),
		events.WithMetrics(f.metrics),
	)
	for _, r := range c.pending {
		c.readiness.Register(r.event, r.handler)
	}
	c.pending = nil

	c.evaluator = f.newEvaluator(f.splits, c.segments)
	return c
}

func (c *Client) newSegmentFetcher() (*fetcher.Fetcher[[]string], error) {
	f := c.factory
	return fetcher.New(segmentsFetcherName, f.segmentSource.SegmentsFor(c.key.MatchingKey), fetcher.Cache[[]string](c.segments), f.cfg.SegmentsRefreshRate,
		fetcher.WithClock[[]string](f.clock),
		fetcher.WithLogger[[]string](f.logger),
		fetcher.WithMetrics[[]string](f.metrics),
		fetcher.WithTimeout[[]string](f.cfg.FetchTimeout),
		fetcher.WithSyncHandler[[]string](c.onSegmentsSynced),
	)
}

func (c *Client) start(ctx context.Context) {
	c.readiness.StartTimeout(c.factory.cfg.ReadyTimeout)
	if c.segmentFetcher != nil {
		c.segmentFetcher.Start(ctx)
	}
}

func (c *Client) announce(warm bool, splitsSynced bool) {
	if warm {
		c.readiness.NotifyCacheLoaded()
	}
	if splitsSynced {
		c.readiness.NotifySynced(events.Splits)
	}
}

func (c *Client) stop() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	if c.segmentFetcher != nil {
		c.segmentFetcher.Stop()
	}
	c.readiness.Stop()
}

func (c *Client) restoreSegments() {
	store := c.factory.store
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.factory.ctx, snapshotTimeout)
	defer cancel()

	names, version, err := store.LoadSegments(ctx, c.key.MatchingKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("failed to restore segment snapshot", "error", err)
		}
		return
	}
	c.segments.Apply(fetcher.Change[[]string]{Data: names, Version: version})
}

func (c *Client) onSegmentsSynced(changed bool) {
	if changed && c.factory.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.factory.ctx), snapshotTimeout)
		if err := c.factory.store.SaveSegments(ctx, c.key.MatchingKey, c.segments.Names(), c.segments.Version()); err != nil {
			c.logger.Warn("failed to persist segment snapshot", "error", err)
		}
		cancel()
	}
	c.readiness.NotifySynced(events.Segments)
}

// Key returns the key this client evaluates for.
func (c *Client) Key() Key {
	return c.key
}

// Treatment returns the treatment for split, or "control" when it cannot
// be evaluated.
func (c *Client) Treatment(split string, attributes map[string]any) string {
	return c.treatment(methodTreatment, split, attributes).Treatment
}

// TreatmentWithConfig is Treatment plus the configuration attached to the
// served treatment.
func (c *Client) TreatmentWithConfig(split string, attributes map[string]any) TreatmentResult {
	result := c.treatment(methodTreatmentWithConfig, split, attributes)
	return TreatmentResult{Treatment: result.Treatment, Config: result.Config}
}

// Treatments evaluates each distinct, non-empty split name once.
func (c *Client) Treatments(splits []string, attributes map[string]any) map[string]string {
	results := c.treatments(methodTreatments, splits, attributes)
	treatments := make(map[string]string, len(results))
	for name, result := range results {
		treatments[name] = result.Treatment
	}
	return treatments
}

func (c *Client) TreatmentsWithConfig(splits []string, attributes map[string]any) map[string]TreatmentResult {
	results := c.treatments(methodTreatmentsWithConfig, splits, attributes)
	treatments := make(map[string]TreatmentResult, len(results))
	for name, result := range results {
		treatments[name] = TreatmentResult{Treatment: result.Treatment, Config: result.Config}
	}
	return treatments
}

// Track queues a custom event. It returns false when the event was
// rejected by validation. An empty trafficType uses the configured default.
func (c *Client) Track(trafficType string, eventType string, value *float64) bool {
	start := c.factory.now()
	defer c.observeLatency(methodTrack, start)

	if c.destroyed.Load() {
		c.logger.Error("client has already been destroyed, no calls possible", "method", methodTrack)
		return false
	}

	if trafficType == "" {
		trafficType = c.factory.cfg.TrafficType
	}

	record, ok := c.factory.validator.Event(methodTrack, c.key.MatchingKey, trafficType, eventType, value)
	if !ok {
		return false
	}
	record.Timestamp = c.factory.now().UnixMilli()
	c.factory.events.Append(record)
	return true
}

// On registers a readiness callback. It returns false, and the callback
// never runs, when the event already fired.
func (c *Client) On(event Event, handler func()) bool {
	return c.readiness.Register(event, handler)
}

// Ready reports whether SDKReady fired.
func (c *Client) Ready() bool {
	return c.readiness.Fired(SDKReady)
}

// BlockUntilReady waits for SDKReady or for ctx to end.
func (c *Client) BlockUntilReady(ctx context.Context) error {
	select {
	case <-c.readiness.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy stops this client's background work and flushes telemetry.
// Later calls on the client return control.
func (c *Client) Destroy(ctx context.Context) {
	c.Close()
	c.factory.Flush(ctx)
}

// Close stops this client's background work and detaches it from the
// factory without flushing; its buffered telemetry leaves with the
// factory's next flush. A later Factory.Client call for the same key
// creates a fresh client.
func (c *Client) Close() {
	c.stop()
	c.factory.removeClient(c)
}

// Closed reports whether Close or Destroy has run on this client.
func (c *Client) Closed() bool {
	return c.destroyed.Load()
}

func (c *Client) treatment(method string, split string, attributes map[string]any) core.EvaluationResult {
	start := c.factory.now()
	defer c.observeLatency(method, start)

	key, ok := c.checkKey(method)
	if !ok {
		c.factory.metrics.RecordEvaluation(true)
		return core.ControlResult("")
	}

	c.warnIfNotReady(method)
	return c.evaluate(method, key, split, attributes)
}

func (c *Client) treatments(method string, splits []string, attributes map[string]any) map[string]core.EvaluationResult {
	start := c.factory.now()
	defer c.observeLatency(method, start)

	names := distinctNames(splits)
	if len(names) == 0 {
		c.logger.Error("split names must be a non-empty array", "method", method)
		return map[string]core.EvaluationResult{}
	}

	results := make(map[string]core.EvaluationResult, len(names))
	key, ok := c.checkKey(method)
	if !ok {
		for _, name := range names {
			c.factory.metrics.RecordEvaluation(true)
			results[name] = core.ControlResult("")
		}
		return results
	}

	c.warnIfNotReady(method)
	for _, name := range names {
		results[name] = c.evaluate(method, key, name, attributes)
	}
	return results
}

func (c *Client) checkKey(method string) (core.Key, bool) {
	if c.destroyed.Load() {
		c.logger.Error("client has already been destroyed, no calls possible", "method", method)
		return c.key, false
	}
	return c.factory.validator.Key(method, c.key)
}

func (c *Client) warnIfNotReady(method string) {
	if !c.Ready() {
		c.logger.Warn("the SDK is not ready, results may be incorrect", "method", method)
	}
}

func (c *Client) evaluate(method string, key core.Key, split string, attributes map[string]any) core.EvaluationResult {
	name, ok := c.factory.validator.SplitName(method, split)
	if !ok {
		c.factory.metrics.RecordEvaluation(true)
		return core.ControlResult("")
	}

	result := c.evaluateSafely(key, name, attributes)
	c.recordImpression(key, name, result, attributes)
	c.factory.metrics.RecordEvaluation(result.Treatment == core.Control)
	return result
}

func (c *Client) evaluateSafely(key core.Key, split string, attributes map[string]any) (result core.EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("evaluation panicked, serving control", "split", split, "panic", r)
			result = core.ControlResult(core.LabelException)
		}
	}()

	evaluated, err := c.evaluator.Evaluate(key, split, attributes)
	if err != nil {
		c.logger.Error("evaluation failed, serving control", "split", split, "error", err)
		return core.ControlResult(core.LabelException)
	}
	if evaluated.Treatment == "" {
		evaluated.Treatment = core.Control
	}
	return evaluated
}

func (c *Client) recordImpression(key core.Key, split string, result core.EvaluationResult, attributes map[string]any) {
	impression := core.Impression{
		Feature:      split,
		KeyName:      key.MatchingKey,
		ChangeNumber: result.ChangeNumber,
		Treatment:    result.Treatment,
		Time:         c.factory.now().UnixMilli(),
		Attributes:   attributes,
	}
	if !c.factory.cfg.LabelsDisabled {
		impression.Label = result.Label
	}
	if c.sendBucketingKey {
		impression.BucketingKey = key.BucketingKey
	}

	c.factory.impressions.Append(impression)
	c.notifyListener(impression)
}

func (c *Client) notifyListener(impression core.Impression) {
	if c.factory.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("impression listener panicked", "split", impression.Feature, "panic", r)
		}
	}()
	c.factory.listener(impression)
}

func (c *Client) observeLatency(method string, start time.Time) {
	c.factory.metrics.ObserveLatency(method, c.factory.clock.Since(start))
}

// distinctNames drops blank names and names that repeat an earlier one once
// trimmed. The first spelling is kept since it keys the result.
func distinctNames(splits []string) []string {
	seen := make(map[string]struct{}, len(splits))
	names := make([]string, 0, len(splits))
	for _, name := range splits {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		names = append(names, name)
	}
	return names
}
