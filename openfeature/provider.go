// Package openfeature adapts an [sdk.Factory] to the OpenFeature Go SDK.
//
// Treatments are strings, so typed evaluations parse them: "on" and "off"
// resolve booleans, numeric treatments resolve ints and floats, and object
// evaluations return the treatment together with its parsed configuration.
// A "control" treatment resolves to the caller's default with
// FLAG_NOT_FOUND.
package openfeature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/sdk"
)

const (
	// ProviderName is reported in provider metadata and events.
	ProviderName = "splitsdk"

	// TrafficTypeKey is the evaluation context attribute Track reads the
	// traffic type from.
	TrafficTypeKey = "trafficType"

	// BucketingKeyKey is the evaluation context attribute used as the
	// bucketing key.
	BucketingKeyKey = "bucketingKey"

	defaultInitTimeout  = 15 * time.Second
	defaultReadinessKey = "openfeature-provider"
	eventChannelBuffer  = 128
)

var ErrShutdown = errors.New("provider has been shut down")

// Provider implements of.FeatureProvider, of.StateHandler, of.EventHandler
// and of.Tracker on top of a factory it owns.
type Provider struct {
	factory      *sdk.Factory
	logger       *slog.Logger
	initTimeout  time.Duration
	readinessKey string

	mu       sync.RWMutex
	events   chan of.Event
	shutdown atomic.Bool
}

var (
	_ of.FeatureProvider = (*Provider)(nil)
	_ of.StateHandler    = (*Provider)(nil)
	_ of.EventHandler    = (*Provider)(nil)
	_ of.Tracker         = (*Provider)(nil)
)

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInitTimeout bounds how long Init waits for SDKReady.
func WithInitTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.initTimeout = d
		}
	}
}

// WithReadinessKey sets the key whose client Init waits on when the
// evaluation context has no targeting key.
func WithReadinessKey(key string) Option {
	return func(p *Provider) {
		if key != "" {
			p.readinessKey = key
		}
	}
}

// NewProvider wraps factory. Shutdown destroys it.
func NewProvider(factory *sdk.Factory, opts ...Option) (*Provider, error) {
	if factory == nil {
		return nil, errors.New("factory is nil")
	}
	p := &Provider{
		factory:      factory,
		logger:       slog.Default(),
		initTimeout:  defaultInitTimeout,
		readinessKey: defaultReadinessKey,
		events:       make(chan of.Event, eventChannelBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "openfeature")
	return p, nil
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: ProviderName}
}

func (p *Provider) Hooks() []of.Hook {
	return nil
}

// Init blocks until the client for the context's targeting key (or the
// readiness key) fires SDKReady.
func (p *Provider) Init(evaluationContext of.EvaluationContext) error {
	if p.shutdown.Load() {
		return ErrShutdown
	}

	key := evaluationContext.TargetingKey()
	if key == "" {
		key = p.readinessKey
	}
	client, err := p.factory.Client(sdk.Key{MatchingKey: key},
		sdk.WithEventHandler(sdk.SDKReadyTimedOut, func() {
			p.emit(of.ProviderError, "SDK did not become ready before the timeout")
		}),
	)
	if err != nil {
		return fmt.Errorf("create readiness client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.initTimeout)
	defer cancel()
	if err := client.BlockUntilReady(ctx); err != nil {
		// A late SDKReady still brings the provider up.
		client.On(sdk.SDKReady, func() {
			p.emit(of.ProviderReady, "SDK ready")
		})
		return fmt.Errorf("wait for SDK ready: %w", err)
	}

	p.logger.Info("provider ready", "splits", len(p.factory.SplitNames()))
	return nil
}

// Shutdown destroys the factory and closes the event channel.
func (p *Provider) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	p.factory.Destroy(context.Background())

	p.mu.Lock()
	close(p.events)
	p.mu.Unlock()
	p.logger.Debug("provider shut down")
}

func (p *Provider) EventChannel() <-chan of.Event {
	return p.events
}

func (p *Provider) emit(eventType of.EventType, message string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown.Load() {
		return
	}
	select {
	case p.events <- of.Event{
		ProviderName:         ProviderName,
		EventType:            eventType,
		ProviderEventDetails: of.ProviderEventDetails{Message: message},
	}:
	default:
		p.logger.Warn("event channel full, dropping event", "event_type", eventType)
	}
}

// Track forwards a tracking event to the client for the context's
// targeting key.
func (p *Provider) Track(ctx context.Context, trackingEventName string, evaluationContext of.EvaluationContext, details of.TrackingEventDetails) {
	if p.shutdown.Load() || ctx.Err() != nil {
		return
	}
	key := evaluationContext.TargetingKey()
	if key == "" {
		p.logger.Warn("track called without a targeting key", "event", trackingEventName)
		return
	}
	trafficType, _ := evaluationContext.Attribute(TrafficTypeKey).(string)

	client, err := p.factory.Client(sdk.Key{MatchingKey: key})
	if err != nil {
		p.logger.Warn("track dropped", "event", trackingEventName, "error", err)
		return
	}
	value := details.Value()
	if !client.Track(trafficType, trackingEventName, &value) {
		p.logger.Debug("track rejected", "event", trackingEventName)
	}
}

func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, defaultValue bool, flatCtx of.FlattenedContext) of.BoolResolutionDetail {
	result, detail := p.evaluate(ctx, flag, flatCtx)
	if detail.Error() != nil {
		return of.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	var value bool
	switch result.Treatment {
	case "on", "true":
		value = true
	case "off", "false":
		value = false
	default:
		return of.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(result.Treatment)}
	}
	return of.BoolResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) StringEvaluation(ctx context.Context, flag string, defaultValue string, flatCtx of.FlattenedContext) of.StringResolutionDetail {
	result, detail := p.evaluate(ctx, flag, flatCtx)
	if detail.Error() != nil {
		return of.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	return of.StringResolutionDetail{Value: result.Treatment, ProviderResolutionDetail: detail}
}

func (p *Provider) FloatEvaluation(ctx context.Context, flag string, defaultValue float64, flatCtx of.FlattenedContext) of.FloatResolutionDetail {
	result, detail := p.evaluate(ctx, flag, flatCtx)
	if detail.Error() != nil {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	value, err := strconv.ParseFloat(result.Treatment, 64)
	if err != nil {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(result.Treatment)}
	}
	return of.FloatResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) IntEvaluation(ctx context.Context, flag string, defaultValue int64, flatCtx of.FlattenedContext) of.IntResolutionDetail {
	result, detail := p.evaluate(ctx, flag, flatCtx)
	if detail.Error() != nil {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	value, err := strconv.ParseInt(result.Treatment, 10, 64)
	if err != nil {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(result.Treatment)}
	}
	return of.IntResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

// ObjectEvaluation returns {"treatment": ..., "config": ...} where config is
// the parsed JSON configuration or nil.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, defaultValue any, flatCtx of.FlattenedContext) of.InterfaceResolutionDetail {
	result, detail := p.evaluate(ctx, flag, flatCtx)
	if detail.Error() != nil {
		return of.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	var config any
	if result.Config != nil {
		if err := json.Unmarshal([]byte(*result.Config), &config); err != nil {
			return of.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(result.Treatment)}
		}
	}
	return of.InterfaceResolutionDetail{
		Value:                    map[string]any{"treatment": result.Treatment, "config": config},
		ProviderResolutionDetail: detail,
	}
}

func (p *Provider) evaluate(ctx context.Context, flag string, flatCtx of.FlattenedContext) (sdk.TreatmentResult, of.ProviderResolutionDetail) {
	if p.shutdown.Load() {
		return sdk.TreatmentResult{}, errorDetail(of.NewProviderNotReadyResolutionError("provider has been shut down"), "")
	}
	if err := ctx.Err(); err != nil {
		return sdk.TreatmentResult{}, errorDetail(of.NewGeneralResolutionError(err.Error()), "")
	}

	rawKey, ok := flatCtx[of.TargetingKey]
	if !ok {
		return sdk.TreatmentResult{}, errorDetail(of.NewTargetingKeyMissingResolutionError("targeting key missing"), "")
	}
	matchingKey, ok := rawKey.(string)
	if !ok {
		return sdk.TreatmentResult{}, errorDetail(of.NewInvalidContextResolutionError("targeting key must be a string"), "")
	}
	key := sdk.Key{MatchingKey: matchingKey}
	if bucketing, ok := flatCtx[BucketingKeyKey].(string); ok {
		key.BucketingKey = bucketing
	}

	client, err := p.factory.Client(key)
	if err != nil {
		return sdk.TreatmentResult{}, errorDetail(of.NewProviderNotReadyResolutionError(err.Error()), "")
	}

	result := client.TreatmentWithConfig(flag, attributes(flatCtx))
	if result.Treatment == "" || result.Treatment == sdk.Control {
		return result, of.ProviderResolutionDetail{
			ResolutionError: of.NewFlagNotFoundResolutionError("flag not found"),
			Reason:          of.DefaultReason,
			Variant:         result.Treatment,
		}
	}

	detail := of.ProviderResolutionDetail{Reason: of.TargetingMatchReason, Variant: result.Treatment}
	if result.Config != nil {
		var config any
		if err := json.Unmarshal([]byte(*result.Config), &config); err == nil {
			detail.FlagMetadata = of.FlagMetadata{"config": config}
		} else {
			p.logger.Warn("failed to parse treatment configuration", "flag", flag, "error", err)
		}
	}
	return result, detail
}

func attributes(flatCtx of.FlattenedContext) map[string]any {
	attrs := make(map[string]any, len(flatCtx))
	for k, v := range flatCtx {
		if k == of.TargetingKey || k == BucketingKeyKey {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

func parseError(variant string) of.ProviderResolutionDetail {
	return errorDetail(of.NewParseErrorResolutionError("cannot parse treatment to given type"), variant)
}

func errorDetail(resErr of.ResolutionError, variant string) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{ResolutionError: resErr, Reason: of.ErrorReason, Variant: variant}
}
