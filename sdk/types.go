// Package sdk is the public entry point: a Factory owns the shared split
// cache and telemetry queues, and hands out one Client per user key.
//
// Every Client method is total. Invalid input, missing definitions, an
// evaluator fault or a destroyed client all resolve to the "control"
// treatment instead of an error, and no call blocks on the network.
package sdk

import (
	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/events"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/queue"
)

const Control = core.Control

type (
	Key              = core.Key
	Split            = core.Split
	Impression       = core.Impression
	EventRecord      = core.EventRecord
	EvaluationResult = core.EvaluationResult
	Event            = events.Event
)

const (
	SDKReady          = events.SDKReady
	SDKReadyFromCache = events.SDKReadyFromCache
	SDKReadyTimedOut  = events.SDKReadyTimedOut
)

// SplitSource fetches split definitions newer than a change number.
type SplitSource = fetcher.ChangeFetcher[[]core.Split]

// SegmentSource builds the segment membership fetcher for one key.
type SegmentSource interface {
	SegmentsFor(matchingKey string) fetcher.ChangeFetcher[[]string]
}

type (
	ImpressionTransport = queue.Transport[core.Impression]
	EventTransport      = queue.Transport[core.EventRecord]
)

// ImpressionListener observes every impression, including the attributes
// used for the evaluation.
type ImpressionListener func(Impression)

// EvaluatorFactory builds the evaluator for a client.
type EvaluatorFactory func(splits core.SplitLookup, segments core.SegmentLookup) core.Evaluator

// TreatmentResult is a treatment with its optional configuration.
type TreatmentResult struct {
	Treatment string  `json:"treatment"`
	Config    *string `json:"config,omitempty"`
}
