// Package splitd provides client interfaces and types for the splitd
// treatment sidecar.
//
// Use the sub-packages to create transport-specific clients:
//
//	import splitdhttp "github.com/matt-riley/splitsdk/clients/go/http"
//	import splitdgrpc "github.com/matt-riley/splitsdk/clients/go/grpc"
package splitd

import "context"

// Control is the treatment returned when a split cannot be evaluated.
const Control = "control"

// Evaluator resolves treatments for a key.
type Evaluator interface {
	Treatment(ctx context.Context, key Key, split string, attributes map[string]any) (Treatment, error)
	Treatments(ctx context.Context, key Key, splits []string, attributes map[string]any) (map[string]Treatment, error)
}

// Tracker queues events for delivery.
type Tracker interface {
	Track(ctx context.Context, event Event) error
}

// ReadinessChecker reports whether the sidecar has synchronised its
// definitions.
type ReadinessChecker interface {
	Ready(ctx context.Context) (bool, error)
}

// Key identifies the subject of an evaluation. BucketingKey defaults to
// MatchingKey on the server when empty.
type Key struct {
	MatchingKey  string
	BucketingKey string
}

// Treatment is the outcome of evaluating one split.
type Treatment struct {
	Split     string
	Treatment string
	Config    *string // nil when the treatment has no configuration
}

// Event is a tracked event. TrafficType may be empty when the sidecar has a
// default traffic type configured.
type Event struct {
	Key         string
	TrafficType string
	EventType   string
	Value       *float64
}
