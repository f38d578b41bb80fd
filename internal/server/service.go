package server

import (
	"github.com/matt-riley/splitsdk/sdk"
)

// ClientProvider hands out the SDK client for a key.
type ClientProvider interface {
	Client(key sdk.Key, opts ...sdk.ClientOption) (*sdk.Client, error)
}

var _ ClientProvider = (*sdk.Factory)(nil)

// ReadinessFunc reports whether the sidecar has synced definitions.
type ReadinessFunc func() bool
