package sdk

import "time"

// Config tunes refresh rates and telemetry batching. Zero fields take the
// defaults from DefaultConfig.
type Config struct {
	FeaturesRefreshRate   time.Duration
	SegmentsRefreshRate   time.Duration
	ImpressionRefreshRate time.Duration
	ImpressionsChunkSize  int
	ImpressionsQueueSize  int
	EventsPushRate        time.Duration
	EventsFirstPushWindow time.Duration
	EventsPerPush         int
	EventsQueueSize       int
	// ReadyTimeout arms SDKReadyTimedOut. Negative disables it.
	ReadyTimeout time.Duration
	FetchTimeout time.Duration
	// LabelsDisabled strips rule labels from impressions.
	LabelsDisabled bool
	// TrafficType is used by Track when the caller passes none.
	TrafficType string
}

func DefaultConfig() Config {
	return Config{
		FeaturesRefreshRate:   time.Hour,
		SegmentsRefreshRate:   30 * time.Minute,
		ImpressionRefreshRate: 30 * time.Minute,
		ImpressionsChunkSize:  100,
		ImpressionsQueueSize:  10000,
		EventsPushRate:        30 * time.Minute,
		EventsFirstPushWindow: 10 * time.Second,
		EventsPerPush:         2000,
		EventsQueueSize:       10000,
		ReadyTimeout:          10 * time.Second,
		FetchTimeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	setDuration(&c.FeaturesRefreshRate, defaults.FeaturesRefreshRate)
	setDuration(&c.SegmentsRefreshRate, defaults.SegmentsRefreshRate)
	setDuration(&c.ImpressionRefreshRate, defaults.ImpressionRefreshRate)
	setDuration(&c.EventsPushRate, defaults.EventsPushRate)
	setDuration(&c.FetchTimeout, defaults.FetchTimeout)
	setInt(&c.ImpressionsChunkSize, defaults.ImpressionsChunkSize)
	setInt(&c.ImpressionsQueueSize, defaults.ImpressionsQueueSize)
	setInt(&c.EventsPerPush, defaults.EventsPerPush)
	setInt(&c.EventsQueueSize, defaults.EventsQueueSize)
	if c.EventsFirstPushWindow < 0 {
		c.EventsFirstPushWindow = 0
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaults.ReadyTimeout
	}
	return c
}

func setDuration(field *time.Duration, fallback time.Duration) {
	if *field <= 0 {
		*field = fallback
	}
}

func setInt(field *int, fallback int) {
	if *field <= 0 {
		*field = fallback
	}
}
