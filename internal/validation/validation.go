// Package validation checks caller input at the SDK boundary. Errors stop
// the call and the caller serves a safe default; warnings are logged and
// the normalized input is used.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/matt-riley/splitsdk/internal/core"
)

const MaxKeyLength = 250

var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9][-_.:a-zA-Z0-9]{0,79}$`)

// Error describes a rejected or normalized input. Tag names the public
// method that received it.
type Error struct {
	Message string
	IsError bool
	Tag     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func failure(tag string, format string, args ...any) *Error {
	return &Error{Tag: tag, IsError: true, Message: fmt.Sprintf(format, args...)}
}

func warning(tag string, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// ValidateKey returns the key with its bucketing key defaulted.
func ValidateKey(tag string, key core.Key) (core.Key, *Error) {
	if strings.TrimSpace(key.MatchingKey) == "" {
		return key, failure(tag, "you passed an empty matching key, matching key must be a non-empty string")
	}
	if len(key.MatchingKey) > MaxKeyLength {
		return key, failure(tag, "matching key too long - must be %d characters or less", MaxKeyLength)
	}
	if key.BucketingKey == "" {
		key.BucketingKey = key.MatchingKey
		return key, nil
	}
	if strings.TrimSpace(key.BucketingKey) == "" {
		return key, failure(tag, "you passed an empty bucketing key, bucketing key must be a non-empty string")
	}
	if len(key.BucketingKey) > MaxKeyLength {
		return key, failure(tag, "bucketing key too long - must be %d characters or less", MaxKeyLength)
	}
	return key, nil
}

// ValidateSplitName returns the trimmed name. Surrounding whitespace is a
// warning, an empty name is an error.
func ValidateSplitName(tag string, name string) (string, *Error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", failure(tag, "you passed an empty split name, split name must be a non-empty string")
	}
	if trimmed != name {
		return trimmed, warning(tag, "split name %q has extra whitespace, trimming", name)
	}
	return name, nil
}

// ValidateEvent returns a record with the traffic type lowercased.
// Timestamp is left to the caller.
func ValidateEvent(tag string, key string, trafficType string, eventType string, value *float64) (core.EventRecord, *Error) {
	record := core.EventRecord{Key: key, EventType: eventType, Value: value}

	if _, err := ValidateKey(tag, core.NewKey(key)); err != nil {
		return record, err
	}

	if strings.TrimSpace(trafficType) == "" {
		return record, failure(tag, "you passed an empty traffic type name, traffic type name must be a non-empty string")
	}

	if strings.TrimSpace(eventType) == "" {
		return record, failure(tag, "you passed an empty event type, event type must be a non-empty string")
	}
	if !eventTypePattern.MatchString(eventType) {
		return record, failure(tag, "you passed %q, event name must adhere to the regular expression %s", eventType, eventTypePattern)
	}

	if value != nil && (math.IsNaN(*value) || math.IsInf(*value, 0)) {
		return record, failure(tag, "value must be a finite number")
	}

	record.TrafficType = strings.ToLower(trafficType)
	if record.TrafficType != trafficType {
		return record, warning(tag, "traffic type name %q should be all lowercase - converting string to lowercase", trafficType)
	}
	return record, nil
}
