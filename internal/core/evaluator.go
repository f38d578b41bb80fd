package core

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrNoPartitions = errors.New("condition has no partitions")

// Evaluator resolves a treatment for a key. A returned error means the
// evaluation faulted and the caller should serve Control.
type Evaluator interface {
	Evaluate(key Key, split string, attributes map[string]any) (EvaluationResult, error)
}

// SplitLookup reads split definitions from a local cache.
type SplitLookup interface {
	Split(name string) (Split, bool)
}

// SegmentLookup reports segment membership for the evaluated key.
type SegmentLookup interface {
	InSegment(name string) bool
}

// RuleEvaluator walks a split's conditions in order and serves the first
// matching condition's treatment. Percentage partitions are not bucketed:
// the largest partition wins.
type RuleEvaluator struct {
	splits   SplitLookup
	segments SegmentLookup
}

func NewRuleEvaluator(splits SplitLookup, segments SegmentLookup) *RuleEvaluator {
	return &RuleEvaluator{splits: splits, segments: segments}
}

func (e *RuleEvaluator) Evaluate(key Key, name string, attributes map[string]any) (EvaluationResult, error) {
	split, ok := e.splits.Split(name)
	if !ok || split.Status == StatusArchived {
		return ControlResult(LabelDefinitionNotFound), nil
	}

	changeNumber := split.ChangeNumber
	result := EvaluationResult{ChangeNumber: &changeNumber}

	if split.Killed {
		return split.defaultResult(result, LabelKilled), nil
	}

	for _, condition := range split.Conditions {
		if !e.conditionMatches(condition, key, attributes) {
			continue
		}

		treatment, err := dominantTreatment(condition.Partitions)
		if err != nil {
			return ControlResult(LabelException), fmt.Errorf("split %q condition %q: %w", name, condition.Label, err)
		}

		result.Treatment = treatment
		result.Label = condition.Label
		result.Config = split.config(treatment)
		return result, nil
	}

	return split.defaultResult(result, LabelDefaultRule), nil
}

func (s Split) defaultResult(result EvaluationResult, label string) EvaluationResult {
	if s.DefaultTreatment == "" {
		result.Treatment = Control
		result.Label = LabelNoConditionMatched
		return result
	}
	result.Treatment = s.DefaultTreatment
	result.Label = label
	result.Config = s.config(s.DefaultTreatment)
	return result
}

func (s Split) config(treatment string) *string {
	config, ok := s.Configurations[treatment]
	if !ok {
		return nil
	}
	return &config
}

func (e *RuleEvaluator) conditionMatches(condition Condition, key Key, attributes map[string]any) bool {
	for _, matcher := range condition.Matchers {
		if e.matcherMatches(matcher, key, attributes) == matcher.Negate {
			return false
		}
	}
	return true
}

func (e *RuleEvaluator) matcherMatches(matcher Matcher, key Key, attributes map[string]any) bool {
	switch matcher.Operator {
	case OperatorAllKeys:
		return true
	case OperatorInSegment:
		return e.segments != nil && e.segments.InSegment(matcher.Segment)
	}

	var value any = key.MatchingKey
	if matcher.Attribute != "" {
		attributeValue, ok := attributes[matcher.Attribute]
		if !ok {
			return false
		}
		value = attributeValue
	}

	switch matcher.Operator {
	case OperatorEquals:
		return valuesEqual(value, matcher.Value)
	case OperatorIn:
		return valueIn(value, matcher.Value)
	default:
		return false
	}
}

func dominantTreatment(partitions []Partition) (string, error) {
	if len(partitions) == 0 {
		return "", ErrNoPartitions
	}

	best := partitions[0]
	for _, partition := range partitions[1:] {
		if partition.Size > best.Size {
			best = partition
		}
	}
	if best.Treatment == "" {
		return "", ErrNoPartitions
	}
	return best.Treatment, nil
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}
