package core

import (
	"errors"
	"testing"
)

type fakeSplits map[string]Split

func (f fakeSplits) Split(name string) (Split, bool) {
	split, ok := f[name]
	return split, ok
}

type fakeSegments map[string]bool

func (f fakeSegments) InSegment(name string) bool {
	return f[name]
}

func strPtr(value string) *string {
	return &value
}

func onForAll(label string) Condition {
	return Condition{
		Label:      label,
		Matchers:   []Matcher{{Operator: OperatorAllKeys}},
		Partitions: []Partition{{Treatment: "on", Size: 100}},
	}
}

func TestRuleEvaluatorEvaluate(t *testing.T) {
	splits := fakeSplits{
		"killed": {
			Name: "killed", Killed: true, DefaultTreatment: "off", ChangeNumber: 7,
			Conditions: []Condition{onForAll("in segment all")},
		},
		"archived": {Name: "archived", Status: StatusArchived, DefaultTreatment: "off"},
		"whitelist": {
			Name: "whitelist", DefaultTreatment: "off", ChangeNumber: 3,
			Conditions: []Condition{{
				Label:      "whitelisted",
				Matchers:   []Matcher{{Operator: OperatorIn, Value: []string{"alice", "bob"}}},
				Partitions: []Partition{{Treatment: "on", Size: 100}},
			}},
		},
		"country": {
			Name: "country", DefaultTreatment: "off",
			Conditions: []Condition{{
				Label:      "country equals US",
				Matchers:   []Matcher{{Attribute: "country", Operator: OperatorEquals, Value: "US"}},
				Partitions: []Partition{{Treatment: "us", Size: 100}},
			}},
		},
		"segment": {
			Name: "segment", DefaultTreatment: "off",
			Conditions: []Condition{{
				Label:      "in segment beta",
				Matchers:   []Matcher{{Operator: OperatorInSegment, Segment: "beta"}},
				Partitions: []Partition{{Treatment: "beta", Size: 100}},
			}},
		},
		"negated": {
			Name: "negated", DefaultTreatment: "off",
			Conditions: []Condition{{
				Label:      "not in segment staff",
				Matchers:   []Matcher{{Operator: OperatorInSegment, Segment: "staff", Negate: true}},
				Partitions: []Partition{{Treatment: "on", Size: 100}},
			}},
		},
		"rollout": {
			Name: "rollout", DefaultTreatment: "off",
			Conditions: []Condition{{
				Label:      "default rule",
				Matchers:   []Matcher{{Operator: OperatorAllKeys}},
				Partitions: []Partition{{Treatment: "on", Size: 30}, {Treatment: "off", Size: 70}},
			}},
		},
		"configured": {
			Name: "configured", DefaultTreatment: "off",
			Conditions:     []Condition{onForAll("in segment all")},
			Configurations: map[string]string{"on": `{"color":"blue"}`},
		},
		"no-default": {Name: "no-default"},
	}
	evaluator := NewRuleEvaluator(splits, fakeSegments{"beta": true})

	tests := []struct {
		name          string
		split         string
		key           Key
		attributes    map[string]any
		wantTreatment string
		wantLabel     string
		wantConfig    *string
	}{
		{name: "missing split serves control", split: "missing", key: NewKey("alice"), wantTreatment: Control, wantLabel: LabelDefinitionNotFound},
		{name: "archived split serves control", split: "archived", key: NewKey("alice"), wantTreatment: Control, wantLabel: LabelDefinitionNotFound},
		{name: "killed split serves default treatment", split: "killed", key: NewKey("alice"), wantTreatment: "off", wantLabel: LabelKilled},
		{name: "whitelisted key matches", split: "whitelist", key: NewKey("bob"), wantTreatment: "on", wantLabel: "whitelisted"},
		{name: "key outside whitelist falls back", split: "whitelist", key: NewKey("carol"), wantTreatment: "off", wantLabel: LabelDefaultRule},
		{name: "attribute equals matches", split: "country", key: NewKey("carol"), attributes: map[string]any{"country": "US"}, wantTreatment: "us", wantLabel: "country equals US"},
		{name: "missing attribute falls back", split: "country", key: NewKey("carol"), wantTreatment: "off", wantLabel: LabelDefaultRule},
		{name: "segment membership matches", split: "segment", key: NewKey("carol"), wantTreatment: "beta", wantLabel: "in segment beta"},
		{name: "negated matcher matches non members", split: "negated", key: NewKey("carol"), wantTreatment: "on", wantLabel: "not in segment staff"},
		{name: "largest partition wins", split: "rollout", key: NewKey("carol"), wantTreatment: "off", wantLabel: "default rule"},
		{name: "config returned for treatment", split: "configured", key: NewKey("carol"), wantTreatment: "on", wantLabel: "in segment all", wantConfig: strPtr(`{"color":"blue"}`)},
		{name: "empty default treatment serves control", split: "no-default", key: NewKey("carol"), wantTreatment: Control, wantLabel: LabelNoConditionMatched},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(test.key, test.split, test.attributes)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got.Treatment != test.wantTreatment {
				t.Fatalf("Evaluate().Treatment = %q, want %q", got.Treatment, test.wantTreatment)
			}
			if got.Label != test.wantLabel {
				t.Fatalf("Evaluate().Label = %q, want %q", got.Label, test.wantLabel)
			}
			switch {
			case test.wantConfig == nil && got.Config != nil:
				t.Fatalf("Evaluate().Config = %q, want nil", *got.Config)
			case test.wantConfig != nil && (got.Config == nil || *got.Config != *test.wantConfig):
				t.Fatalf("Evaluate().Config = %v, want %q", got.Config, *test.wantConfig)
			}
		})
	}
}

func TestRuleEvaluatorSetsChangeNumber(t *testing.T) {
	evaluator := NewRuleEvaluator(fakeSplits{
		"flag": {Name: "flag", DefaultTreatment: "off", ChangeNumber: 42},
	}, nil)

	got, err := evaluator.Evaluate(NewKey("alice"), "flag", nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.ChangeNumber == nil || *got.ChangeNumber != 42 {
		t.Fatalf("Evaluate().ChangeNumber = %v, want 42", got.ChangeNumber)
	}
}

func TestRuleEvaluatorConditionWithoutPartitionsFaults(t *testing.T) {
	evaluator := NewRuleEvaluator(fakeSplits{
		"broken": {
			Name: "broken", DefaultTreatment: "off",
			Conditions: []Condition{{Label: "broken", Matchers: []Matcher{{Operator: OperatorAllKeys}}}},
		},
	}, nil)

	got, err := evaluator.Evaluate(NewKey("alice"), "broken", nil)
	if !errors.Is(err, ErrNoPartitions) {
		t.Fatalf("Evaluate() error = %v, want %v", err, ErrNoPartitions)
	}
	if got.Treatment != Control {
		t.Fatalf("Evaluate().Treatment = %q, want %q", got.Treatment, Control)
	}
}

func TestKeyBucketing(t *testing.T) {
	if got := (Key{MatchingKey: "alice"}).Bucketing(); got != "alice" {
		t.Fatalf("Bucketing() = %q, want %q", got, "alice")
	}
	if got := (Key{MatchingKey: "alice", BucketingKey: "team-1"}).Bucketing(); got != "team-1" {
		t.Fatalf("Bucketing() = %q, want %q", got, "team-1")
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		right any
		want  bool
	}{
		{name: "strings", left: "US", right: "US", want: true},
		{name: "mixed int and float", left: int32(1), right: 1.0, want: true},
		{name: "fractional float never equals int", left: 1, right: 1.5, want: false},
		{name: "negative int never equals uint", left: -1, right: uint(1), want: false},
		{name: "large integers keep precision", left: int64(9007199254740993), right: uint64(9007199254740992), want: false},
		{name: "large integers match exactly", left: int64(9007199254740993), right: uint64(9007199254740993), want: true},
		{name: "string and number differ", left: "1", right: 1, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := valuesEqual(test.left, test.right); got != test.want {
				t.Fatalf("valuesEqual(%v, %v) = %t, want %t", test.left, test.right, got, test.want)
			}
			if got := valuesEqual(test.right, test.left); got != test.want {
				t.Fatalf("valuesEqual(%v, %v) = %t, want %t", test.right, test.left, got, test.want)
			}
		})
	}
}
