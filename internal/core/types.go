package core

// Control is the treatment served whenever a definition cannot be
// evaluated. It is never empty, so callers can always branch on it.
const Control = "control"

// Impression labels.
const (
	LabelKilled             = "killed"
	LabelDefaultRule        = "default rule"
	LabelDefinitionNotFound = "definition not found"
	LabelException          = "exception"
	LabelNoConditionMatched = "no condition matched"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

type Operator string

const (
	OperatorAllKeys   Operator = "all_keys"
	OperatorEquals    Operator = "equals"
	OperatorIn        Operator = "in"
	OperatorInSegment Operator = "in_segment"
)

// Key identifies the user being evaluated. BucketingKey falls back to
// MatchingKey when unset.
type Key struct {
	MatchingKey  string `json:"matchingKey"`
	BucketingKey string `json:"bucketingKey,omitempty"`
}

func NewKey(matchingKey string) Key {
	return Key{MatchingKey: matchingKey, BucketingKey: matchingKey}
}

// Bucketing returns the effective bucketing key.
func (k Key) Bucketing() string {
	if k.BucketingKey == "" {
		return k.MatchingKey
	}
	return k.BucketingKey
}

type EvaluationResult struct {
	Treatment    string
	Label        string
	Config       *string
	ChangeNumber *int64
}

// ControlResult is the safe default for a failed evaluation.
func ControlResult(label string) EvaluationResult {
	return EvaluationResult{Treatment: Control, Label: label}
}

// Impression records that a treatment was served. Attributes travel to
// impression listeners only and are never sent upstream.
type Impression struct {
	Feature      string         `json:"feature"`
	KeyName      string         `json:"keyName"`
	BucketingKey string         `json:"bucketingKey,omitempty"`
	Label        string         `json:"label,omitempty"`
	ChangeNumber *int64         `json:"changeNumber,omitempty"`
	Treatment    string         `json:"treatment"`
	Time         int64          `json:"time"`
	Attributes   map[string]any `json:"-"`
}

type EventRecord struct {
	TrafficType string   `json:"trafficTypeName"`
	EventType   string   `json:"eventTypeId"`
	Key         string   `json:"key"`
	Value       *float64 `json:"value,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

type Split struct {
	Name             string            `json:"name"`
	TrafficTypeName  string            `json:"trafficTypeName"`
	Killed           bool              `json:"killed"`
	Status           Status            `json:"status"`
	DefaultTreatment string            `json:"defaultTreatment"`
	ChangeNumber     int64             `json:"changeNumber"`
	Conditions       []Condition       `json:"conditions,omitempty"`
	Configurations   map[string]string `json:"configurations,omitempty"`
}

// Condition matches when every matcher matches.
type Condition struct {
	Label      string      `json:"label"`
	Matchers   []Matcher   `json:"matchers,omitempty"`
	Partitions []Partition `json:"partitions"`
}

type Partition struct {
	Treatment string `json:"treatment"`
	Size      int    `json:"size"`
}

// Matcher tests one attribute, or the matching key when Attribute is
// empty.
type Matcher struct {
	Attribute string   `json:"attribute,omitempty"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value,omitempty"`
	Segment   string   `json:"segment,omitempty"`
	Negate    bool     `json:"negate,omitempty"`
}
