// Package localhost serves split definitions from a YAML file instead of
// the control service, for development and tests.
//
// The file is a list of single-entry maps, one per treatment rule:
//
//	- checkout:
//	    treatment: "on"
//	    keys: ["alice", "bob"]
//	    config: '{"color":"green"}'
//	- checkout:
//	    treatment: "off"
//
// Entries with keys become whitelist conditions evaluated in file order;
// an entry without keys sets the treatment served to everyone else.
package localhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/splitsdk/internal/core"
	"github.com/matt-riley/splitsdk/internal/fetcher"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/queue"
)

const trafficType = "localhost"

var ErrEmptyPath = errors.New("localhost: definitions path is empty")

// keyList accepts either a single key or a sequence of keys.
type keyList []string

func (k *keyList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*k = keyList{value.Value}
		return nil
	case yaml.SequenceNode:
		var keys []string
		if err := value.Decode(&keys); err != nil {
			return err
		}
		*k = keys
		return nil
	default:
		return fmt.Errorf("line %d: keys must be a string or a list of strings", value.Line)
	}
}

type entry struct {
	Treatment string  `yaml:"treatment"`
	Keys      keyList `yaml:"keys"`
	Config    string  `yaml:"config"`
}

// Parse converts the YAML document into splits stamped with changeNumber.
// Splits are returned in the order they first appear.
func Parse(data []byte, changeNumber int64) ([]core.Split, error) {
	var doc []map[string]entry
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("localhost: parse definitions: %w", err)
	}

	var (
		order  []string
		splits = make(map[string]*core.Split)
	)
	for i, item := range doc {
		for name, e := range item {
			if name == "" {
				return nil, fmt.Errorf("localhost: entry %d: split name is empty", i)
			}
			if e.Treatment == "" {
				return nil, fmt.Errorf("localhost: entry %d (%s): treatment is required", i, name)
			}
			s, ok := splits[name]
			if !ok {
				s = &core.Split{
					Name:             name,
					TrafficTypeName:  trafficType,
					Status:           core.StatusActive,
					DefaultTreatment: core.Control,
					ChangeNumber:     changeNumber,
				}
				splits[name] = s
				order = append(order, name)
			}
			if e.Config != "" {
				if s.Configurations == nil {
					s.Configurations = make(map[string]string)
				}
				s.Configurations[e.Treatment] = e.Config
			}
			if len(e.Keys) == 0 {
				s.DefaultTreatment = e.Treatment
				continue
			}
			s.Conditions = append(s.Conditions, core.Condition{
				Label:      "whitelisted",
				Matchers:   []core.Matcher{{Operator: core.OperatorIn, Value: []string(e.Keys)}},
				Partitions: []core.Partition{{Treatment: e.Treatment, Size: 100}},
			})
		}
	}

	out := make([]core.Split, 0, len(order))
	for _, name := range order {
		out = append(out, *splits[name])
	}
	return out, nil
}

// Source re-reads the definitions file on every poll. The file digest is
// the version, so an untouched file costs one read and no cache update.
type Source struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	names []string
}

type Option func(*Source)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSource(path string, opts ...Option) (*Source, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	s := &Source{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "localhost")
	return s, nil
}

// Fetch implements fetcher.ChangeFetcher. Splits dropped from the file are
// reported as archived so the cache forgets them.
func (s *Source) Fetch(_ context.Context, since int64) (*fetcher.Change[[]core.Split], error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("localhost: read definitions: %w", err)
	}
	version := int64(xxhash.Sum64(data) & math.MaxInt64)
	if version == since {
		return nil, nil
	}
	splits, err := Parse(data, version)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := make([]string, 0, len(splits))
	for _, split := range splits {
		current = append(current, split.Name)
	}
	for _, name := range s.names {
		if !slices.Contains(current, name) {
			splits = append(splits, core.Split{Name: name, Status: core.StatusArchived, ChangeNumber: version})
		}
	}
	s.names = current

	s.logger.Info("definitions loaded", "path", s.path, "splits", len(current))
	return &fetcher.Change[[]core.Split]{Data: splits, Version: version}, nil
}

// Segments reports that no key belongs to any segment.
type Segments struct{}

func (Segments) SegmentsFor(string) fetcher.ChangeFetcher[[]string] {
	return fetcher.ChangeFetcherFunc[[]string](func(_ context.Context, since int64) (*fetcher.Change[[]string], error) {
		if since == 0 {
			return nil, nil
		}
		return &fetcher.Change[[]string]{Version: 0}, nil
	})
}

// DiscardTransport logs batches at debug level and drops them.
func DiscardTransport[T any](logger *slog.Logger, kind string) queue.Transport[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return queue.TransportFunc[T](func(_ context.Context, batch []T) error {
		logger.Debug("localhost mode: telemetry discarded", "kind", kind, "count", len(batch))
		return nil
	})
}
