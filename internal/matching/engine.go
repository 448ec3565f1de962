// Package matching joins a source and a target record set by business key and
// classifies every record as matched, mismatched or missing on one side.
package matching

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/compare"
	"github.com/Veraticus/recon-flow/internal/model"
)

// cancellation is checked once per this many source records
const ctxCheckInterval = 1000

// KeyPair names the attribute carrying one key component on each side.
type KeyPair struct {
	Source string
	Target string
}

// Result is the outcome of matching one source set against one target set.
type Result struct {
	Discrepancies []model.Discrepancy
	Counts        model.RunCounts
}

// Engine matches records for one reconciliation config. It is safe for
// concurrent use; Match keeps all state on the stack.
type Engine struct {
	cmp      *compare.Comparator
	logger   *slog.Logger
	now      func() time.Time
	keys     []KeyPair
	mappings []model.AttributeMapping
	limit    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for discrepancy timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine validates the config's mappings against the registry and resolves
// the key attributes. A nil registry carries only the built-in transformations.
func NewEngine(cfg *model.ReconciliationConfig, registry *compare.Registry, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, common.NewValidationError("config", "config is required")
	}

	cmp := compare.New(cfg.Policy, registry)
	mappings := cfg.EnabledMappings()
	for _, m := range mappings {
		if err := cmp.Validate(m); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cmp:      cmp,
		keys:     ResolveKeys(cfg),
		mappings: mappings,
		limit:    cfg.DiscrepancyCap(),
		now:      time.Now,
		logger:   common.Component("matching"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Keys returns the resolved key attribute pairs.
func (e *Engine) Keys() []KeyPair {
	return append([]KeyPair(nil), e.keys...)
}

// ResolveKeys returns the key attribute pairs for a config. Mappings flagged as
// keys win, in sort order. Otherwise each primary-key name is used on the source
// side and translated through the mapping with that source attribute, or used
// verbatim on the target side when no mapping names it.
func ResolveKeys(cfg *model.ReconciliationConfig) []KeyPair {
	var flagged []model.AttributeMapping
	for _, m := range cfg.Mappings {
		if m.IsKey {
			flagged = append(flagged, m)
		}
	}
	if len(flagged) > 0 {
		sort.SliceStable(flagged, func(i, j int) bool {
			return flagged[i].SortOrder < flagged[j].SortOrder
		})
		pairs := make([]KeyPair, len(flagged))
		for i, m := range flagged {
			pairs[i] = KeyPair{Source: m.SourceAttribute, Target: m.TargetAttribute}
		}
		return pairs
	}

	names := cfg.PrimaryKey()
	pairs := make([]KeyPair, len(names))
	for i, name := range names {
		pairs[i] = KeyPair{Source: name, Target: name}
		for _, m := range cfg.Mappings {
			if m.SourceAttribute == name {
				pairs[i].Target = m.TargetAttribute
				break
			}
		}
	}
	return pairs
}

// BuildKey renders the key of a record from the given attributes.
func BuildKey(record model.Record, attrs []string) string {
	parts := make([]string, len(attrs))
	for i, attr := range attrs {
		parts[i] = model.KeyPart(record.Get(attr))
	}
	return strings.Join(parts, "|")
}

func (e *Engine) sourceAttrs() []string {
	attrs := make([]string, len(e.keys))
	for i, k := range e.keys {
		attrs[i] = k.Source
	}
	return attrs
}

func (e *Engine) targetAttrs() []string {
	attrs := make([]string, len(e.keys))
	for i, k := range e.keys {
		attrs[i] = k.Target
	}
	return attrs
}

type collector struct {
	createdAt time.Time
	runID     string
	out       []model.Discrepancy
	counts    *model.RunCounts
	limit     int
}

// add counts the discrepancy and keeps it while under the cap.
func (c *collector) add(d model.Discrepancy) {
	c.counts.Discrepancies++
	if len(c.out) >= c.limit {
		return
	}
	seq := int64(len(c.out))
	d.Code = model.DiscrepancyCode(c.runID, seq)
	d.RunID = c.runID
	d.RowNumber = seq
	d.CreatedAt = c.createdAt
	c.out = append(c.out, d)
}

// Match indexes the target set, walks the source set once and sweeps the
// unvisited target keys. Output is deterministic for identical inputs.
func (e *Engine) Match(ctx context.Context, runID string, source, target []model.Record) (*Result, error) {
	result := &Result{}
	counts := &result.Counts
	counts.Source = int64(len(source))
	counts.Target = int64(len(target))

	col := &collector{runID: runID, limit: e.limit, counts: counts, createdAt: e.now()}

	targetAttrs := e.targetAttrs()
	index := make(map[string]model.Record, len(target))
	order := make([]string, 0, len(target))
	for _, rec := range target {
		key := BuildKey(rec, targetAttrs)
		if _, seen := index[key]; seen {
			counts.DuplicateTargetKeys++
			e.logger.Warn("duplicate target key, later record wins", "run_id", runID, "key", key)
		} else {
			order = append(order, key)
		}
		index[key] = rec
	}

	sourceAttrs := e.sourceAttrs()
	visited := make(map[string]struct{}, len(index))
	for i, rec := range source {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		key := BuildKey(rec, sourceAttrs)
		match, ok := index[key]
		if !ok {
			counts.MissingInTarget++
			col.add(model.Discrepancy{
				Type:             model.MissingInTarget,
				Severity:         model.SeverityHigh,
				RecordKey:        key,
				SourceRecordJSON: rec.JSON(),
			})
			continue
		}
		visited[key] = struct{}{}

		mismatches := 0
		for _, m := range e.mappings {
			if m.Comparison == model.CompareIgnore {
				continue
			}
			sv, tv := rec.Get(m.SourceAttribute), match.Get(m.TargetAttribute)
			if e.cmp.Equal(m, sv, tv) {
				continue
			}
			mismatches++
			counts.AttributeMismatches++
			amount, pct := compare.Difference(sv, tv)
			col.add(model.Discrepancy{
				Type:              model.AttributeMismatch,
				Severity:          m.Severity(),
				RecordKey:         key,
				Attribute:         m.Label(),
				SourceValue:       model.FormatValue(sv),
				TargetValue:       model.FormatValue(tv),
				DifferenceAmount:  amount,
				DifferencePercent: pct,
				SourceRecordJSON:  rec.JSON(),
				TargetRecordJSON:  match.JSON(),
			})
		}
		if mismatches == 0 {
			counts.Matched++
		} else {
			counts.MismatchedRecords++
		}
	}

	for _, key := range order {
		if _, ok := visited[key]; ok {
			continue
		}
		counts.MissingInSource++
		col.add(model.Discrepancy{
			Type:             model.MissingInSource,
			Severity:         model.SeverityHigh,
			RecordKey:        key,
			TargetRecordJSON: index[key].JSON(),
		})
	}

	result.Discrepancies = col.out
	counts.PersistedDiscrepancies = int64(len(col.out))
	return result, nil
}
