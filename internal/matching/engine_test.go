package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/compare"
	"github.com/Veraticus/recon-flow/internal/model"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func tol(v float64) *float64 { return &v }

func balanceConfig() *model.ReconciliationConfig {
	return &model.ReconciliationConfig{
		ID:   "cfg-1",
		Code: "GL",
		Mappings: []model.AttributeMapping{
			{SourceAttribute: "bal", TargetAttribute: "bal", Comparison: model.CompareNumericTol, Tolerance: tol(1.0)},
		},
		Policy: model.ComparisonPolicy{TrimWhitespace: true},
	}
}

func newEngine(t *testing.T, cfg *model.ReconciliationConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return e
}

func TestMatchWithinTolerance(t *testing.T) {
	e := newEngine(t, balanceConfig())

	res, err := e.Match(context.Background(), "RUN-1",
		[]model.Record{{"id": 1, "bal": 100}},
		[]model.Record{{"id": 1, "bal": 100.5}})
	require.NoError(t, err)

	assert.Empty(t, res.Discrepancies)
	assert.Equal(t, int64(1), res.Counts.Matched)
	assert.Equal(t, int64(0), res.Counts.Discrepancies)
}

func TestMatchMissingInTarget(t *testing.T) {
	e := newEngine(t, balanceConfig())

	res, err := e.Match(context.Background(), "RUN-1", []model.Record{{"id": 1}}, nil)
	require.NoError(t, err)

	require.Len(t, res.Discrepancies, 1)
	d := res.Discrepancies[0]
	assert.Equal(t, model.MissingInTarget, d.Type)
	assert.Equal(t, "1", d.RecordKey)
	assert.Equal(t, model.SeverityHigh, d.Severity)
	assert.Equal(t, "DISC-RUN-1-00000", d.Code)
	assert.Equal(t, `{"id":1}`, d.SourceRecordJSON)
	assert.Empty(t, d.TargetRecordJSON)
	assert.Equal(t, fixedNow, d.CreatedAt)
	assert.Equal(t, int64(1), res.Counts.MissingInTarget)
}

func TestMatchMissingInSourceFollowsTargetOrder(t *testing.T) {
	e := newEngine(t, balanceConfig())

	target := []model.Record{{"id": "c"}, {"id": "a"}, {"id": "b"}, {"id": "a"}}
	res, err := e.Match(context.Background(), "RUN-1", []model.Record{{"id": "b"}}, target)
	require.NoError(t, err)

	require.Len(t, res.Discrepancies, 2)
	assert.Equal(t, "c", res.Discrepancies[0].RecordKey)
	assert.Equal(t, "a", res.Discrepancies[1].RecordKey)
	for _, d := range res.Discrepancies {
		assert.Equal(t, model.MissingInSource, d.Type)
		assert.Equal(t, model.SeverityHigh, d.Severity)
	}
	assert.Equal(t, int64(1), res.Counts.DuplicateTargetKeys)
	assert.Equal(t, int64(1), res.Counts.Matched)
}

func TestMatchAttributeMismatch(t *testing.T) {
	cfg := &model.ReconciliationConfig{
		Code: "GL",
		Mappings: []model.AttributeMapping{
			{SourceAttribute: "name", TargetAttribute: "customer_name", DisplayName: "Customer", Comparison: model.CompareCaseInsensitive, SortOrder: 2, MismatchSeverity: model.SeverityLow},
			{SourceAttribute: "amount", TargetAttribute: "amt", Comparison: model.CompareExact, SortOrder: 1, MismatchSeverity: model.SeverityCritical},
			{SourceAttribute: "note", TargetAttribute: "memo", Comparison: model.CompareIgnore, SortOrder: 0},
		},
	}
	e := newEngine(t, cfg)

	res, err := e.Match(context.Background(), "RUN-9",
		[]model.Record{{"id": 7, "name": "Acme", "amount": 200.0, "note": "x"}},
		[]model.Record{{"id": 7, "customer_name": "Globex", "amt": 150, "memo": "y"}})
	require.NoError(t, err)

	require.Len(t, res.Discrepancies, 2)
	first, second := res.Discrepancies[0], res.Discrepancies[1]

	assert.Equal(t, "amount", first.Attribute, "mappings are compared in sort order")
	assert.Equal(t, model.SeverityCritical, first.Severity)
	assert.Equal(t, "200", first.SourceValue)
	assert.Equal(t, "150", first.TargetValue)
	require.NotNil(t, first.DifferenceAmount)
	assert.InDelta(t, 50.0, *first.DifferenceAmount, 1e-9)
	require.NotNil(t, first.DifferencePercent)
	assert.InDelta(t, 25.0, *first.DifferencePercent, 1e-9)
	assert.NotEmpty(t, first.SourceRecordJSON)
	assert.NotEmpty(t, first.TargetRecordJSON)

	assert.Equal(t, "Customer", second.Attribute)
	assert.Equal(t, model.SeverityLow, second.Severity)
	assert.Nil(t, second.DifferenceAmount)

	assert.Equal(t, int64(1), res.Counts.MismatchedRecords)
	assert.Equal(t, int64(2), res.Counts.AttributeMismatches)
	assert.Equal(t, int64(0), res.Counts.Matched)
}

func TestMatchCompositeKeysAndNull(t *testing.T) {
	cfg := &model.ReconciliationConfig{
		Code:          "GL",
		KeyAttributes: []string{"acct", "seq"},
		Mappings: []model.AttributeMapping{
			{SourceAttribute: "acct", TargetAttribute: "account", Comparison: model.CompareExact},
			{SourceAttribute: "seq", TargetAttribute: "seq", Comparison: model.CompareExact},
		},
	}
	e := newEngine(t, cfg)
	assert.Equal(t, []KeyPair{{Source: "acct", Target: "account"}, {Source: "seq", Target: "seq"}}, e.Keys())

	res, err := e.Match(context.Background(), "RUN-1",
		[]model.Record{{"acct": "A", "seq": 1}, {"acct": "B"}},
		[]model.Record{{"account": "A", "seq": "1"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Counts.Matched)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, "B|NULL", res.Discrepancies[0].RecordKey)
}

func TestResolveKeysPrefersFlaggedMappings(t *testing.T) {
	cfg := &model.ReconciliationConfig{
		KeyAttributes: []string{"ignored"},
		Mappings: []model.AttributeMapping{
			{SourceAttribute: "b", TargetAttribute: "tb", IsKey: true, SortOrder: 2},
			{SourceAttribute: "a", TargetAttribute: "ta", IsKey: true, SortOrder: 1},
			{SourceAttribute: "c", TargetAttribute: "tc"},
		},
	}
	assert.Equal(t, []KeyPair{{Source: "a", Target: "ta"}, {Source: "b", Target: "tb"}}, ResolveKeys(cfg))

	assert.Equal(t, []KeyPair{{Source: "id", Target: "id"}}, ResolveKeys(&model.ReconciliationConfig{}))
}

func TestMatchCapKeepsCounting(t *testing.T) {
	cfg := balanceConfig()
	cfg.MaxDiscrepancies = 3
	e := newEngine(t, cfg)

	var source []model.Record
	for i := 0; i < 10; i++ {
		source = append(source, model.Record{"id": i, "bal": 1})
	}
	res, err := e.Match(context.Background(), "RUN-1", source, nil)
	require.NoError(t, err)

	assert.Len(t, res.Discrepancies, 3)
	assert.Equal(t, int64(10), res.Counts.MissingInTarget)
	assert.Equal(t, int64(10), res.Counts.Discrepancies)
	assert.Equal(t, int64(3), res.Counts.PersistedDiscrepancies)
	assert.Equal(t, "DISC-RUN-1-00002", res.Discrepancies[2].Code)
}

func TestMatchEveryKeyClassifiedOnce(t *testing.T) {
	e := newEngine(t, balanceConfig())

	var source, target []model.Record
	for i := 0; i < 50; i++ {
		source = append(source, model.Record{"id": i, "bal": float64(i)})
	}
	for i := 25; i < 90; i++ {
		bal := float64(i)
		if i%5 == 0 {
			bal += 10
		}
		target = append(target, model.Record{"id": i, "bal": bal})
	}

	res, err := e.Match(context.Background(), "RUN-1", source, target)
	require.NoError(t, err)
	c := res.Counts

	assert.Equal(t, c.Source, c.Matched+c.MismatchedRecords+c.MissingInTarget)
	assert.Equal(t, c.Target, c.Matched+c.MismatchedRecords+c.MissingInSource)
	assert.Equal(t, int64(25), c.MissingInTarget)
	assert.Equal(t, int64(40), c.MissingInSource)
	assert.Equal(t, int64(5), c.MismatchedRecords)
}

func TestMatchIsDeterministic(t *testing.T) {
	e := newEngine(t, balanceConfig())

	var source, target []model.Record
	for i := 0; i < 200; i++ {
		source = append(source, model.Record{"id": fmt.Sprintf("k%03d", i), "bal": i})
		if i%3 != 0 {
			target = append(target, model.Record{"id": fmt.Sprintf("k%03d", i), "bal": i * 2})
		}
	}
	for i := 300; i < 320; i++ {
		target = append(target, model.Record{"id": fmt.Sprintf("k%03d", i), "bal": i})
	}

	first, err := e.Match(context.Background(), "RUN-1", source, target)
	require.NoError(t, err)
	second, err := e.Match(context.Background(), "RUN-1", source, target)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMatchEmptySides(t *testing.T) {
	e := newEngine(t, balanceConfig())

	res, err := e.Match(context.Background(), "RUN-1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Discrepancies)
	assert.Equal(t, model.RunCounts{}, res.Counts)
}

func TestMatchHonorsCancelledContext(t *testing.T) {
	e := newEngine(t, balanceConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Match(ctx, "RUN-1", []model.Record{{"id": 1}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngineValidatesMappings(t *testing.T) {
	cfg := balanceConfig()
	cfg.Mappings = append(cfg.Mappings, model.AttributeMapping{
		SourceAttribute: "ref", TargetAttribute: "ref", Comparison: model.CompareRegex, FormatPattern: "([",
	})
	_, err := NewEngine(cfg, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	disabled := false
	cfg.Mappings[1].Enabled = &disabled
	_, err = NewEngine(cfg, nil)
	assert.NoError(t, err, "disabled mappings are not validated")

	cfg.Mappings = append(cfg.Mappings, model.AttributeMapping{
		SourceAttribute: "x", TargetAttribute: "x", Comparison: model.CompareCustom, CustomRule: "fuzzy",
	})
	_, err = NewEngine(cfg, nil)
	require.Error(t, err)

	reg := compare.NewRegistry()
	reg.RegisterCustom("fuzzy", func(_, _ any) bool { return true })
	_, err = NewEngine(cfg, reg)
	assert.NoError(t, err)
}
