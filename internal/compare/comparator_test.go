package compare

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

func tol(v float64) *float64 { return &v }

func mapping(kind model.ComparisonType) model.AttributeMapping {
	return model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: kind}
}

func TestEqualByComparisonType(t *testing.T) {
	policy := model.ComparisonPolicy{TrimWhitespace: true}
	c := New(policy, nil)

	tests := []struct {
		source  any
		target  any
		name    string
		mapping model.AttributeMapping
		want    bool
	}{
		{name: "exact strings", mapping: mapping(model.CompareExact), source: "abc", target: "abc", want: true},
		{name: "exact differs by case", mapping: mapping(model.CompareExact), source: "abc", target: "ABC", want: false},
		{name: "exact trims whitespace", mapping: mapping(model.CompareExact), source: " abc ", target: "abc", want: true},
		{name: "exact int vs float", mapping: mapping(model.CompareExact), source: 100, target: 100.0, want: true},
		{name: "exact int vs numeric string", mapping: mapping(model.CompareExact), source: int64(7), target: "7.00", want: true},
		{name: "exact numeric strings compare as text", mapping: mapping(model.CompareExact), source: "7", target: "7.00", want: false},
		{name: "case insensitive", mapping: mapping(model.CompareCaseInsensitive), source: "Acme", target: "ACME", want: true},
		{name: "contains forward", mapping: mapping(model.CompareContains), source: "ACME Corp", target: "ACME", want: true},
		{name: "contains reverse", mapping: mapping(model.CompareContains), source: "ACME", target: "ACME Corp", want: true},
		{name: "contains neither", mapping: mapping(model.CompareContains), source: "foo", target: "bar", want: false},
		{name: "ignore never differs", mapping: mapping(model.CompareIgnore), source: "x", target: nil, want: true},
		{
			name:    "regex both match",
			mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareRegex, FormatPattern: `INV-\d+`},
			source:  "INV-1", target: "INV-22", want: true,
		},
		{
			name:    "regex requires full match",
			mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareRegex, FormatPattern: `INV-\d+`},
			source:  "INV-1", target: "XINV-22", want: false,
		},
		{name: "regex without pattern is exact", mapping: mapping(model.CompareRegex), source: "a", target: "b", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Equal(tt.mapping, tt.source, tt.target))
		})
	}
}

func TestNumericToleranceBoundary(t *testing.T) {
	c := New(model.ComparisonPolicy{}, nil)
	m := model.AttributeMapping{SourceAttribute: "bal", TargetAttribute: "bal", Comparison: model.CompareNumericTol, Tolerance: tol(1.0)}

	assert.True(t, c.Equal(m, 100, 100.5))
	assert.True(t, c.Equal(m, 100, 101), "difference equal to tolerance is a match")
	assert.True(t, c.Equal(m, 0.1, 1.1), "binary rounding at the boundary is absorbed")
	assert.False(t, c.Equal(m, 100, 101.0001))
	assert.True(t, c.Equal(m, "100.00", "99.50"), "numeric strings parse")
	assert.False(t, c.Equal(m, "abc", "abd"), "parse failure falls back to exact")
	assert.True(t, c.Equal(m, "abc", "abc"))

	tests := []struct {
		name      string
		tolerance float64
		source    float64
		target    float64
		want      bool
	}{
		{name: "zero tolerance is exact", tolerance: 0, source: 1.0, target: 1.0000000005, want: false},
		{name: "zero tolerance equal values", tolerance: 0, source: 1.0, target: 1.0, want: true},
		{name: "tiny tolerance within", tolerance: 1e-10, source: 0, target: 1e-10, want: true},
		{name: "tiny tolerance exceeded", tolerance: 1e-10, source: 0, target: 5e-10, want: false},
		{name: "decimal inputs on the boundary", tolerance: 0.3, source: 0.1, target: 0.4, want: true},
		{name: "large values just past the boundary", tolerance: 0.01, source: 1e6, target: 1e6 + 0.011, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model.AttributeMapping{SourceAttribute: "bal", TargetAttribute: "bal", Comparison: model.CompareNumericTol, Tolerance: tol(tt.tolerance)}
			assert.Equal(t, tt.want, c.Equal(m, tt.source, tt.target))
		})
	}
}

func TestNumericTolerancePercentage(t *testing.T) {
	c := New(model.ComparisonPolicy{TolerancePercentage: 2}, nil)
	m := model.AttributeMapping{SourceAttribute: "amt", TargetAttribute: "amt", Comparison: model.CompareNumericTol, ToleranceKind: model.TolerancePercentage}

	assert.True(t, c.Equal(m, 200.0, 204.0), "policy percentage applies when mapping has none")
	assert.False(t, c.Equal(m, 200.0, 204.5))

	m.Tolerance = tol(10)
	assert.True(t, c.Equal(m, -200.0, -220.0), "percentage is of |source|")
	assert.False(t, c.Equal(m, -200.0, -221.0))
}

func TestNumericToleranceDefaultsToZero(t *testing.T) {
	c := New(model.ComparisonPolicy{TolerancePercentage: 50}, nil)
	m := mapping(model.CompareNumericTol)
	assert.True(t, c.Equal(m, 10, 10.0))
	assert.False(t, c.Equal(m, 10, 10.01), "policy percentage is ignored for absolute tolerance")
}

func TestDateTolerance(t *testing.T) {
	c := New(model.ComparisonPolicy{DateToleranceMinutes: 5, IgnoreCase: true, TrimWhitespace: true}, nil)
	m := mapping(model.CompareDateTol)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, c.Equal(m, base, base.Add(5*time.Minute)))
	assert.False(t, c.Equal(m, base, base.Add(5*time.Minute+time.Second)))
	assert.True(t, c.Equal(m, "2025-03-01T10:00:00Z", "2025-03-01 10:03:00"), "string layouts parse even after case folding")
	assert.False(t, c.Equal(m, "2025-03-01", base.Add(-10*time.Hour-56*time.Minute)))

	m.Tolerance = tol(24 * 60)
	assert.True(t, c.Equal(m, "2025-03-01", "2025-03-02"))
	assert.False(t, c.Equal(m, "not a date", "2025-03-02"), "parse failure falls back to exact")
}

func TestNullHandling(t *testing.T) {
	m := mapping(model.CompareExact)

	strict := New(model.ComparisonPolicy{TrimWhitespace: true}, nil)
	assert.True(t, strict.Equal(m, nil, nil))
	assert.False(t, strict.Equal(m, nil, ""))
	assert.False(t, strict.Equal(m, "x", nil))

	lenient := New(model.ComparisonPolicy{TrimWhitespace: true, NullEqualsEmpty: true}, nil)
	assert.True(t, lenient.Equal(m, nil, ""))
	assert.True(t, lenient.Equal(m, "   ", nil), "whitespace normalizes to empty")
	assert.False(t, lenient.Equal(m, nil, "x"))
}

func TestIgnoreCasePolicy(t *testing.T) {
	c := New(model.ComparisonPolicy{IgnoreCase: true}, nil)
	assert.True(t, c.Equal(mapping(model.CompareExact), "Acme", "aCME"))
	assert.True(t, c.Equal(mapping(model.CompareContains), "ACME Corp", "acme"))
}

func TestTransformations(t *testing.T) {
	c := New(model.ComparisonPolicy{}, nil)
	m := mapping(model.CompareExact)
	m.SourceTransformation = "uppercase"
	m.TargetTransformation = TransformTrim
	assert.True(t, c.Equal(m, "acme", "  ACME  "))

	m.SourceTransformation = TransformLower
	m.TargetTransformation = ""
	assert.False(t, c.Equal(m, "ACME", "ACME"))
	assert.Nil(t, c.Prepare(nil, TransformUpper))
}

func TestCustomRules(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCustom("same_prefix", func(s, t any) bool {
		return strings.HasPrefix(model.FormatValue(t), model.FormatValue(s)[:2])
	})
	reg.RegisterTransform("digits", func(v any) any {
		return strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, model.FormatValue(v))
	})
	c := New(model.ComparisonPolicy{}, reg)

	m := model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareCustom, CustomRule: "same_prefix"}
	require.NoError(t, c.Validate(m))
	assert.True(t, c.Equal(m, "AB123", "AB999"))
	assert.False(t, c.Equal(m, "AB123", "XB999"))

	phone := model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareExact, SourceTransformation: "digits", TargetTransformation: "digits"}
	require.NoError(t, c.Validate(phone))
	assert.True(t, c.Equal(phone, "(555) 123-4567", "555.123.4567"))
}

func TestValidate(t *testing.T) {
	c := New(model.ComparisonPolicy{}, nil)

	tests := []struct {
		name    string
		mapping model.AttributeMapping
	}{
		{name: "missing source", mapping: model.AttributeMapping{TargetAttribute: "b", Comparison: model.CompareExact}},
		{name: "missing target", mapping: model.AttributeMapping{SourceAttribute: "a", Comparison: model.CompareExact}},
		{name: "unknown comparison", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: "FUZZY"}},
		{name: "bad regex", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareRegex, FormatPattern: "("}},
		{name: "unregistered custom", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareCustom, CustomRule: "nope"}},
		{name: "custom without name", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareCustom}},
		{name: "unknown transformation", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareExact, SourceTransformation: "REVERSE"}},
		{name: "negative tolerance", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareNumericTol, Tolerance: tol(-1)}},
		{name: "unknown severity", mapping: model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareExact, MismatchSeverity: "URGENT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.mapping)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrInvalidInput))
		})
	}

	assert.NoError(t, c.Validate(model.AttributeMapping{SourceAttribute: "a", TargetAttribute: "b", Comparison: model.CompareRegex, FormatPattern: `^\d+$`}))
}

func TestDifference(t *testing.T) {
	amount, pct := Difference(100, 100.5)
	require.NotNil(t, amount)
	require.NotNil(t, pct)
	assert.InDelta(t, 0.5, *amount, 1e-12)
	assert.InDelta(t, 0.5, *pct, 1e-12)

	amount, pct = Difference(0, "3")
	require.NotNil(t, amount)
	assert.InDelta(t, 3.0, *amount, 1e-12)
	assert.Nil(t, pct, "no percentage against a zero source")

	amount, pct = Difference("abc", 1)
	assert.Nil(t, amount)
	assert.Nil(t, pct)
}
