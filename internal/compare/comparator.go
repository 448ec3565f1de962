// Package compare decides attribute equality for one mapping under a comparison policy.
package compare

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

// roundingUlps is how many units in the last place a difference may exceed
// the tolerance by and still sit on the boundary.
const roundingUlps = 4

// Comparator applies transformation, normalization, null handling and the
// mapping's comparison function, in that order.
type Comparator struct {
	registry *Registry
	policy   model.ComparisonPolicy
}

// New creates a comparator. A nil registry gets the built-ins only.
func New(policy model.ComparisonPolicy, registry *Registry) *Comparator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Comparator{policy: policy, registry: registry}
}

// Validate checks that a mapping can be evaluated: known comparison type,
// compilable pattern, and registered custom rule and transformations.
func (c *Comparator) Validate(m model.AttributeMapping) error {
	if strings.TrimSpace(m.SourceAttribute) == "" {
		return common.NewValidationError("mapping.source", "source attribute is required")
	}
	if strings.TrimSpace(m.TargetAttribute) == "" {
		return common.NewValidationError("mapping.target", fmt.Sprintf("target attribute is required for %s", m.SourceAttribute))
	}
	if !m.Comparison.IsValid() {
		return common.NewValidationError("mapping.comparison", fmt.Sprintf("unknown comparison type %q for %s", m.Comparison, m.SourceAttribute))
	}
	if m.MismatchSeverity != "" && !m.MismatchSeverity.IsValid() {
		return common.NewValidationError("mapping.severity", fmt.Sprintf("unknown severity %q for %s", m.MismatchSeverity, m.SourceAttribute))
	}
	switch m.ToleranceKind {
	case "", model.ToleranceAbsolute, model.TolerancePercentage:
	default:
		return common.NewValidationError("mapping.tolerance_kind", fmt.Sprintf("unknown tolerance kind %q for %s", m.ToleranceKind, m.SourceAttribute))
	}
	if m.Tolerance != nil && *m.Tolerance < 0 {
		return common.NewValidationError("mapping.tolerance", fmt.Sprintf("tolerance for %s must not be negative", m.SourceAttribute))
	}
	if m.Comparison == model.CompareRegex && m.FormatPattern != "" {
		if _, err := common.CompileRegex(m.FormatPattern); err != nil {
			return common.NewValidationError("mapping.format_pattern", fmt.Sprintf("pattern for %s does not compile: %v", m.SourceAttribute, err))
		}
	}
	if m.Comparison == model.CompareCustom {
		if m.CustomRule == "" {
			return common.NewValidationError("mapping.custom_rule", fmt.Sprintf("custom rule name is required for %s", m.SourceAttribute))
		}
		if _, ok := c.registry.Custom(m.CustomRule); !ok {
			return common.NewValidationError("mapping.custom_rule", fmt.Sprintf("custom rule %q is not registered", m.CustomRule))
		}
	}
	for _, name := range []string{m.SourceTransformation, m.TargetTransformation} {
		if name == "" {
			continue
		}
		if _, ok := c.registry.Transform(name); !ok {
			return common.NewValidationError("mapping.transformation", fmt.Sprintf("transformation %q is not registered", name))
		}
	}
	return nil
}

// Prepare runs transformation and normalization for one side.
func (c *Comparator) Prepare(v any, transformation string) any {
	if transformation != "" && v != nil {
		if fn, ok := c.registry.Transform(transformation); ok {
			v = fn(v)
		}
	}
	return c.normalize(v)
}

func (c *Comparator) normalize(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if c.policy.TrimWhitespace {
		s = strings.TrimSpace(s)
	}
	if c.policy.IgnoreCase {
		s = strings.ToLower(s)
	}
	return s
}

// Equal reports whether source and target agree under the mapping. Both values
// are raw record values; Equal prepares them itself.
func (c *Comparator) Equal(m model.AttributeMapping, source, target any) bool {
	if m.Comparison == model.CompareIgnore {
		return true
	}
	return c.EqualPrepared(m,
		c.Prepare(source, m.SourceTransformation),
		c.Prepare(target, m.TargetTransformation))
}

// EqualPrepared compares values that already went through Prepare.
func (c *Comparator) EqualPrepared(m model.AttributeMapping, s, t any) bool {
	if s == nil && t == nil {
		return true
	}
	if s == nil || t == nil {
		if !c.policy.NullEqualsEmpty {
			return false
		}
		return model.FormatValue(s) == "" && model.FormatValue(t) == ""
	}

	switch m.Comparison {
	case model.CompareIgnore:
		return true
	case model.CompareCaseInsensitive:
		return strings.EqualFold(model.FormatValue(s), model.FormatValue(t))
	case model.CompareNumericTol:
		return c.numericTolerance(m, s, t)
	case model.CompareDateTol:
		return c.dateTolerance(m, s, t)
	case model.CompareContains:
		return contains(s, t)
	case model.CompareRegex:
		return regexMatch(m.FormatPattern, s, t)
	case model.CompareCustom:
		fn, ok := c.registry.Custom(m.CustomRule)
		if !ok {
			return false
		}
		return fn(s, t)
	default:
		return exact(s, t)
	}
}

func exact(s, t any) bool {
	if model.IsNumericKind(s) || model.IsNumericKind(t) {
		sf, sok := model.AsNumber(s)
		tf, tok := model.AsNumber(t)
		if sok && tok {
			return sf == tf
		}
	}
	return model.FormatValue(s) == model.FormatValue(t)
}

func (c *Comparator) numericTolerance(m model.AttributeMapping, s, t any) bool {
	sf, sok := model.AsNumber(s)
	tf, tok := model.AsNumber(t)
	if !sok || !tok {
		return exact(s, t)
	}

	tolerance := 0.0
	switch {
	case m.Tolerance != nil:
		tolerance = *m.Tolerance
	case m.ToleranceKind == model.TolerancePercentage:
		tolerance = c.policy.TolerancePercentage
	}

	if m.ToleranceKind == model.TolerancePercentage {
		tolerance = math.Abs(sf) * tolerance / 100
	}
	diff := math.Abs(sf - tf)
	return diff <= tolerance+roundingSlack(sf, tf, tolerance)
}

// roundingSlack is a few ulps of the largest magnitude involved, so decimal
// inputs like 0.1 and 1.1 land on a tolerance of 1 while a zero tolerance
// stays exact.
func roundingSlack(values ...float64) float64 {
	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, math.Abs(v))
	}
	return roundingUlps * (math.Nextafter(largest, math.Inf(1)) - largest)
}

func (c *Comparator) dateTolerance(m model.AttributeMapping, s, t any) bool {
	st, sok := model.AsTime(s)
	tt, tok := model.AsTime(t)
	if !sok || !tok {
		return exact(s, t)
	}

	window := time.Duration(c.policy.DateToleranceMinutes) * time.Minute
	if m.Tolerance != nil {
		window = time.Duration(*m.Tolerance * float64(time.Minute))
	}

	delta := st.Sub(tt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

func contains(s, t any) bool {
	ss, ts := model.FormatValue(s), model.FormatValue(t)
	return strings.Contains(ss, ts) || strings.Contains(ts, ss)
}

func regexMatch(pattern string, s, t any) bool {
	if pattern == "" {
		return exact(s, t)
	}
	// the whole value must match, not a substring
	re, err := common.CompileRegex("^(?:" + pattern + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(model.FormatValue(s)) && re.MatchString(model.FormatValue(t))
}

// Difference returns |s-t| and |s-t|/|s|*100 when both values read as numbers.
// The percentage is nil when s is zero.
func Difference(s, t any) (amount, percent *float64) {
	sf, sok := model.AsNumber(s)
	tf, tok := model.AsNumber(t)
	if !sok || !tok {
		return nil, nil
	}
	diff := math.Abs(sf - tf)
	amount = &diff
	if sf != 0 {
		pct := math.Abs((sf-tf)/sf) * 100
		percent = &pct
	}
	return amount, percent
}
