package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NullToken stands in for a missing or nil key attribute value.
const NullToken = "NULL"

// Record is one extracted row: attribute name to scalar value.
type Record map[string]any

// Get returns the attribute value, or nil when the attribute is absent.
func (r Record) Get(attr string) any {
	if r == nil {
		return nil
	}
	return r[attr]
}

// JSON renders the record for discrepancy snapshots. Keys are sorted by encoding/json.
func (r Record) JSON() string {
	if r == nil {
		return ""
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(r))
	}
	return string(data)
}

// FormatValue renders a scalar the same way for every adapter, so that 100,
// int64(100) and float64(100) all produce "100".
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", val)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// KeyPart renders one key attribute value, using NullToken for missing values.
func KeyPart(v any) string {
	if v == nil {
		return NullToken
	}
	return FormatValue(v)
}

// AsNumber converts numeric values and numeric strings to float64.
func AsNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case bool, time.Time:
		return 0, false
	default:
		s := strings.TrimSpace(FormatValue(val))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

// IsNumericKind reports whether v holds a Go numeric type (not a numeric string).
func IsNumericKind(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// AsTime converts time values and common timestamp strings to time.Time.
func AsTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case nil:
		return time.Time{}, false
	}
	// normalization may have case-folded the T and Z designators
	s := strings.ToUpper(strings.TrimSpace(FormatValue(v)))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
