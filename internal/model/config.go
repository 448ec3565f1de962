package model

import (
	"sort"
	"strings"
)

// SystemType identifies the kind of system a record set is extracted from.
type SystemType string

// Supported and recognized system types.
const (
	SystemDatabase     SystemType = "DATABASE"
	SystemFileSystem   SystemType = "FILE_SYSTEM"
	SystemAPIEndpoint  SystemType = "API_ENDPOINT"
	SystemGoogleSheets SystemType = "GOOGLE_SHEETS"
	SystemSFTP         SystemType = "SFTP"
	SystemS3Bucket     SystemType = "S3_BUCKET"
	SystemAzureBlob    SystemType = "AZURE_BLOB"
	SystemKafka        SystemType = "KAFKA"
	SystemCustom       SystemType = "CUSTOM"
)

// SystemTypes lists every recognized system type in declaration order.
var SystemTypes = []SystemType{
	SystemDatabase,
	SystemFileSystem,
	SystemAPIEndpoint,
	SystemGoogleSheets,
	SystemSFTP,
	SystemS3Bucket,
	SystemAzureBlob,
	SystemKafka,
	SystemCustom,
}

// IsValid reports whether t is a recognized system type. Recognized does not
// mean an extractor is registered for it.
func (t SystemType) IsValid() bool {
	for _, known := range SystemTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SourceSystem describes where one side of a reconciliation comes from.
type SourceSystem struct {
	Options          map[string]string `yaml:"options"`
	Code             string            `yaml:"code"`
	Name             string            `yaml:"name"`
	Type             SystemType        `yaml:"type"`
	Driver           string            `yaml:"driver"`
	ConnectionString string            `yaml:"connection_string"`
	FilePath         string            `yaml:"file_path"`
	APIURL           string            `yaml:"api_url"`
	APIKey           string            `yaml:"api_key"`
}

// Option returns a named option or the fallback when unset.
func (s SourceSystem) Option(name, fallback string) string {
	if v, ok := s.Options[name]; ok && v != "" {
		return v
	}
	return fallback
}

// ExtractionSpec tells an adapter what to pull from a system.
type ExtractionSpec struct {
	Query       string `yaml:"query"`
	FilePattern string `yaml:"file_pattern"`
}

// ComparisonType selects the comparison function applied to a mapping.
type ComparisonType string

// Comparison types.
const (
	CompareExact           ComparisonType = "EXACT_MATCH"
	CompareCaseInsensitive ComparisonType = "CASE_INSENSITIVE"
	CompareNumericTol      ComparisonType = "NUMERIC_TOLERANCE"
	CompareDateTol         ComparisonType = "DATE_TOLERANCE"
	CompareContains        ComparisonType = "CONTAINS"
	CompareRegex           ComparisonType = "REGEX_MATCH"
	CompareCustom          ComparisonType = "CUSTOM_EXPRESSION"
	CompareIgnore          ComparisonType = "IGNORE"
)

// ComparisonTypes lists every comparison type in declaration order.
var ComparisonTypes = []ComparisonType{
	CompareExact,
	CompareCaseInsensitive,
	CompareNumericTol,
	CompareDateTol,
	CompareContains,
	CompareRegex,
	CompareCustom,
	CompareIgnore,
}

// IsValid reports whether c is a known comparison type.
func (c ComparisonType) IsValid() bool {
	for _, known := range ComparisonTypes {
		if c == known {
			return true
		}
	}
	return false
}

// ToleranceKind says how a numeric tolerance is interpreted.
type ToleranceKind string

// Tolerance kinds.
const (
	ToleranceAbsolute   ToleranceKind = "ABSOLUTE"
	TolerancePercentage ToleranceKind = "PERCENTAGE"
)

// AttributeMapping pairs one source attribute with one target attribute.
type AttributeMapping struct {
	Tolerance            *float64       `yaml:"tolerance"`
	SourceAttribute      string         `yaml:"source"`
	TargetAttribute      string         `yaml:"target"`
	DisplayName          string         `yaml:"display_name"`
	Comparison           ComparisonType `yaml:"comparison"`
	ToleranceKind        ToleranceKind  `yaml:"tolerance_kind"`
	SourceTransformation string         `yaml:"source_transformation"`
	TargetTransformation string         `yaml:"target_transformation"`
	CustomRule           string         `yaml:"custom_rule"`
	FormatPattern        string         `yaml:"format_pattern"`
	MismatchSeverity     Severity       `yaml:"severity"`
	SortOrder            int            `yaml:"sort_order"`
	IsKey                bool           `yaml:"key"`
	Enabled              *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the mapping takes part in comparison. Unset means enabled.
func (m AttributeMapping) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Label is the attribute name recorded on mismatch discrepancies.
func (m AttributeMapping) Label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.SourceAttribute
}

// Severity returns the configured mismatch severity, defaulting to MEDIUM.
func (m AttributeMapping) Severity() Severity {
	if m.MismatchSeverity == "" {
		return SeverityMedium
	}
	return m.MismatchSeverity
}

// ComparisonPolicy holds normalization and tolerance settings shared by all mappings.
type ComparisonPolicy struct {
	IgnoreCase           bool    `yaml:"ignore_case"`
	TrimWhitespace       bool    `yaml:"trim_whitespace"`
	NullEqualsEmpty      bool    `yaml:"null_equals_empty"`
	TolerancePercentage  float64 `yaml:"tolerance_percentage"`
	DateToleranceMinutes int     `yaml:"date_tolerance_minutes"`
}

// DefaultMaxDiscrepancies caps materialized discrepancies per run when unset.
const DefaultMaxDiscrepancies = 10000

// ReconciliationConfig identifies one reconciliation job.
type ReconciliationConfig struct {
	Source              SourceSystem
	Target              SourceSystem
	SourceExtraction    ExtractionSpec
	TargetExtraction    ExtractionSpec
	ID                  string
	Code                string
	Name                string
	Description         string
	KeyAttributes       []string
	Mappings            []AttributeMapping
	Policy              ComparisonPolicy
	MaxDiscrepancies    int
	Active              bool
	AutoCreateIncidents bool
}

// DiscrepancyCap returns the configured cap or the default when it is not positive.
func (c *ReconciliationConfig) DiscrepancyCap() int {
	if c.MaxDiscrepancies <= 0 {
		return DefaultMaxDiscrepancies
	}
	return c.MaxDiscrepancies
}

// PrimaryKey returns the configured key attribute names, defaulting to "id".
func (c *ReconciliationConfig) PrimaryKey() []string {
	keys := make([]string, 0, len(c.KeyAttributes))
	for _, k := range c.KeyAttributes {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return []string{"id"}
	}
	return keys
}

// EnabledMappings returns the enabled mappings ordered by sort order. The sort is
// stable so mappings sharing an order keep their declaration order.
func (c *ReconciliationConfig) EnabledMappings() []AttributeMapping {
	enabled := make([]AttributeMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		if m.IsEnabled() {
			enabled = append(enabled, m)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].SortOrder < enabled[j].SortOrder
	})
	return enabled
}
