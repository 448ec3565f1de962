package testutil

import (
	"context"
	"sort"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

// ConfigBuilder assembles reconciliation configurations for tests.
//
// Example:
//
//	cfg := testutil.NewConfig("GL_BANK").
//		WithKey("id").
//		WithMapping("amount", "amt", model.CompareNumericTol).
//		Build()
type ConfigBuilder struct {
	cfg model.ReconciliationConfig
}

// NewConfig starts a config with file-backed systems and default policy.
func NewConfig(code string) *ConfigBuilder {
	return &ConfigBuilder{cfg: model.ReconciliationConfig{
		ID:                  "cfg-" + code,
		Code:                code,
		Name:                code + " reconciliation",
		Active:              true,
		AutoCreateIncidents: true,
		Source: model.SourceSystem{
			Code: "SRC", Name: "Source", Type: model.SystemFileSystem,
		},
		Target: model.SourceSystem{
			Code: "TGT", Name: "Target", Type: model.SystemFileSystem,
		},
		Policy: model.ComparisonPolicy{TrimWhitespace: true},
	}}
}

// WithKey sets the primary-key attribute names.
func (b *ConfigBuilder) WithKey(attrs ...string) *ConfigBuilder {
	b.cfg.KeyAttributes = attrs
	return b
}

// WithMapping appends a mapping in declaration order.
func (b *ConfigBuilder) WithMapping(source, target string, cmp model.ComparisonType) *ConfigBuilder {
	b.cfg.Mappings = append(b.cfg.Mappings, model.AttributeMapping{
		SourceAttribute: source,
		TargetAttribute: target,
		Comparison:      cmp,
		SortOrder:       len(b.cfg.Mappings),
	})
	return b
}

// WithTolerance sets an absolute tolerance on the most recent mapping.
func (b *ConfigBuilder) WithTolerance(tol float64, kind model.ToleranceKind) *ConfigBuilder {
	if n := len(b.cfg.Mappings); n > 0 {
		b.cfg.Mappings[n-1].Tolerance = &tol
		b.cfg.Mappings[n-1].ToleranceKind = kind
	}
	return b
}

// WithSeverity sets the mismatch severity of the most recent mapping.
func (b *ConfigBuilder) WithSeverity(sev model.Severity) *ConfigBuilder {
	if n := len(b.cfg.Mappings); n > 0 {
		b.cfg.Mappings[n-1].MismatchSeverity = sev
	}
	return b
}

// WithPolicy replaces the comparison policy.
func (b *ConfigBuilder) WithPolicy(p model.ComparisonPolicy) *ConfigBuilder {
	b.cfg.Policy = p
	return b
}

// WithCap sets MaxDiscrepancies.
func (b *ConfigBuilder) WithCap(n int) *ConfigBuilder {
	b.cfg.MaxDiscrepancies = n
	return b
}

// WithoutIncidents disables automatic incident creation.
func (b *ConfigBuilder) WithoutIncidents() *ConfigBuilder {
	b.cfg.AutoCreateIncidents = false
	return b
}

// WithSystems replaces the source and target systems.
func (b *ConfigBuilder) WithSystems(source, target model.SourceSystem) *ConfigBuilder {
	b.cfg.Source = source
	b.cfg.Target = target
	return b
}

// Build returns a copy of the assembled config.
func (b *ConfigBuilder) Build() *model.ReconciliationConfig {
	cfg := b.cfg
	cfg.Mappings = append([]model.AttributeMapping(nil), b.cfg.Mappings...)
	return &cfg
}

// Configs is an in-memory ConfigProvider keyed by config id.
type Configs map[string]*model.ReconciliationConfig

// NewConfigs indexes cfgs by id.
func NewConfigs(cfgs ...*model.ReconciliationConfig) Configs {
	c := make(Configs, len(cfgs))
	for _, cfg := range cfgs {
		c[cfg.ID] = cfg
	}
	return c
}

// GetConfigWithMappings returns a copy of the config or a NotFoundError.
func (c Configs) GetConfigWithMappings(_ context.Context, id string) (*model.ReconciliationConfig, error) {
	cfg, ok := c[id]
	if !ok {
		return nil, common.NewNotFoundError("reconciliation config", id)
	}
	cp := *cfg
	return &cp, nil
}

// ListConfigs returns every config ordered by code.
func (c Configs) ListConfigs(_ context.Context) ([]model.ReconciliationConfig, error) {
	out := make([]model.ReconciliationConfig, 0, len(c))
	for _, cfg := range c {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
