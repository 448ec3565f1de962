package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// catalogFile is the on-disk layout of the reconciliation catalog.
type catalogFile struct {
	Reconciliations []catalogEntry `yaml:"reconciliations"`
}

type catalogEntry struct {
	Active              *bool                    `yaml:"active"`
	AutoCreateIncidents *bool                    `yaml:"auto_create_incidents"`
	Source              model.SourceSystem       `yaml:"source"`
	Target              model.SourceSystem       `yaml:"target"`
	SourceExtraction    model.ExtractionSpec     `yaml:"source_extraction"`
	TargetExtraction    model.ExtractionSpec     `yaml:"target_extraction"`
	ID                  string                   `yaml:"id"`
	Code                string                   `yaml:"code"`
	Name                string                   `yaml:"name"`
	Description         string                   `yaml:"description"`
	KeyAttributes       []string                 `yaml:"key_attributes"`
	Mappings            []model.AttributeMapping `yaml:"mappings"`
	Policy              model.ComparisonPolicy   `yaml:"policy"`
	MaxDiscrepancies    int                      `yaml:"max_discrepancies"`
}

// Catalog is the YAML-backed set of reconciliation configs. It is read-only
// after loading and safe for concurrent use.
type Catalog struct {
	byID  map[string]*model.ReconciliationConfig
	order []string
}

// LoadCatalog reads and validates the catalog file at path.
func LoadCatalog(path string) (*Catalog, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.NewUserError(
				fmt.Sprintf("No reconciliation catalog at %s. Set catalog.path or create the file.", path),
				fmt.Errorf("%w: %s", common.ErrMissingConfig, path))
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML. Unknown fields are
// rejected. Environment variables in connection strings, API keys and
// option values are expanded, and file paths also expand ~.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	c := &Catalog{byID: make(map[string]*model.ReconciliationConfig, len(file.Reconciliations))}
	codes := make(map[string]string, len(file.Reconciliations))
	for i, entry := range file.Reconciliations {
		cfg := entry.toConfig()
		if err := validateConfig(cfg); err != nil {
			return nil, fmt.Errorf("reconciliation %d (%s): %w", i+1, cfg.Code, err)
		}
		if _, dup := c.byID[cfg.ID]; dup {
			return nil, common.NewValidationError("id", fmt.Sprintf("duplicate reconciliation id %q", cfg.ID))
		}
		code := strings.ToUpper(cfg.Code)
		if other, dup := codes[code]; dup {
			return nil, common.NewValidationError("code", fmt.Sprintf("code %q is used by %s and %s", cfg.Code, other, cfg.ID))
		}
		codes[code] = cfg.ID
		c.byID[cfg.ID] = cfg
		c.order = append(c.order, cfg.ID)
	}
	sort.Slice(c.order, func(i, j int) bool {
		return c.byID[c.order[i]].Code < c.byID[c.order[j]].Code
	})
	return c, nil
}

func (e catalogEntry) toConfig() *model.ReconciliationConfig {
	cfg := &model.ReconciliationConfig{
		ID:                  strings.TrimSpace(e.ID),
		Code:                strings.TrimSpace(e.Code),
		Name:                e.Name,
		Description:         e.Description,
		Source:              expandSystem(e.Source),
		Target:              expandSystem(e.Target),
		SourceExtraction:    e.SourceExtraction,
		TargetExtraction:    e.TargetExtraction,
		KeyAttributes:       e.KeyAttributes,
		Mappings:            e.Mappings,
		Policy:              e.Policy,
		MaxDiscrepancies:    e.MaxDiscrepancies,
		Active:              e.Active == nil || *e.Active,
		AutoCreateIncidents: e.AutoCreateIncidents == nil || *e.AutoCreateIncidents,
	}
	if cfg.ID == "" {
		cfg.ID = strings.ToLower(cfg.Code)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Code
	}
	return cfg
}

func expandSystem(s model.SourceSystem) model.SourceSystem {
	s.ConnectionString = os.ExpandEnv(s.ConnectionString)
	s.APIKey = os.ExpandEnv(s.APIKey)
	s.APIURL = os.ExpandEnv(s.APIURL)
	if s.Type == model.SystemFileSystem {
		s.FilePath = ExpandPath(s.FilePath)
	}
	if len(s.Options) > 0 {
		opts := make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			opts[k] = os.ExpandEnv(v)
		}
		s.Options = opts
	}
	return s
}

func validateConfig(cfg *model.ReconciliationConfig) error {
	if cfg.Code == "" {
		return common.NewValidationError("code", "is required")
	}
	if cfg.MaxDiscrepancies < 0 {
		return common.NewValidationError("max_discrepancies", "must not be negative")
	}
	sides := []struct {
		name   string
		system model.SourceSystem
	}{{"source", cfg.Source}, {"target", cfg.Target}}
	for _, side := range sides {
		if side.system.Code == "" {
			return common.NewValidationError(side.name+".code", "is required")
		}
		if !side.system.Type.IsValid() {
			return common.NewValidationError(side.name+".type", fmt.Sprintf("unknown system type %q", side.system.Type))
		}
	}
	if cfg.Policy.TolerancePercentage < 0 || cfg.Policy.DateToleranceMinutes < 0 {
		return common.NewValidationError("policy", "tolerances must not be negative")
	}
	for i, m := range cfg.Mappings {
		switch {
		case strings.TrimSpace(m.SourceAttribute) == "" || strings.TrimSpace(m.TargetAttribute) == "":
			return common.NewValidationError(fmt.Sprintf("mappings[%d]", i), "source and target are required")
		case !m.Comparison.IsValid():
			return common.NewValidationError(fmt.Sprintf("mappings[%d].comparison", i), fmt.Sprintf("unknown comparison %q", m.Comparison))
		case m.MismatchSeverity != "" && !m.MismatchSeverity.IsValid():
			return common.NewValidationError(fmt.Sprintf("mappings[%d].severity", i), fmt.Sprintf("unknown severity %q", m.MismatchSeverity))
		}
	}
	return nil
}

// GetConfigWithMappings looks a config up by id, or by code ignoring case.
func (c *Catalog) GetConfigWithMappings(_ context.Context, id string) (*model.ReconciliationConfig, error) {
	cfg, ok := c.byID[id]
	if !ok {
		for _, candidate := range c.byID {
			if strings.EqualFold(candidate.Code, id) {
				cfg, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, common.NewNotFoundError("reconciliation config", id)
	}
	cp := *cfg
	cp.Mappings = append([]model.AttributeMapping(nil), cfg.Mappings...)
	cp.KeyAttributes = append([]string(nil), cfg.KeyAttributes...)
	return &cp, nil
}

// ListConfigs returns every config ordered by code.
func (c *Catalog) ListConfigs(_ context.Context) ([]model.ReconciliationConfig, error) {
	out := make([]model.ReconciliationConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out, nil
}

var _ service.ConfigProvider = (*Catalog)(nil)
