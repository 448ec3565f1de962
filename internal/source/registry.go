// Package source holds the extractors that pull a full record set from one
// side of a reconciliation, and the registry that picks one per system type.
package source

import (
	"net/http"
	"sort"
	"sync"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/plaid"
	"github.com/Veraticus/recon-flow/internal/service"
	"github.com/Veraticus/recon-flow/internal/sheets"
)

// Settings carries the application-level credentials adapters fall back on.
type Settings struct {
	HTTPClient *http.Client
	Plaid      plaid.Config
	Sheets     sheets.Config
	// SimpleFINState is the saved SimpleFIN claim, see simplefin.LoadOrClaim.
	SimpleFINState string
	Retry          service.RetryOptions
}

// Registry maps system types to extractors. It is safe for concurrent use.
type Registry struct {
	adapters map[model.SystemType]service.Extractor
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.SystemType]service.Extractor)}
}

// NewDefaultRegistry registers the built-in file, database, API and Google
// Sheets extractors.
func NewDefaultRegistry(settings Settings) *Registry {
	settings.Retry = settings.Retry.WithDefaults()
	logger := common.Component("source")

	r := NewRegistry()
	r.Register(model.SystemFileSystem, NewFileExtractor(logger))
	r.Register(model.SystemDatabase, NewDatabaseExtractor())
	r.Register(model.SystemAPIEndpoint, NewAPIExtractor(settings.HTTPClient, settings.Retry, settings.Plaid).
		WithSimpleFINState(settings.SimpleFINState))
	r.Register(model.SystemGoogleSheets, NewSheetsExtractor(settings.Sheets, logger))
	return r
}

// Register installs or replaces the extractor for a system type.
func (r *Registry) Register(systemType model.SystemType, extractor service.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[systemType] = extractor
}

// Resolve returns the extractor for system, or an UnsupportedSystemError.
func (r *Registry) Resolve(system model.SourceSystem) (service.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.adapters[system.Type]; ok {
		return e, nil
	}
	return nil, &common.UnsupportedSystemError{Type: string(system.Type), System: system.Code}
}

// Types lists the registered system types, sorted.
func (r *Registry) Types() []model.SystemType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.SystemType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

var _ service.ExtractorResolver = (*Registry)(nil)
