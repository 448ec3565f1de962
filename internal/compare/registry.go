package compare

import (
	"strings"
	"sync"

	"github.com/Veraticus/recon-flow/internal/model"
)

// CustomFunc decides equality for a CUSTOM_EXPRESSION mapping.
type CustomFunc func(source, target any) bool

// TransformFunc rewrites one side's value before normalization.
type TransformFunc func(v any) any

// Built-in transformation names.
const (
	TransformUpper = "UPPERCASE"
	TransformLower = "LOWERCASE"
	TransformTrim  = "TRIM"
)

// Registry holds named custom comparisons and transformations.
type Registry struct {
	customs    map[string]CustomFunc
	transforms map[string]TransformFunc
	mu         sync.RWMutex
}

// NewRegistry returns a registry preloaded with the built-in transformations.
func NewRegistry() *Registry {
	r := &Registry{
		customs:    make(map[string]CustomFunc),
		transforms: make(map[string]TransformFunc),
	}
	r.RegisterTransform(TransformUpper, stringTransform(strings.ToUpper))
	r.RegisterTransform(TransformLower, stringTransform(strings.ToLower))
	r.RegisterTransform(TransformTrim, stringTransform(strings.TrimSpace))
	return r
}

func stringTransform(fn func(string) string) TransformFunc {
	return func(v any) any {
		if v == nil {
			return nil
		}
		return fn(model.FormatValue(v))
	}
}

// RegisterCustom adds or replaces a custom comparison.
func (r *Registry) RegisterCustom(name string, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customs[normalizeName(name)] = fn
}

// RegisterTransform adds or replaces a transformation.
func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[normalizeName(name)] = fn
}

// Custom looks up a custom comparison by name.
func (r *Registry) Custom(name string) (CustomFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.customs[normalizeName(name)]
	return fn, ok
}

// Transform looks up a transformation by name.
func (r *Registry) Transform(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[normalizeName(name)]
	return fn, ok
}

// transformation names match case-insensitively
func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
