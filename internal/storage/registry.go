package storage

import (
	"sync"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
)

// Registry records the field kind first written for each key of each
// measurement. Mappings are append-mostly: once claimed a key keeps its kind
// unless the store itself reports a different one.
type Registry struct {
	kinds sync.Map // registryKey -> domain.Kind
}

type registryKey struct {
	measurement string
	field       string
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// KindOf returns the registered kind of a field. It implements
// domain.TypeHints so the Normalizer can coerce against the same schema.
func (r *Registry) KindOf(measurement, field string) (domain.Kind, bool) {
	v, ok := r.kinds.Load(registryKey{measurement, field})
	if !ok {
		return domain.KindInvalid, false
	}
	return v.(domain.Kind), true
}

// Claim registers kind for the field if it has none yet and returns the kind
// the field is registered with afterwards.
func (r *Registry) Claim(measurement, field string, kind domain.Kind) domain.Kind {
	v, _ := r.kinds.LoadOrStore(registryKey{measurement, field}, kind)
	return v.(domain.Kind)
}

// Override replaces a field's kind with the one the store reports.
func (r *Registry) Override(measurement, field string, kind domain.Kind) {
	r.kinds.Store(registryKey{measurement, field}, kind)
}

// Len returns the number of registered fields.
func (r *Registry) Len() int {
	n := 0
	r.kinds.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
