package oauth

import (
	"net/http"
	"sort"

	"github.com/carlossalguero/authgate/internal/auth/identity"
)

// Registry is the fixed set of configured adapters. It is never mutated
// after construction and is safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
	fields   map[string]identity.FieldMap
	names    []string
}

// NewRegistry builds adapters for every configured provider. Providers
// without client credentials are skipped, not rejected.
func NewRegistry(configs []ProviderConfig, client *http.Client) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter),
		fields:   make(map[string]identity.FieldMap),
	}
	for _, cfg := range configs {
		if !cfg.Configured() {
			continue
		}
		a, err := New(cfg, client)
		if err != nil {
			return nil, err
		}
		r.add(a, cfg.FieldMap)
	}
	r.sortNames()
	return r, nil
}

// NewStaticRegistry wraps prebuilt adapters. fields may omit providers
// that rely on the default alias chains alone.
func NewStaticRegistry(fields map[string]identity.FieldMap, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		fields:   make(map[string]identity.FieldMap, len(adapters)),
	}
	for _, a := range adapters {
		r.add(a, fields[a.Name()])
	}
	r.sortNames()
	return r
}

func (r *Registry) add(a Adapter, fm identity.FieldMap) {
	if _, dup := r.adapters[a.Name()]; !dup {
		r.names = append(r.names, a.Name())
	}
	r.adapters[a.Name()] = a
	r.fields[a.Name()] = fm
}

func (r *Registry) sortNames() {
	sort.Strings(r.names)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the configured provider names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// FieldMaps returns the field map of every configured provider, for
// building the identity normalizer.
func (r *Registry) FieldMaps() map[string]identity.FieldMap {
	out := make(map[string]identity.FieldMap, len(r.fields))
	for name, fm := range r.fields {
		out[name] = fm
	}
	return out
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}
