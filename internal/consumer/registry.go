package consumer

import (
	"log/slog"

	"github.com/heimgewebe/plexer/internal/config"
)

// Descriptor identifies one downstream consumer. Immutable for the process
// lifetime.
type Descriptor struct {
	Key      string
	Label    string
	URL      string
	Token    string
	AuthKind AuthKind
}

// Registry is the static set of reachable consumers. Specs without a URL
// are silently absent.
type Registry struct {
	consumers []Descriptor
	byKey     map[string]Descriptor
}

// NewRegistry builds a Registry from resolved config specs, skipping any
// consumer without a URL.
func NewRegistry(specs []config.ConsumerSpec) *Registry {
	r := &Registry{byKey: make(map[string]Descriptor)}
	for _, spec := range specs {
		if spec.URL == "" {
			slog.Debug("consumer has no URL, skipping", "consumer", spec.Key)
			continue
		}
		d := Descriptor{
			Key:      spec.Key,
			Label:    spec.Label,
			URL:      spec.URL,
			Token:    spec.Token,
			AuthKind: ParseAuthKind(spec.Key, spec.AuthKind),
		}
		r.consumers = append(r.consumers, d)
		r.byKey[d.Key] = d
	}
	return r
}

// All returns the registered consumers in configuration order.
func (r *Registry) All() []Descriptor {
	return r.consumers
}

// Lookup returns the consumer for a key, if registered.
func (r *Registry) Lookup(key string) (Descriptor, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	return len(r.consumers)
}
