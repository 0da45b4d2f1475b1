package staging

import (
	"fmt"
	"sort"
	"sync"

	"staging-engine/internal/domain"
)

// Factory creates an unconfigured processor labelled uid.
type Factory func(uid string) Processor

// Description lists a processor and its recognized keys.
type Description struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// Registry maps processor names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every processor shipped with the engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(HashProcessorName, func(uid string) Processor { return NewHashProcessor(uid) })
	r.Register(ArchiveProcessorName, func(uid string) Processor { return NewArchiveProcessor(uid) })
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Build creates, validates and configures the processor described by spec.
func (r *Registry) Build(spec domain.ProcessorSpec) (Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown staging processor %q", spec.Name)
	}

	uid := spec.UniqueIdentifier
	if uid == "" {
		uid = spec.Name
	}
	p := factory(uid)
	props := Properties(spec.Properties)
	if props == nil {
		props = Properties{}
	}
	if err := p.Validate(props); err != nil {
		return nil, fmt.Errorf("validate %s: %w", uid, err)
	}
	if err := p.Configure(props); err != nil {
		return nil, fmt.Errorf("configure %s: %w", uid, err)
	}
	return p, nil
}

func (r *Registry) BuildAll(specs []domain.ProcessorSpec) ([]Processor, error) {
	out := make([]Processor, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		p, err := r.Build(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.UniqueIdentifier()]; dup {
			return nil, fmt.Errorf("duplicate processor identifier %q", p.UniqueIdentifier())
		}
		seen[p.UniqueIdentifier()] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Describe lists the registered processors sorted by name.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Description, 0, len(r.factories))
	for name, factory := range r.factories {
		p := factory(name)
		props := make(map[string]string)
		for _, key := range p.PropertyKeys() {
			props[key] = p.PropertyDescription(key)
		}
		out = append(out, Description{Name: name, Properties: props})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
