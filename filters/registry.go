package filters

import "sync"

// FilterRegistry maps a filter name to the factory that builds instances of
// it, so a host can assemble a ChainFactory from configuration without this
// module knowing anything about the configuration format.
type FilterRegistry interface {
	Add(name string, factory FilterFactoryCb)
	Get(name string) (FilterFactoryCb, bool)
	Remove(name string)
}

type registry struct {
	mu sync.RWMutex
	fw map[string]FilterFactoryCb
}

// NewRegistry creates an empty FilterRegistry.
func NewRegistry() FilterRegistry {
	return &registry{fw: map[string]FilterFactoryCb{}}
}

func (r *registry) Add(name string, factory FilterFactoryCb) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fw[name] = factory
}

func (r *registry) Get(name string) (FilterFactoryCb, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fw[name]
	return f, ok
}

func (r *registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fw, name)
}

// ChainSpec is an ordered list of filter names a ListChainFactory resolves
// against a FilterRegistry at CreateFilterChain time, one instance per
// stream.
type ChainSpec []string

// ListChainFactory is the simplest ChainFactory: a fixed, ordered list of
// named filters resolved from a registry.
type ListChainFactory struct {
	Spec     ChainSpec
	Registry FilterRegistry
}

func (c *ListChainFactory) CreateFilterChain(cb ChainFactoryCallbacks) {
	for _, name := range c.Spec {
		factory, ok := c.Registry.Get(name)
		if !ok {
			continue
		}
		d, e := factory()
		cb.AddFilter(d, e)
	}
}
