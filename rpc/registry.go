package rpc

import (
	"reflect"
	"sort"
	"sync"

	"wsrpc/rpcerr"
)

// Provider returns a live implementation of a contract.
type Provider func() any

// Resolver maps a contract name onto an implementation.
type Resolver func(contract string) (any, error)

// Registry maps contract names onto providers. It is populated during setup and
// read for the lifetime of the connection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs provider under contract, replacing any previous one.
func (r *Registry) Register(contract string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[contract] = provider
}

// RegisterInstance installs a single shared implementation.
func (r *Registry) RegisterInstance(contract string, impl any) {
	r.Register(contract, func() any { return impl })
}

// Register installs provider under the qualified name of interface I.
func Register[I any](r *Registry, provider func() I) {
	r.Register(ContractName[I](), func() any { return provider() })
}

// Resolve returns the implementation registered for contract.
func (r *Registry) Resolve(contract string) (any, error) {
	r.mu.RLock()
	provider, ok := r.providers[contract]
	r.mu.RUnlock()
	if !ok {
		return nil, &rpcerr.ContractNotFoundError{Contract: contract}
	}
	impl := provider()
	if impl == nil {
		return nil, &rpcerr.ContractNotFoundError{Contract: contract}
	}
	return impl, nil
}

// Contracts returns the registered contract names, sorted.
func (r *Registry) Contracts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContractName returns the qualified name of interface type I, the name a contract
// is published and called under.
func ContractName[I any]() string {
	return TypeName(reflect.TypeOf((*I)(nil)).Elem())
}
