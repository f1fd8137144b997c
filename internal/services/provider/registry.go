package provider

import (
	"fmt"
	"sort"
	"sync"

	"ticket-settlement/internal/services/provider/mercadopago"
)

type Config struct {
	Kind           string
	MercadoPago    mercadopago.Config
	SandboxBaseURL string
}

// New builds the provider named by cfg.Kind.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case KindSandbox:
		return NewSandbox(cfg.SandboxBaseURL), nil
	case KindMercadoPago:
		if cfg.MercadoPago.AccessToken == "" {
			return nil, fmt.Errorf("mercadopago provider requires an access token")
		}
		return NewMercadoPago(cfg.MercadoPago), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", cfg.Kind)
	}
}

// Registry holds the configured providers; the first registered one is primary.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.primary == "" {
		r.primary = p.Name()
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("payment provider %s not registered", name)
	}
	return p, nil
}

func (r *Registry) Primary() (Provider, error) {
	r.mu.RLock()
	primary := r.primary
	r.mu.RUnlock()
	if primary == "" {
		return nil, fmt.Errorf("no primary payment provider configured")
	}
	return r.Get(primary)
}

func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("payment provider %s not registered", name)
	}
	r.primary = name
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
