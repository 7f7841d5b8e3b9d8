package ledger

import (
	"fmt"
	"strings"
	"sync"

	"refwallet.com/internal/custody/domain"
)

// Registry network -> Provider，并记录每条链的原生币
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	natives   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}, natives: map[string]string{}}
}

func (r *Registry) Register(p Provider, nativeCurrency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := strings.ToLower(p.Network())
	r.providers[n] = p
	r.natives[n] = strings.ToUpper(nativeCurrency)
}

func (r *Registry) Get(network string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(network)]
	if !ok {
		return nil, fmt.Errorf("no provider for network %q: %w", network, domain.ErrInvalidParams)
	}
	return p, nil
}

// AssetOf 原生币走 native 余额，其余视为代币
func (r *Registry) AssetOf(network, currency string) Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.natives[strings.ToLower(network)] == strings.ToUpper(currency) {
		return AssetNative
	}
	return AssetToken
}

func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	return out
}
