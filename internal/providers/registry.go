package providers

import (
	"fmt"
	"sort"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

// Endpoints holds the OAuth endpoints a provider exposes. Empty fields mean
// the provider has no such endpoint.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	RevokeURL        string
}

// Definition is the static configuration for one provider: its category,
// auth style, OAuth endpoints and declared feature list. Adding a provider is
// a data change here, never a control-flow change elsewhere.
type Definition struct {
	Name        string
	Category    string
	Auth        integration.AuthType
	Endpoints   Endpoints
	Scopes      []string
	RequirePKCE bool
	Features    []string
}

// Registry is the read-only provider table plus the per-category failover
// priority chains.
type Registry struct {
	defs   map[string]Definition
	chains map[string][]string
}

// NewRegistry builds the registry from the builtin provider table.
func NewRegistry() *Registry {
	return newRegistry(builtinDefinitions, builtinChains)
}

func newRegistry(defs []Definition, chains map[string][]string) *Registry {
	table := make(map[string]Definition, len(defs))
	for _, def := range defs {
		table[def.Name] = def
	}
	return &Registry{defs: table, chains: chains}
}

// Lookup returns the provider definition by name.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("provider %s: %w", name, integration.ErrProviderNotFound)
	}
	return def, nil
}

// Chain returns the ordered failover priority chain for a category.
func (r *Registry) Chain(category string) []string {
	return append([]string(nil), r.chains[category]...)
}

// Position returns the provider's index in its category chain, or the chain
// length when the provider is not ranked (sorts last).
func (r *Registry) Position(category, provider string) int {
	chain := r.chains[category]
	for i, name := range chain {
		if name == provider {
			return i
		}
	}
	return len(chain)
}

// Fallbacks returns the providers strictly after the given one in the
// category's priority chain.
func (r *Registry) Fallbacks(category, after string) []string {
	chain := r.chains[category]
	for i, name := range chain {
		if name == after {
			return append([]string(nil), chain[i+1:]...)
		}
	}
	return nil
}

// FeaturesLost computes the features present on from but absent on to,
// sorted, so callers can judge whether the degraded set is acceptable.
func (r *Registry) FeaturesLost(from, to string) ([]string, error) {
	fromDef, err := r.Lookup(from)
	if err != nil {
		return nil, err
	}
	toDef, err := r.Lookup(to)
	if err != nil {
		return nil, err
	}
	kept := make(map[string]struct{}, len(toDef.Features))
	for _, f := range toDef.Features {
		kept[f] = struct{}{}
	}
	var lost []string
	for _, f := range fromDef.Features {
		if _, ok := kept[f]; !ok {
			lost = append(lost, f)
		}
	}
	sort.Strings(lost)
	return lost, nil
}

// Categories lists every category with a configured chain, sorted.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.chains))
	for category := range r.chains {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}
