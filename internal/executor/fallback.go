package executor

import (
	"fmt"

	"github.com/acteon-io/gateway/internal/contracts"
)

// FallbackGraph resolves the chain of providers to try when a provider's
// circuit is open (spec §4.4). Each provider's CircuitConfig names at
// most one FallbackProvider; walking that chain must terminate, so the
// graph is validated for cycles once at config load time rather than on
// every dispatch.
type FallbackGraph struct {
	edges map[contracts.ProviderId]contracts.ProviderId
}

// NewFallbackGraph builds a graph from the per-provider circuit configs
// and rejects any cycle (spec §4.4 "fallback configuration MUST form a
// DAG; a cycle is a configuration error detected at load time").
func NewFallbackGraph(configs map[contracts.ProviderId]contracts.CircuitConfig) (*FallbackGraph, error) {
	edges := make(map[contracts.ProviderId]contracts.ProviderId, len(configs))
	for provider, cfg := range configs {
		if cfg.FallbackProvider != "" {
			edges[provider] = cfg.FallbackProvider
		}
	}

	g := &FallbackGraph{edges: edges}
	for provider := range edges {
		if err := g.checkAcyclic(provider); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *FallbackGraph) checkAcyclic(start contracts.ProviderId) error {
	visited := map[contracts.ProviderId]bool{start: true}
	current := start
	for {
		next, ok := g.edges[current]
		if !ok {
			return nil
		}
		if visited[next] {
			return fmt.Errorf("executor: fallback cycle detected starting at provider %q", start)
		}
		visited[next] = true
		current = next
	}
}

// Chain returns the ordered sequence of providers to attempt, starting
// with provider itself and following FallbackProvider edges until one
// has none configured. The returned slice always has at least one
// element.
func (g *FallbackGraph) Chain(provider contracts.ProviderId) []contracts.ProviderId {
	chain := []contracts.ProviderId{provider}
	seen := map[contracts.ProviderId]bool{provider: true}
	current := provider
	for {
		next, ok := g.edges[current]
		if !ok || seen[next] {
			return chain
		}
		chain = append(chain, next)
		seen[next] = true
		current = next
	}
}
