package margin

import (
	"sort"

	"github.com/google/uuid"
)

// AdapterConfig is the capability record for one adapter.
type AdapterConfig struct {
	ID           uuid.UUID      `json:"id" yaml:"id"`
	Airspace     uuid.UUID      `json:"airspace" yaml:"airspace"`
	AllowedKinds []PositionKind `json:"allowed_kinds" yaml:"allowed_kinds"`
}

func (c AdapterConfig) allows(kind PositionKind) bool {
	for _, k := range c.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry holds the per-airspace configuration consulted by the ledger:
// which tokens may be held, which adapters may touch which kinds, and who
// may liquidate.
type Registry struct {
	tokens      map[uuid.UUID]TokenConfig
	adapters    map[uuid.UUID]AdapterConfig
	liquidators map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		tokens:      make(map[uuid.UUID]TokenConfig),
		adapters:    make(map[uuid.UUID]AdapterConfig),
		liquidators: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (r *Registry) SetToken(cfg TokenConfig) {
	r.tokens[cfg.Mint] = cfg
}

func (r *Registry) Token(mint uuid.UUID) (TokenConfig, bool) {
	cfg, ok := r.tokens[mint]
	return cfg, ok
}

// TokenFor returns the token config for mint inside airspace.
func (r *Registry) TokenFor(airspace, mint uuid.UUID) (TokenConfig, error) {
	cfg, ok := r.tokens[mint]
	if !ok || cfg.Airspace != airspace {
		return TokenConfig{}, ErrPositionNotRegisterable
	}
	return cfg, nil
}

func (r *Registry) SetAdapter(cfg AdapterConfig) {
	r.adapters[cfg.ID] = cfg
}

func (r *Registry) Adapter(id uuid.UUID) (AdapterConfig, bool) {
	cfg, ok := r.adapters[id]
	return cfg, ok
}

func (r *Registry) PermitLiquidator(airspace, liquidator uuid.UUID) {
	set, ok := r.liquidators[airspace]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.liquidators[airspace] = set
	}
	set[liquidator] = struct{}{}
}

func (r *Registry) IsLiquidator(airspace, liquidator uuid.UUID) bool {
	_, ok := r.liquidators[airspace][liquidator]
	return ok
}

// RegistrySnapshot is the serializable form of a Registry.
type RegistrySnapshot struct {
	Tokens      []TokenConfig      `json:"tokens"`
	Adapters    []AdapterConfig    `json:"adapters"`
	Liquidators []LiquidatorPermit `json:"liquidators"`
}

type LiquidatorPermit struct {
	Airspace   uuid.UUID `json:"airspace" yaml:"airspace"`
	Liquidator uuid.UUID `json:"liquidator" yaml:"liquidator"`
}

// Snapshot returns the registry contents in a stable order.
func (r *Registry) Snapshot() RegistrySnapshot {
	var snap RegistrySnapshot
	for _, t := range r.tokens {
		snap.Tokens = append(snap.Tokens, t)
	}
	for _, a := range r.adapters {
		snap.Adapters = append(snap.Adapters, a)
	}
	for airspace, set := range r.liquidators {
		for l := range set {
			snap.Liquidators = append(snap.Liquidators, LiquidatorPermit{Airspace: airspace, Liquidator: l})
		}
	}
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].Mint.String() < snap.Tokens[j].Mint.String() })
	sort.Slice(snap.Adapters, func(i, j int) bool { return snap.Adapters[i].ID.String() < snap.Adapters[j].ID.String() })
	sort.Slice(snap.Liquidators, func(i, j int) bool {
		a, b := snap.Liquidators[i], snap.Liquidators[j]
		if a.Airspace != b.Airspace {
			return a.Airspace.String() < b.Airspace.String()
		}
		return a.Liquidator.String() < b.Liquidator.String()
	})
	return snap
}

// RestoreRegistry rebuilds a registry from a snapshot.
func RestoreRegistry(snap RegistrySnapshot) *Registry {
	r := NewRegistry()
	for _, t := range snap.Tokens {
		r.SetToken(t)
	}
	for _, a := range snap.Adapters {
		r.SetAdapter(a)
	}
	for _, p := range snap.Liquidators {
		r.PermitLiquidator(p.Airspace, p.Liquidator)
	}
	return r
}
