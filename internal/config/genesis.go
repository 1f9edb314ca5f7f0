package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"MarginLedger/internal/core"
	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/oracle"
)

// Genesis is the protocol configuration the ledger starts from: which
// airspaces exist, what may be held in them, who may liquidate and which
// fixed-term markets trade.
type Genesis struct {
	Airspaces   []uuid.UUID                    `yaml:"airspaces"`
	Oracles     []uuid.UUID                    `yaml:"oracles"`
	Tokens      []TokenSpec                    `yaml:"tokens"`
	Adapters    []AdapterSpec                  `yaml:"adapters"`
	Liquidators []LiquidatorSpec               `yaml:"liquidators"`
	Markets     []fixedterm.Market             `yaml:"markets"`
	Cranks      []fixedterm.CrankAuthorization `yaml:"cranks"`
}

// TokenSpec is margin.TokenConfig with the kind spelled out.
type TokenSpec struct {
	Mint          uuid.UUID `yaml:"mint"`
	Airspace      uuid.UUID `yaml:"airspace"`
	Underlying    uuid.UUID `yaml:"underlying"`
	Adapter       uuid.UUID `yaml:"adapter"`
	Oracle        uuid.UUID `yaml:"oracle"`
	Kind          string    `yaml:"kind"` // Deposit, Claim or AdapterCollateral
	Exponent      int32     `yaml:"exponent"`
	ValueModifier uint16    `yaml:"value_modifier"`
	MaxStaleness  int64     `yaml:"max_staleness"`
}

// AdapterSpec is margin.AdapterConfig with the kinds spelled out.
type AdapterSpec struct {
	ID           uuid.UUID `yaml:"id"`
	Airspace     uuid.UUID `yaml:"airspace"`
	AllowedKinds []string  `yaml:"allowed_kinds"`
}

type LiquidatorSpec struct {
	Airspace   uuid.UUID `yaml:"airspace"`
	Liquidator uuid.UUID `yaml:"liquidator"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	return ParseGenesis(data)
}

// ParseGenesis decodes YAML, rejecting unknown fields, and validates it.
func ParseGenesis(data []byte) (*Genesis, error) {
	var g Genesis
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&g); err != nil {
			return nil, fmt.Errorf("parse genesis: %w", err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks every reference in the genesis resolves.
func (g *Genesis) Validate() error {
	airspaces, err := idSet("airspace", g.Airspaces)
	if err != nil {
		return err
	}
	oracles, err := idSet("oracle", g.Oracles)
	if err != nil {
		return err
	}

	adapters := make(map[uuid.UUID]struct{}, len(g.Adapters))
	for i, a := range g.Adapters {
		if a.ID == uuid.Nil {
			return fmt.Errorf("adapters[%d]: id is not set", i)
		}
		if _, dup := adapters[a.ID]; dup {
			return fmt.Errorf("adapters[%d]: duplicate adapter %s", i, a.ID)
		}
		if _, ok := airspaces[a.Airspace]; !ok {
			return fmt.Errorf("adapters[%d]: unknown airspace %s", i, a.Airspace)
		}
		if _, err := parseKinds(a.AllowedKinds); err != nil {
			return fmt.Errorf("adapters[%d]: %w", i, err)
		}
		adapters[a.ID] = struct{}{}
	}

	tokens := make(map[uuid.UUID]struct{}, len(g.Tokens))
	for i, t := range g.Tokens {
		if t.Mint == uuid.Nil {
			return fmt.Errorf("tokens[%d]: mint is not set", i)
		}
		if _, dup := tokens[t.Mint]; dup {
			return fmt.Errorf("tokens[%d]: duplicate mint %s", i, t.Mint)
		}
		if _, ok := airspaces[t.Airspace]; !ok {
			return fmt.Errorf("tokens[%d]: unknown airspace %s", i, t.Airspace)
		}
		kind, err := margin.ParsePositionKind(t.Kind)
		if err != nil {
			return fmt.Errorf("tokens[%d]: %w", i, err)
		}
		if t.Adapter != uuid.Nil {
			if _, ok := adapters[t.Adapter]; !ok {
				return fmt.Errorf("tokens[%d]: unknown adapter %s", i, t.Adapter)
			}
		} else if kind != margin.KindDeposit {
			return fmt.Errorf("tokens[%d]: %s tokens need an adapter", i, kind)
		}
		if kind == margin.KindDeposit && t.Oracle == uuid.Nil {
			return fmt.Errorf("tokens[%d]: deposit tokens need an oracle", i)
		}
		if t.Oracle != uuid.Nil {
			if _, ok := oracles[t.Oracle]; !ok {
				return fmt.Errorf("tokens[%d]: unknown oracle %s", i, t.Oracle)
			}
		}
		tokens[t.Mint] = struct{}{}
	}

	for i, l := range g.Liquidators {
		if _, ok := airspaces[l.Airspace]; !ok {
			return fmt.Errorf("liquidators[%d]: unknown airspace %s", i, l.Airspace)
		}
		if l.Liquidator == uuid.Nil {
			return fmt.Errorf("liquidators[%d]: liquidator is not set", i)
		}
	}

	markets := make(map[uuid.UUID]struct{}, len(g.Markets))
	for i, m := range g.Markets {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("markets[%d]: %w", i, err)
		}
		if _, dup := markets[m.ID]; dup {
			return fmt.Errorf("markets[%d]: duplicate market %s", i, m.ID)
		}
		if _, ok := airspaces[m.Airspace]; !ok {
			return fmt.Errorf("markets[%d]: unknown airspace %s", i, m.Airspace)
		}
		if _, ok := adapters[m.Adapter]; !ok {
			return fmt.Errorf("markets[%d]: unknown adapter %s", i, m.Adapter)
		}
		for _, feed := range []uuid.UUID{m.UnderlyingOracle, m.TicketOracle} {
			if _, ok := oracles[feed]; !ok {
				return fmt.Errorf("markets[%d]: unknown oracle %s", i, feed)
			}
		}
		markets[m.ID] = struct{}{}
	}

	for i, c := range g.Cranks {
		if c.ID == uuid.Nil || c.Crank == uuid.Nil {
			return fmt.Errorf("cranks[%d]: id and crank must be set", i)
		}
		if _, ok := markets[c.Market]; !ok {
			return fmt.Errorf("cranks[%d]: unknown market %s", i, c.Market)
		}
		if _, ok := airspaces[c.Airspace]; !ok {
			return fmt.Errorf("cranks[%d]: unknown airspace %s", i, c.Airspace)
		}
	}
	return nil
}

// State builds the empty ledger state described by the genesis.
func (g *Genesis) State() (*core.State, error) {
	reg := margin.NewRegistry()
	for _, a := range g.Adapters {
		kinds, err := parseKinds(a.AllowedKinds)
		if err != nil {
			return nil, err
		}
		reg.SetAdapter(margin.AdapterConfig{ID: a.ID, Airspace: a.Airspace, AllowedKinds: kinds})
	}
	for _, t := range g.Tokens {
		kind, err := margin.ParsePositionKind(t.Kind)
		if err != nil {
			return nil, err
		}
		reg.SetToken(margin.TokenConfig{
			Mint:          t.Mint,
			Airspace:      t.Airspace,
			Underlying:    t.Underlying,
			Adapter:       t.Adapter,
			Oracle:        t.Oracle,
			Kind:          kind,
			Exponent:      t.Exponent,
			ValueModifier: t.ValueModifier,
			MaxStaleness:  t.MaxStaleness,
		})
	}
	for _, l := range g.Liquidators {
		reg.PermitLiquidator(l.Airspace, l.Liquidator)
	}

	oracles := oracle.NewTable()
	for _, id := range g.Oracles {
		oracles.Register(id)
	}

	markets := fixedterm.NewMarkets()
	for _, m := range g.Markets {
		if err := markets.AddMarket(m); err != nil {
			return nil, err
		}
	}
	for _, c := range g.Cranks {
		markets.AuthorizeCrank(c)
	}

	return core.NewState(reg, oracles, markets), nil
}

func parseKinds(names []string) ([]margin.PositionKind, error) {
	kinds := make([]margin.PositionKind, 0, len(names))
	for _, n := range names {
		k, err := margin.ParsePositionKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func idSet(name string, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for i, id := range ids {
		if id == uuid.Nil {
			return nil, fmt.Errorf("%ss[%d]: id is not set", name, i)
		}
		if _, dup := set[id]; dup {
			return nil, fmt.Errorf("%ss[%d]: duplicate %s %s", name, i, name, id)
		}
		set[id] = struct{}{}
	}
	return set, nil
}
