package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/config"
	"MarginLedger/internal/margin"
)

func TestDefaultConfig_ReadsEnv(t *testing.T) {
	t.Setenv("MARGIN_PERSIST_BATCH_SIZE", "7")
	t.Setenv("MARGIN_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("MARGIN_HTTP_ADDR", ":1234")
	t.Setenv("MARGIN_SNAPSHOT_INTERVAL", "not-a-number")

	cfg := config.DefaultConfig()
	assert.Equal(t, 7, cfg.PersistBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, ":1234", cfg.HTTPAddr)
	assert.EqualValues(t, 100_000, cfg.SnapshotInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MARGIN_GRPC_ADDR=:7777\n"), 0o600))
	t.Setenv("MARGIN_GRPC_ADDR", "")
	os.Unsetenv("MARGIN_GRPC_ADDR")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.GRPCAddr)
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate_RejectsNonPositiveSizes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PersistBatchSize = 0
	assert.ErrorContains(t, cfg.Validate(), "MARGIN_PERSIST_BATCH_SIZE")
}

type genesisIDs struct {
	airspace, usdc, feed, liquidator uuid.UUID
}

func newGenesisIDs() genesisIDs {
	return genesisIDs{airspace: uuid.New(), usdc: uuid.New(), feed: uuid.New(), liquidator: uuid.New()}
}

func (ids genesisIDs) yaml() string {
	return fmt.Sprintf(`
airspaces: [%[1]s]
oracles: [%[3]s]
tokens:
  - mint: %[2]s
    airspace: %[1]s
    oracle: %[3]s
    kind: Deposit
    value_modifier: 10000
    max_staleness: 60
liquidators:
  - airspace: %[1]s
    liquidator: %[4]s
`, ids.airspace, ids.usdc, ids.feed, ids.liquidator)
}

func TestParseGenesis_BuildsState(t *testing.T) {
	ids := newGenesisIDs()
	g, err := config.ParseGenesis([]byte(ids.yaml()))
	require.NoError(t, err)

	state, err := g.State()
	require.NoError(t, err)

	tok, ok := state.Registry.Token(ids.usdc)
	require.True(t, ok)
	assert.Equal(t, margin.KindDeposit, tok.Kind)
	assert.Equal(t, ids.airspace, tok.Airspace)
	assert.EqualValues(t, 10_000, tok.ValueModifier)
	assert.True(t, state.Registry.IsLiquidator(ids.airspace, ids.liquidator))
	assert.True(t, state.Oracles.Known(ids.feed))
	assert.Empty(t, state.Accounts)
}

func TestParseGenesis_Empty(t *testing.T) {
	g, err := config.ParseGenesis(nil)
	require.NoError(t, err)
	state, err := g.State()
	require.NoError(t, err)
	assert.Empty(t, state.Markets.IDs())
}

func TestParseGenesis_Rejects(t *testing.T) {
	ids := newGenesisIDs()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "airspaces: []\nfees: 3\n",
			want: "fees",
		},
		{
			name: "token in unknown airspace",
			yaml: fmt.Sprintf("tokens:\n  - mint: %s\n    airspace: %s\n    kind: Deposit\n", ids.usdc, ids.airspace),
			want: "unknown airspace",
		},
		{
			name: "bad kind",
			yaml: fmt.Sprintf("airspaces: [%[1]s]\noracles: [%[3]s]\ntokens:\n  - mint: %[2]s\n    airspace: %[1]s\n    oracle: %[3]s\n    kind: Loan\n",
				ids.airspace, ids.usdc, ids.feed),
			want: "unknown position kind",
		},
		{
			name: "claim without adapter",
			yaml: fmt.Sprintf("airspaces: [%[1]s]\ntokens:\n  - mint: %[2]s\n    airspace: %[1]s\n    kind: Claim\n",
				ids.airspace, ids.usdc),
			want: "need an adapter",
		},
		{
			name: "deposit without oracle",
			yaml: fmt.Sprintf("airspaces: [%[1]s]\ntokens:\n  - mint: %[2]s\n    airspace: %[1]s\n    kind: Deposit\n",
				ids.airspace, ids.usdc),
			want: "need an oracle",
		},
		{
			name: "duplicate airspace",
			yaml: fmt.Sprintf("airspaces: [%[1]s, %[1]s]\n", ids.airspace),
			want: "duplicate airspace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseGenesis([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadGenesis_File(t *testing.T) {
	ids := newGenesisIDs()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ids.yaml()), 0o600))

	g, err := config.LoadGenesis(path)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids.airspace}, g.Airspaces)
	require.Len(t, g.Tokens, 1)
	assert.Equal(t, "Deposit", g.Tokens[0].Kind)
}
