package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"roomfi/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToBuiltInNetworks(t *testing.T) {
	t.Setenv("NETWORKS_PATH", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, chain.Primary, cfg.DefaultNetwork)
	primary := cfg.Networks[chain.Primary]
	assert.Equal(t, uint64(420420422), primary.ChainID)
	assert.Equal(t, "PAS", primary.NativeSymbol)
	assert.Equal(t, common.HexToAddress("0x1514e3cCC72bc2FdcA2E7a6d52303917a133E5ae"), primary.Contracts.Factory)

	secondary := cfg.Networks[chain.Secondary]
	assert.Equal(t, uint64(421614), secondary.ChainID)
	assert.Equal(t, common.Address{}, secondary.Contracts.Factory, "no factory deployed on the secondary network")

	assert.Equal(t, uint64(2), cfg.Chain.Confirmations.For(chain.OpPayRent))
	assert.Equal(t, 2*time.Second, cfg.Chain.VaultPollInterval)
	assert.Equal(t, 10*time.Second, cfg.Chain.BalancePollInterval)
}

func TestLoadReadsNetworksFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.json")
	blob := `{
  "default": "secondary",
  "networks": {
    "secondary": {
      "chainId": 31337,
      "rpcUrl": "http://localhost:8545",
      "chainName": "Local",
      "contracts": {"token": "0x82B9e52b26A2954E113F94Ff26647754d5a4247D"}
    }
  },
  "confirmations": {"pay_rent": 5}
}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))
	t.Setenv("NETWORKS_PATH", path)
	t.Setenv("SECONDARY_RPC_URL", "http://node:8545")
	t.Setenv("CONFIRMATIONS_VAULT_DEPOSIT", "4")
	t.Setenv("API_HTTP_PORT", "8080")
	t.Setenv("STATE_BACKEND", "badger")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, chain.Secondary, cfg.DefaultNetwork)
	p := cfg.Networks[chain.Secondary]
	assert.Equal(t, "http://node:8545", p.RPCURL)
	assert.Equal(t, uint8(18), p.NativeDecimals)
	assert.Equal(t, uint64(5), cfg.Chain.Confirmations.For(chain.OpPayRent))
	assert.Equal(t, uint64(4), cfg.Chain.Confirmations.For(chain.OpVaultDeposit))
	assert.Equal(t, uint64(1), cfg.Chain.Confirmations.For(chain.OpSign))
	assert.Equal(t, 8080, cfg.Service.HTTPPort)
	assert.Equal(t, "badger", cfg.State.Backend)
}

func TestBuildRejectsInvalidNetworks(t *testing.T) {
	cases := map[string]func(*NetworksFile){
		"unknown id": func(f *NetworksFile) {
			f.Networks["tertiary"] = f.Networks["primary"]
		},
		"bad address": func(f *NetworksFile) {
			n := f.Networks["primary"]
			n.Contracts.Vault = "0xnope"
			f.Networks["primary"] = n
		},
		"missing chain id": func(f *NetworksFile) {
			n := f.Networks["secondary"]
			n.ChainID = 0
			f.Networks["secondary"] = n
		},
		"default not configured": func(f *NetworksFile) {
			delete(f.Networks, "primary")
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := Defaults()
			mutate(&f)
			_, err := build(f)
			assert.Error(t, err)
		})
	}
}
