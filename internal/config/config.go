package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/statestore"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// NetworkFile models one entry of networks.json.
type NetworkFile struct {
	ChainID        uint64 `json:"chainId"`
	RPCURL         string `json:"rpcUrl"`
	ChainName      string `json:"chainName"`
	NativeSymbol   string `json:"nativeSymbol"`
	NativeDecimals uint8  `json:"nativeDecimals"`
	Contracts      struct {
		Token           string `json:"token"`
		Passport        string `json:"passport"`
		Vault           string `json:"vault"`
		Factory         string `json:"factory"`
		DisputeResolver string `json:"disputeResolver"`
	} `json:"contracts"`
}

// NetworksFile represents networks.json.
type NetworksFile struct {
	Default       string                 `json:"default"`
	Networks      map[string]NetworkFile `json:"networks"`
	Confirmations map[string]uint64      `json:"confirmations"`
}

// AppConfig ties together the network table and derived service values.
type AppConfig struct {
	Networks       map[chain.NetworkID]chain.Profile
	DefaultNetwork chain.NetworkID
	Service        ServiceConfig
	Chain          ChainConfig
	State          statestore.Options
	Log            LogConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
}

type ChainConfig struct {
	PrivateKey          string
	Retry               chain.RetryPolicy
	RPCTimeout          time.Duration
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
	VaultPollInterval   time.Duration
	BalancePollInterval time.Duration
	Confirmations       chain.ConfirmationPolicy
}

type LogConfig struct {
	Level       string
	Environment string
}

const defaultNetworksPath = "networks.json"

// Defaults reproduces the two deployed networks: AssetHub Paseo carries
// the full contract set, Arbitrum Sepolia only token, passport and vault.
func Defaults() NetworksFile {
	var paseo NetworkFile
	paseo.ChainID = 420420422
	paseo.RPCURL = "https://testnet-passet-hub-eth-rpc.polkadot.io"
	paseo.ChainName = "AssetHub Paseo Testnet"
	paseo.NativeSymbol = "PAS"
	paseo.NativeDecimals = 18
	paseo.Contracts.Token = "0x9f630D9994883D96A1c5E74AC81104FF9E5bFda8"
	paseo.Contracts.Passport = "0x3dE7d06a9C36da9F603E449E512fab967Cc740a3"
	paseo.Contracts.Vault = "0xD2C0Be059ab58367B209290934005f76264b59db"
	paseo.Contracts.Factory = "0x1514e3cCC72bc2FdcA2E7a6d52303917a133E5ae"
	paseo.Contracts.DisputeResolver = "0xbb037C5EA4987858Ba2211046297929F6558dB6a"

	var arbitrum NetworkFile
	arbitrum.ChainID = 421614
	arbitrum.RPCURL = "https://sepolia-rollup.arbitrum.io/rpc"
	arbitrum.ChainName = "Arbitrum Sepolia"
	arbitrum.NativeSymbol = "ETH"
	arbitrum.NativeDecimals = 18
	arbitrum.Contracts.Token = "0x82B9e52b26A2954E113F94Ff26647754d5a4247D"
	arbitrum.Contracts.Passport = "0x674687e09042452C0ad3D5EC06912bf4979bFC33"
	arbitrum.Contracts.Vault = "0xF8F626afB4AadB41Be7D746e53Ff417735b1C289"

	return NetworksFile{
		Default: string(chain.Primary),
		Networks: map[string]NetworkFile{
			string(chain.Primary):   paseo,
			string(chain.Secondary): arbitrum,
		},
	}
}

// Load aggregates configuration from .env, networks.json and environment.
// A missing networks.json falls back to Defaults.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	nets, err := loadNetworks(envOr("NETWORKS_PATH", defaultNetworksPath))
	if err != nil {
		return nil, fmt.Errorf("load networks: %w", err)
	}
	return build(nets)
}

func build(nets NetworksFile) (*AppConfig, error) {
	profiles := make(map[chain.NetworkID]chain.Profile, len(nets.Networks))
	for name, n := range nets.Networks {
		id := chain.NetworkID(name)
		if id != chain.Primary && id != chain.Secondary {
			return nil, fmt.Errorf("network %q: only %q and %q are supported", name, chain.Primary, chain.Secondary)
		}
		envPrefix := strings.ToUpper(name) + "_"
		n.RPCURL = envOr(envPrefix+"RPC_URL", n.RPCURL)
		p, err := n.profile(id)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		profiles[id] = p
	}

	def := chain.NetworkID(envOr("DEFAULT_NETWORK", nets.Default))
	if def == "" {
		def = chain.Primary
	}
	if _, ok := profiles[def]; !ok {
		return nil, fmt.Errorf("default network %q is not configured", def)
	}

	overrides := make(map[chain.OperationKind]uint64)
	for kind, n := range nets.Confirmations {
		overrides[chain.OperationKind(kind)] = n
	}
	for kind := range chain.DefaultConfirmationPolicy() {
		if n := envOrInt("CONFIRMATIONS_"+strings.ToUpper(string(kind)), 0); n > 0 {
			overrides[kind] = uint64(n)
		}
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:        envOr("HMAC_SECRET", ""),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
	}

	chainCfg := ChainConfig{
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
		Retry: chain.RetryPolicy{
			MaxAttempts:       envOrInt("RPC_RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("RPC_RETRY_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RPC_RETRY_MAX_BACKOFF_MS", 5000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("RPC_RETRY_BACKOFF_MULTIPLIER", 2),
		},
		RPCTimeout:          time.Duration(envOrInt("RPC_TIMEOUT_MS", 10000)) * time.Millisecond,
		ConfirmTimeout:      time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second,
		ReceiptPollInterval: time.Duration(envOrInt("RECEIPT_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		VaultPollInterval:   time.Duration(envOrInt("VAULT_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		BalancePollInterval: time.Duration(envOrInt("BALANCE_POLL_INTERVAL_MS", 10000)) * time.Millisecond,
		Confirmations:       chain.DefaultConfirmationPolicy().With(overrides),
	}

	stateCfg := statestore.Options{
		Backend:     envOr("STATE_BACKEND", "file"),
		FilePath:    envOr("STATE_FILE_PATH", filepath.Join(os.TempDir(), "roomfi-state.json")),
		BadgerDir:   envOr("STATE_BADGER_DIR", filepath.Join(os.TempDir(), "roomfi-badger")),
		PostgresDSN: envOr("STATE_POSTGRES_DSN", ""),
	}

	return &AppConfig{
		Networks:       profiles,
		DefaultNetwork: def,
		Service:        serviceCfg,
		Chain:          chainCfg,
		State:          stateCfg,
		Log: LogConfig{
			Level:       envOr("LOG_LEVEL", "info"),
			Environment: envOr("APP_ENV", "development"),
		},
	}, nil
}

func (n NetworkFile) profile(id chain.NetworkID) (chain.Profile, error) {
	if n.ChainID == 0 {
		return chain.Profile{}, errors.New("chainId is required")
	}
	if n.RPCURL == "" {
		return chain.Profile{}, errors.New("rpcUrl is required")
	}
	p := chain.Profile{
		ID:             id,
		ChainID:        n.ChainID,
		RPCURL:         n.RPCURL,
		DisplayName:    n.ChainName,
		NativeSymbol:   n.NativeSymbol,
		NativeDecimals: n.NativeDecimals,
	}
	if p.NativeDecimals == 0 {
		p.NativeDecimals = 18
	}

	fields := []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"token", n.Contracts.Token, &p.Contracts.Token},
		{"passport", n.Contracts.Passport, &p.Contracts.Passport},
		{"vault", n.Contracts.Vault, &p.Contracts.Vault},
		{"factory", n.Contracts.Factory, &p.Contracts.Factory},
		{"disputeResolver", n.Contracts.DisputeResolver, &p.Contracts.DisputeResolver},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		addr, err := chain.ParseAddress(f.raw)
		if err != nil {
			return chain.Profile{}, fmt.Errorf("contracts.%s: %w", f.name, err)
		}
		*f.dst = addr
	}
	if p.Contracts.Token == (common.Address{}) {
		return chain.Profile{}, errors.New("contracts.token is required")
	}
	return p, nil
}

func loadNetworks(path string) (NetworksFile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return NetworksFile{}, err
	}
	var cfg NetworksFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return NetworksFile{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
