package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"lpwatch/pkg/chain/evm"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Account     string            `yaml:"account"`
	Pairs       PairsConfig       `yaml:"pairs"`
	Staking     StakingConfig     `yaml:"staking"`
	Legacy      LegacyConfig      `yaml:"legacy"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Persistence PersistenceConfig `yaml:"persistence"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	WSURL   string `yaml:"ws_url"`
	ChainID int64  `yaml:"chain_id"`
}

// ContractsConfig holds smart contract addresses.
type ContractsConfig struct {
	Factory      string `yaml:"factory"`
	InitCodeHash string `yaml:"init_code_hash"`
	Multicall    string `yaml:"multicall"`
}

// PairsConfig holds the static part of the tracked pair registry.
type PairsConfig struct {
	// Pinned pairs, each given as two token addresses
	Pinned [][2]string `yaml:"pinned"`
	// Every token is paired with every base token
	Tokens []string `yaml:"tokens"`
	Bases  []string `yaml:"bases"`
}

// StakingProgram is one StakingRewards contract and the pair it accepts.
type StakingProgram struct {
	TokenA  string `yaml:"token_a"`
	TokenB  string `yaml:"token_b"`
	Rewards string `yaml:"rewards"`
}

// StakingConfig lists the reward programs to check.
type StakingConfig struct {
	Programs []StakingProgram `yaml:"programs"`
}

// LegacyConfig lists legacy LP tokens whose balance triggers the migration hint.
type LegacyConfig struct {
	Tokens []string `yaml:"tokens"`
}

// RefreshConfig holds fetch scheduling settings.
type RefreshConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	BatchSize         int           `yaml:"batch_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// APIConfig holds the position API server settings.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID: 1, // Ethereum mainnet
	}
	c.Contracts = ContractsConfig{
		Factory:      uniswapv2.DefaultFactoryAddress.Hex(),
		InitCodeHash: uniswapv2.DefaultInitCodeHash.Hex(),
		Multicall:    evm.Multicall3Address.Hex(),
	}
	c.Pairs = PairsConfig{
		Bases: []string{
			"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
			"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
			"0x6B175474E89094C44Da98b954EedeAC495271d0F", // DAI
		},
	}
	c.Refresh = RefreshConfig{
		Interval:          15 * time.Second,
		FetchTimeout:      30 * time.Second,
		BatchSize:         100,
		RequestsPerSecond: 10,
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/lpwatch.db",
	}
	c.API = APIConfig{
		Enabled: true,
		Port:    8081,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		c.Chain.WSURL = v
	}

	if v := os.Getenv("ACCOUNT"); v != "" {
		c.Account = v
	}

	// API config
	if v := os.Getenv("API_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.API.Port = port
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set RPC_URL env var)")
	}
	if !common.IsHexAddress(c.Contracts.Factory) {
		return fmt.Errorf("contracts.factory must be an address")
	}
	if !common.IsHexAddress(c.Contracts.Multicall) {
		return fmt.Errorf("contracts.multicall must be an address")
	}
	if len(common.FromHex(c.Contracts.InitCodeHash)) != common.HashLength {
		return fmt.Errorf("contracts.init_code_hash must be 32 bytes")
	}
	if c.Account != "" && !common.IsHexAddress(c.Account) {
		return fmt.Errorf("account must be an address")
	}
	for i, p := range c.Pairs.Pinned {
		if !common.IsHexAddress(p[0]) || !common.IsHexAddress(p[1]) {
			return fmt.Errorf("pairs.pinned[%d] must hold two addresses", i)
		}
	}
	if err := validateAddresses("pairs.tokens", c.Pairs.Tokens); err != nil {
		return err
	}
	if err := validateAddresses("pairs.bases", c.Pairs.Bases); err != nil {
		return err
	}
	for i, p := range c.Staking.Programs {
		if !common.IsHexAddress(p.TokenA) || !common.IsHexAddress(p.TokenB) || !common.IsHexAddress(p.Rewards) {
			return fmt.Errorf("staking.programs[%d] needs token_a, token_b and rewards addresses", i)
		}
	}
	if err := validateAddresses("legacy.tokens", c.Legacy.Tokens); err != nil {
		return err
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive")
	}
	if c.Refresh.FetchTimeout <= 0 {
		return fmt.Errorf("refresh.fetch_timeout must be positive")
	}
	if c.Refresh.BatchSize <= 0 {
		return fmt.Errorf("refresh.batch_size must be positive")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port number")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

func validateAddresses(field string, addrs []string) error {
	for i, a := range addrs {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%s[%d] must be an address", field, i)
		}
	}
	return nil
}

// Factory returns the configured pair factory.
func (c *Config) Factory() uniswapv2.Factory {
	return uniswapv2.Factory{
		Address:      common.HexToAddress(c.Contracts.Factory),
		InitCodeHash: common.HexToHash(c.Contracts.InitCodeHash),
	}
}

// MulticallAddress returns the configured Multicall3 deployment.
func (c *Config) MulticallAddress() common.Address {
	return common.HexToAddress(c.Contracts.Multicall)
}

// AccountAddress returns the configured account, or nil when unset.
func (c *Config) AccountAddress() *common.Address {
	if c.Account == "" {
		return nil
	}
	a := common.HexToAddress(c.Account)
	return &a
}
