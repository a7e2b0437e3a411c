// Package config holds the relay configuration loaded from YAML or the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"solana-gas-relay/internal/domain"
)

// EnvPrefix prefixes every environment variable, e.g. RELAY_RPC_ENDPOINTS.
const EnvPrefix = "RELAY"

const (
	defaultAddr                 = ":8080"
	defaultRateLimit            = 120 // requests per minute per client IP
	defaultLogLevel             = "info"
	defaultQuoteTTL             = 60 * time.Second
	defaultNetworkFee           = 5000
	defaultSignatures           = 2 // fee payer and user
	defaultComputeUnits         = 200_000
	defaultBurnRatio            = 0.764
	defaultMarkup               = 1.0
	defaultCallTimeout          = 10 * time.Second
	defaultMaxAttempts          = 3
	defaultFailureThreshold     = 3
	defaultCooldown             = 30 * time.Second
	defaultRecheckInterval      = 15 * time.Second
	defaultRefreshInterval      = 30 * time.Second
	defaultSettlementInterval   = 10 * time.Minute
	defaultVerificationInterval = 30 * time.Minute
	defaultSlippageBps          = 100
	defaultJupiterURL           = "https://quote-api.jup.ag"
	defaultExplorerURL          = "https://solscan.io/tx/"
)

// Server configures the HTTP surface.
type Server struct {
	Addr        string   `yaml:"addr" envconfig:"ADDR"`
	MetricsKey  string   `yaml:"metrics_key" envconfig:"METRICS_KEY"`
	RateLimit   int      `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
	ExplorerURL string   `yaml:"explorer_url" envconfig:"EXPLORER_URL"`
}

// RPC configures the upstream ledger endpoints and the failover envelope.
type RPC struct {
	Endpoints        []string      `yaml:"endpoints" envconfig:"ENDPOINTS"`
	WSEndpoint       string        `yaml:"ws_endpoint" envconfig:"WS_ENDPOINT"`
	CallTimeout      time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`
	MaxAttempts      int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	Cooldown         time.Duration `yaml:"cooldown" envconfig:"COOLDOWN"`
	RecheckInterval  time.Duration `yaml:"recheck_interval" envconfig:"RECHECK_INTERVAL"`
}

// FeePayers configures the hot signing wallets.
type FeePayers struct {
	// Keys are base58 secret keys or paths to solana-keygen JSON files.
	Keys             []string      `yaml:"keys" envconfig:"KEYS"`
	WarningLamports  uint64        `yaml:"warning_lamports" envconfig:"WARNING_LAMPORTS"`
	CriticalLamports uint64        `yaml:"critical_lamports" envconfig:"CRITICAL_LAMPORTS"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
}

// Pricing configures the fee formula. NetworkFee is the ledger fee per
// signature; quotes are priced for Signatures of them.
type Pricing struct {
	QuoteTTL            time.Duration `yaml:"quote_ttl" envconfig:"QUOTE_TTL"`
	NetworkFee          uint64        `yaml:"network_fee" envconfig:"NETWORK_FEE"`
	Signatures          uint8         `yaml:"signatures" envconfig:"SIGNATURES"`
	DefaultComputeUnits uint32        `yaml:"default_compute_units" envconfig:"DEFAULT_COMPUTE_UNITS"`
	MicroLamportsPerCU  uint64        `yaml:"micro_lamports_per_cu" envconfig:"MICRO_LAMPORTS_PER_CU"`
	RewardMint          string        `yaml:"reward_mint" envconfig:"REWARD_MINT"`
	EcosystemShare      float64       `yaml:"ecosystem_share" envconfig:"ECOSYSTEM_SHARE"`
	// BurnRatio is a pointer so an explicit 0 is distinguishable from unset.
	BurnRatio *float64 `yaml:"burn_ratio" envconfig:"BURN_RATIO"`
}

// Treasury configures settlement and verification.
type Treasury struct {
	// Key signs burn batches and swaps. Without it settlement is disabled and
	// Address must be set.
	Key                  string        `yaml:"key" envconfig:"KEY"`
	Address              string        `yaml:"address" envconfig:"ADDRESS"`
	SettlementInterval   time.Duration `yaml:"settlement_interval" envconfig:"SETTLEMENT_INTERVAL"`
	VerificationInterval time.Duration `yaml:"verification_interval" envconfig:"VERIFICATION_INTERVAL"`
	RewardToken2022      bool          `yaml:"reward_token_2022" envconfig:"REWARD_TOKEN_2022"`
	JupiterURL           string        `yaml:"jupiter_url" envconfig:"JUPITER_URL"`
	SlippageBps          int           `yaml:"slippage_bps" envconfig:"SLIPPAGE_BPS"`
}

// Storage selects the persistence backends.
type Storage struct {
	UseMemory     bool   `yaml:"use_memory" envconfig:"USE_MEMORY"`
	PostgresDSN   string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	ClickHouseDSN string `yaml:"clickhouse_dsn" envconfig:"CLICKHOUSE_DSN"`
	RedisURL      string `yaml:"redis_url" envconfig:"REDIS_URL"`
}

// Asset describes a payment asset in configuration.
type Asset struct {
	Mint        string  `yaml:"mint"`
	Symbol      string  `yaml:"symbol"`
	Name        string  `yaml:"name"`
	Decimals    uint8   `yaml:"decimals"`
	LamportRate float64 `yaml:"lamport_rate"`
	Markup      float64 `yaml:"markup"`
	Score       int     `yaml:"score"`
}

// Config is the complete relay configuration.
type Config struct {
	LogLevel  string    `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogPretty bool      `yaml:"log_pretty" envconfig:"LOG_PRETTY"`
	Server    Server    `yaml:"server" envconfig:"SERVER"`
	RPC       RPC       `yaml:"rpc" envconfig:"RPC"`
	FeePayers FeePayers `yaml:"fee_payers" envconfig:"FEE_PAYERS"`
	Pricing   Pricing   `yaml:"pricing" envconfig:"PRICING"`
	Treasury  Treasury  `yaml:"treasury" envconfig:"TREASURY"`
	Storage   Storage   `yaml:"storage" envconfig:"STORAGE"`
	// Assets are only configurable from YAML; the environment gets the native asset.
	Assets []Asset `yaml:"assets" ignored:"true"`
}

// Load Config from a yaml file at path.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	c.applyDefaults()
	return nil
}

// LoadFromEnv loads Config from the environment after a best-effort .env load.
func (c *Config) LoadFromEnv() error {
	_ = godotenv.Load()

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return err
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = defaultRateLimit
	}
	if c.Server.ExplorerURL == "" {
		c.Server.ExplorerURL = defaultExplorerURL
	}

	if c.RPC.CallTimeout == 0 {
		c.RPC.CallTimeout = defaultCallTimeout
	}
	if c.RPC.MaxAttempts == 0 {
		c.RPC.MaxAttempts = defaultMaxAttempts
	}
	if c.RPC.FailureThreshold == 0 {
		c.RPC.FailureThreshold = defaultFailureThreshold
	}
	if c.RPC.Cooldown == 0 {
		c.RPC.Cooldown = defaultCooldown
	}
	if c.RPC.RecheckInterval == 0 {
		c.RPC.RecheckInterval = defaultRecheckInterval
	}

	if c.FeePayers.WarningLamports == 0 {
		c.FeePayers.WarningLamports = domain.LamportsPerSOL / 2
	}
	if c.FeePayers.CriticalLamports == 0 {
		c.FeePayers.CriticalLamports = domain.LamportsPerSOL / 20
	}
	if c.FeePayers.RefreshInterval == 0 {
		c.FeePayers.RefreshInterval = defaultRefreshInterval
	}

	if c.Pricing.QuoteTTL == 0 {
		c.Pricing.QuoteTTL = defaultQuoteTTL
	}
	if c.Pricing.NetworkFee == 0 {
		c.Pricing.NetworkFee = defaultNetworkFee
	}
	if c.Pricing.Signatures == 0 {
		c.Pricing.Signatures = defaultSignatures
	}
	if c.Pricing.DefaultComputeUnits == 0 {
		c.Pricing.DefaultComputeUnits = defaultComputeUnits
	}
	if c.Pricing.BurnRatio == nil {
		r := defaultBurnRatio
		c.Pricing.BurnRatio = &r
	}

	if c.Treasury.SettlementInterval == 0 {
		c.Treasury.SettlementInterval = defaultSettlementInterval
	}
	if c.Treasury.VerificationInterval == 0 {
		c.Treasury.VerificationInterval = defaultVerificationInterval
	}
	if c.Treasury.JupiterURL == "" {
		c.Treasury.JupiterURL = defaultJupiterURL
	}
	if c.Treasury.SlippageBps == 0 {
		c.Treasury.SlippageBps = defaultSlippageBps
	}

	for i := range c.Assets {
		if c.Assets[i].Markup == 0 {
			c.Assets[i].Markup = defaultMarkup
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return errors.New("rpc.endpoints: at least one endpoint required")
	}
	if len(c.FeePayers.Keys) == 0 {
		return errors.New("fee_payers.keys: at least one key required")
	}
	if c.FeePayers.CriticalLamports >= c.FeePayers.WarningLamports {
		return fmt.Errorf("fee_payers: critical_lamports %d must be below warning_lamports %d",
			c.FeePayers.CriticalLamports, c.FeePayers.WarningLamports)
	}
	if c.Pricing.RewardMint == "" {
		return errors.New("pricing.reward_mint: required")
	}
	if !inUnitRange(c.Pricing.EcosystemShare) {
		return fmt.Errorf("pricing.ecosystem_share %v: must be in [0,1]", c.Pricing.EcosystemShare)
	}
	if !inUnitRange(c.BurnRatio()) {
		return fmt.Errorf("pricing.burn_ratio %v: must be in [0,1]", c.BurnRatio())
	}
	if c.TreasuryRatio() <= 0 {
		return errors.New("pricing: ecosystem_share and burn_ratio leave no treasury share to cover network fees")
	}
	if c.Treasury.Key == "" && c.Treasury.Address == "" {
		return errors.New("treasury: key or address required")
	}
	if !c.Storage.UseMemory && c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn: required unless use_memory is set")
	}

	seen := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.Mint == "" || a.Symbol == "" {
			return fmt.Errorf("assets: mint and symbol required (got %q/%q)", a.Mint, a.Symbol)
		}
		if seen[a.Mint] {
			return fmt.Errorf("assets: duplicate mint %s", a.Mint)
		}
		seen[a.Mint] = true
		if a.Mint != domain.NativeMint && a.LamportRate <= 0 {
			return fmt.Errorf("assets[%s]: lamport_rate must be positive", a.Symbol)
		}
		if a.Markup < 1 {
			return fmt.Errorf("assets[%s]: markup must be >= 1", a.Symbol)
		}
	}
	return nil
}

// BurnRatio returns the configured swap burn ratio.
func (c *Config) BurnRatio() float64 {
	if c.Pricing.BurnRatio == nil {
		return defaultBurnRatio
	}
	return *c.Pricing.BurnRatio
}

// TreasuryRatio is the fraction of each fee retained by the treasury.
func (c *Config) TreasuryRatio() float64 {
	return (1 - c.Pricing.EcosystemShare) * (1 - c.BurnRatio())
}

// KnownAssets returns the payment asset table keyed by mint. The native asset
// is always present.
func (c *Config) KnownAssets() map[string]*domain.Asset {
	assets := make(map[string]*domain.Asset, len(c.Assets)+1)
	assets[domain.NativeMint] = &domain.Asset{
		Mint:        domain.NativeMint,
		Symbol:      "SOL",
		Name:        "Solana",
		Decimals:    9,
		LamportRate: 1,
		Markup:      defaultMarkup,
		Score:       100,
	}
	for _, a := range c.Assets {
		rate := a.LamportRate
		if a.Mint == domain.NativeMint {
			rate = 1
		}
		assets[a.Mint] = &domain.Asset{
			Mint:        a.Mint,
			Symbol:      a.Symbol,
			Name:        a.Name,
			Decimals:    a.Decimals,
			LamportRate: rate,
			Markup:      a.Markup,
			Score:       a.Score,
		}
	}
	return assets
}

func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}
