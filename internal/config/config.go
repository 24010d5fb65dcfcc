package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"kerne-operator/internal/logging"
)

// ErrInvalid marks a configuration that cannot start the operator.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Chains    []ChainConfig   `mapstructure:"chains" validate:"required,min=1,dive"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Hedge     HedgeConfig     `mapstructure:"hedge"`
	Leverage  LeverageConfig  `mapstructure:"leverage"`
	Risk      RiskConfig      `mapstructure:"risk"`
	PoR       PoRConfig       `mapstructure:"por"`
	Staleness StalenessConfig `mapstructure:"staleness"`
	Events    EventsConfig    `mapstructure:"events"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	DataDir     string `mapstructure:"data_dir" validate:"required"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RedisConfig selects the shared alert cooldown store.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

// NATSConfig enables alert fan-out on NATS subjects.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ChainConfig describes one chain hosting a vault.
type ChainConfig struct {
	Name             string   `mapstructure:"name" validate:"required"`
	ChainID          int64    `mapstructure:"chain_id" validate:"gt=0"`
	RPCEndpoints     []string `mapstructure:"rpc_endpoints" validate:"required,min=1,dive,url"`
	WSEndpoints      []string `mapstructure:"ws_endpoints" validate:"omitempty,dive,url"`
	VaultAddress     string   `mapstructure:"vault_address" validate:"required,eth_addr"`
	AssetDecimals    int32    `mapstructure:"asset_decimals" validate:"gte=0,lte=36"`
	Critical         bool     `mapstructure:"critical"`
	Home             bool     `mapstructure:"home"`
	L1               bool     `mapstructure:"l1"`
	VerificationNode string   `mapstructure:"verification_node" validate:"omitempty,eth_addr"`
	LZEndpointID     uint32   `mapstructure:"lz_endpoint_id"`
	PegRateProvider  string   `mapstructure:"peg_rate_provider" validate:"omitempty,eth_addr"`
}

// VenueConfig covers the perpetual venue connection.
type VenueConfig struct {
	APIURL          string        `mapstructure:"api_url" validate:"required,url"`
	PrivateKey      string        `mapstructure:"private_key"`
	AccountAddress  string        `mapstructure:"account_address" validate:"omitempty,eth_addr"`
	SubVault        string        `mapstructure:"sub_vault" validate:"omitempty,eth_addr"`
	Slippage        float64       `mapstructure:"slippage" validate:"gt=0,lt=1"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxAuthFailures int           `mapstructure:"max_auth_failures" validate:"gte=1"`
	ReadOnlyAPIKey  string        `mapstructure:"read_only_api_key"`
}

// SignerConfig holds the operator key for on-chain writes and attestation signatures.
type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// HedgeConfig drives the hedging engine.
type HedgeConfig struct {
	Symbol          string        `mapstructure:"symbol" validate:"required"`
	ThresholdBase   float64       `mapstructure:"threshold_base" validate:"gte=0"`
	MinLeverage     float64       `mapstructure:"min_leverage" validate:"gt=0"`
	MaxLeverage     float64       `mapstructure:"max_leverage" validate:"gt=0"`
	RiskAversion    float64       `mapstructure:"risk_aversion" validate:"gt=0"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	BuybackCooldown time.Duration `mapstructure:"buyback_cooldown"`
	ShutdownDrain   time.Duration `mapstructure:"shutdown_drain"`
}

// LeverageConfig parameterises the leverage / APY controller.
type LeverageConfig struct {
	StakingYield      float64 `mapstructure:"staking_yield" validate:"gte=0"`
	StakingYieldURL   string  `mapstructure:"staking_yield_url" validate:"omitempty,url"`
	StakingYieldPath  string  `mapstructure:"staking_yield_path"`
	VolatilityWindow  int     `mapstructure:"volatility_window" validate:"gte=2"`
	DefaultVolatility float64 `mapstructure:"default_volatility" validate:"gt=0"`
	TurnoverRate      float64 `mapstructure:"turnover_rate" validate:"gte=0"`
	SpreadEdge        float64 `mapstructure:"spread_edge"`
	CostRate          float64 `mapstructure:"cost_rate" validate:"gte=0"`
}

// RiskConfig parameterises the sentinel engine.
type RiskConfig struct {
	MaxNetDelta            float64          `mapstructure:"max_net_delta" validate:"gt=0"`
	MinLiquidationDistance float64          `mapstructure:"min_liquidation_distance" validate:"gt=0"`
	DepegThreshold         float64          `mapstructure:"depeg_threshold" validate:"gt=0"`
	VolatilityCeiling      float64          `mapstructure:"volatility_ceiling" validate:"gt=0"`
	MaxGateUSD             float64          `mapstructure:"max_gate_usd" validate:"gte=0"`
	HealthThresholds       HealthThresholds `mapstructure:"health_thresholds"`
}

// HealthThresholds are the tier boundaries on the health score.
type HealthThresholds struct {
	Warn     float64 `mapstructure:"warn"`
	Elevated float64 `mapstructure:"elevated"`
	Critical float64 `mapstructure:"critical"`
	Recover  float64 `mapstructure:"recover"`
}

// PoRConfig parameterises the proof-of-reserve attestor.
type PoRConfig struct {
	Enabled                      bool          `mapstructure:"enabled"`
	IntervalHours                int           `mapstructure:"interval_hours" validate:"gte=1,lte=168"`
	HourUTC                      int           `mapstructure:"hour_utc" validate:"gte=0,lte=23"`
	RunOnStartup                 bool          `mapstructure:"run_on_startup"`
	HighVolatilityDeltaThreshold float64       `mapstructure:"high_volatility_delta_threshold" validate:"gt=0"`
	MaxSolventNetDelta           float64       `mapstructure:"max_solvent_net_delta" validate:"gt=0"`
	ZKURL                        string        `mapstructure:"zk_url" validate:"omitempty,url"`
	ZKAPIKey                     string        `mapstructure:"zk_api_key"`
	ZKTimeout                    time.Duration `mapstructure:"zk_timeout"`
	WriteReport                  bool          `mapstructure:"write_report"`
}

// StalenessConfig bounds the age of chain reads.
type StalenessConfig struct {
	ChainSeconds int `mapstructure:"chain_seconds" validate:"gt=0"`
}

// Chain returns the chain staleness window.
func (s StalenessConfig) Chain() time.Duration {
	return time.Duration(s.ChainSeconds) * time.Second
}

// EventsConfig tunes the subscriber and the coalescing queue.
type EventsConfig struct {
	QueueSize     int           `mapstructure:"queue_size" validate:"gte=1"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTakeover  time.Duration `mapstructure:"poll_takeover"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels" validate:"dive,oneof=telegram nats log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig enables the HTTP server. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KERNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "kerne-operator")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x4b45524e))

	v.SetDefault("nats.subject_prefix", "kerne.alerts")

	v.SetDefault("venue.api_url", "https://api.hyperliquid.xyz")
	v.SetDefault("venue.slippage", 0.05)
	v.SetDefault("venue.request_timeout", "30s")
	v.SetDefault("venue.max_auth_failures", 3)

	v.SetDefault("hedge.symbol", "ETH")
	v.SetDefault("hedge.threshold_base", 0.01)
	v.SetDefault("hedge.min_leverage", 0.5)
	v.SetDefault("hedge.max_leverage", 3.0)
	v.SetDefault("hedge.risk_aversion", 2.0)
	v.SetDefault("hedge.tick_interval", "30m")
	v.SetDefault("hedge.buyback_cooldown", "24h")
	v.SetDefault("hedge.shutdown_drain", "30s")

	v.SetDefault("leverage.staking_yield_path", "apr")
	v.SetDefault("leverage.volatility_window", 48)
	v.SetDefault("leverage.default_volatility", 0.6)

	v.SetDefault("risk.max_net_delta", 0.05)
	v.SetDefault("risk.min_liquidation_distance", 0.20)
	v.SetDefault("risk.depeg_threshold", 0.02)
	v.SetDefault("risk.volatility_ceiling", 1.0)
	v.SetDefault("risk.health_thresholds.warn", 80.0)
	v.SetDefault("risk.health_thresholds.elevated", 60.0)
	v.SetDefault("risk.health_thresholds.critical", 40.0)
	v.SetDefault("risk.health_thresholds.recover", 75.0)

	v.SetDefault("por.enabled", true)
	v.SetDefault("por.interval_hours", 24)
	v.SetDefault("por.hour_utc", 0)
	v.SetDefault("por.run_on_startup", false)
	v.SetDefault("por.high_volatility_delta_threshold", 0.02)
	v.SetDefault("por.max_solvent_net_delta", 0.05)
	v.SetDefault("por.zk_timeout", "30s")
	v.SetDefault("por.write_report", true)

	v.SetDefault("staleness.chain_seconds", 120)

	v.SetDefault("events.queue_size", 256)
	v.SetDefault("events.poll_interval", "15s")
	v.SetDefault("events.poll_takeover", "2m")
	v.SetDefault("events.reconnect_base", "1s")
	v.SetDefault("events.reconnect_max", "60s")
	v.SetDefault("events.rpc_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate runs the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Hedge.MinLeverage > c.Hedge.MaxLeverage {
		return fmt.Errorf("%w: hedge.min_leverage must not exceed hedge.max_leverage", ErrInvalid)
	}
	th := c.Risk.HealthThresholds
	if !(th.Warn > th.Elevated && th.Elevated > th.Critical && th.Critical > 0) {
		return fmt.Errorf("%w: risk.health_thresholds must satisfy warn > elevated > critical > 0", ErrInvalid)
	}
	if th.Recover <= th.Critical || th.Recover > 100 {
		return fmt.Errorf("%w: risk.health_thresholds.recover must be in (critical, 100]", ErrInvalid)
	}

	if c.Leverage.StakingYield <= 0 && c.Leverage.StakingYieldURL == "" {
		return fmt.Errorf("%w: leverage.staking_yield or leverage.staking_yield_url is required", ErrInvalid)
	}

	homes := 0
	names := make(map[string]struct{}, len(c.Chains))
	for _, ch := range c.Chains {
		if _, dup := names[ch.Name]; dup {
			return fmt.Errorf("%w: duplicate chain name %q", ErrInvalid, ch.Name)
		}
		names[ch.Name] = struct{}{}
		if ch.Home {
			homes++
		}
	}
	if homes != 1 {
		return fmt.Errorf("%w: exactly one chain must be marked home, got %d", ErrInvalid, homes)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("%w: alerting.telegram.bot_token is required", ErrInvalid)
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("%w: alerting.telegram.chat_id is required", ErrInvalid)
		}
	}
	return nil
}

// HomeChain returns the chain hosting the primary vault and verification node.
func (c *Config) HomeChain() ChainConfig {
	for _, ch := range c.Chains {
		if ch.Home {
			return ch
		}
	}
	return ChainConfig{}
}

// RequireSigner checks that an on-chain signing key is present.
func (c *Config) RequireSigner() error {
	if strings.TrimSpace(c.Signer.PrivateKey) == "" {
		return fmt.Errorf("%w: signer.private_key is required", ErrInvalid)
	}
	return nil
}

// RequireVenueKey checks that a venue trading key is present.
func (c *Config) RequireVenueKey() error {
	if strings.TrimSpace(c.Venue.PrivateKey) == "" {
		return fmt.Errorf("%w: venue.private_key is required", ErrInvalid)
	}
	return nil
}

// Vault returns the parsed vault address of a chain.
func (ch ChainConfig) Vault() common.Address {
	return common.HexToAddress(ch.VaultAddress)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Redacted returns a copy safe to log: every secret is masked.
func (c Config) Redacted() Config {
	out := c
	out.Venue.PrivateKey = mask(c.Venue.PrivateKey)
	out.Venue.ReadOnlyAPIKey = mask(c.Venue.ReadOnlyAPIKey)
	out.Signer.PrivateKey = mask(c.Signer.PrivateKey)
	out.Alerting.Telegram.BotToken = mask(c.Alerting.Telegram.BotToken)
	out.Redis.Password = mask(c.Redis.Password)
	out.PoR.ZKAPIKey = mask(c.PoR.ZKAPIKey)
	out.Database.DSN = mask(c.Database.DSN)
	out.Chains = make([]ChainConfig, len(c.Chains))
	for i, ch := range c.Chains {
		ch.RPCEndpoints = maskAll(ch.RPCEndpoints)
		ch.WSEndpoints = maskAll(ch.WSEndpoints)
		out.Chains[i] = ch
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func maskAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		// keep the host so operators can tell endpoints apart
		if idx := strings.Index(s, "://"); idx >= 0 {
			rest := s[idx+3:]
			if slash := strings.IndexByte(rest, '/'); slash >= 0 {
				rest = rest[:slash]
			}
			out[i] = s[:idx+3] + rest + "/***"
			continue
		}
		out[i] = mask(s)
	}
	return out
}
