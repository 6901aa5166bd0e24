// Package config defines all configuration for the complete-set arbitrage
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via POLY_*/CS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// ChainConfig holds the on-chain settlement surface: Polygon RPC endpoint,
// proxy-wallet/CTF/NegRiskAdapter addresses, the Chainlink BTC/USD oracle,
// and gas/timing bounds for merge/redeem submissions.
type ChainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ProxyWalletFactory   string        `mapstructure:"proxy_wallet_factory"`
	CTFAddress           string        `mapstructure:"ctf_address"`
	NegRiskAdapterAddr   string        `mapstructure:"neg_risk_adapter_address"`
	USDCAddress          string        `mapstructure:"usdc_address"`
	ChainlinkBTCUSDAddr  string        `mapstructure:"chainlink_btc_usd_address"`
	MaxGasPriceGwei      float64       `mapstructure:"max_gas_price_gwei"`
	MaticPriceUSD        decimal.Decimal `mapstructure:"matic_price_usd"`
	ReceiptTimeout       time.Duration `mapstructure:"receipt_timeout"`
	RedeemDelaySec       int           `mapstructure:"redeem_delay_sec"`
	RedeemMaxAttempts    int           `mapstructure:"redeem_max_attempts"`
	MergeCooldownSec     int           `mapstructure:"merge_cooldown_sec"`
	RedeemCooldownSec    int           `mapstructure:"redeem_cooldown_sec"`
	MaxConsecutiveMergeFailures int    `mapstructure:"max_consecutive_merge_failures"`
}

// StrategyConfig tunes the complete-set two-phase hedge arbitrage: bankroll
// scaling, edge gates, the time window a market is tradeable in, and the
// BTC-momentum entry signals layered on top of the core edge check.
//
// Bankroll & sizing:
//   - BankrollUSD: total capital the engine is allowed to deploy.
//   - MaxOrderBankrollFraction/MaxTotalBankrollFraction: per-order and
//     aggregate caps as a fraction of BankrollUSD.
//   - MaxSharesPerMarket: explicit per-market share cap; 0 derives it from
//     BankrollUSD * MaxTotalBankrollFraction (matches
//     CompleteSetConfig.max_shares_per_market's property fallback).
//
// Edge & timing:
//   - MinEdge: minimum 1-(up+down) required to enter a leg.
//   - MinMergeShares/MinMergeProfitUSD/MergeCooldownSec: merge gating.
//   - NoNewOrdersSec: pre-resolution buffer — no new entries inside it.
//   - MinSecondsToEnd/MaxSecondsToEnd: the market's tradeable window.
//   - MaxEntryPrice/MinEntryPrice: absolute price bounds for opening a leg.
//   - MaxHedgeChaseCents/AbandonEdgeThreshold: how far the engine chases the
//     second leg before giving up on the hedge.
//   - MinBTCTicks: minimum number of Binance kline updates received before
//     the stop-hunt entry is evaluated.
//   - RefreshMillis: tick loop period.
//
// Top-up (adding to an already-hedged market as it drifts):
//   - TopUpEnabled/TopUpSecondsToEnd/TopUpMinShares.
//   - FastTopUpEnabled/FastTopUpMinSeconds/FastTopUpMaxSeconds/
//     FastTopUpCooldownMillis/FastTopUpMinEdge.
//
// Taker mode (cross the spread instead of resting):
//   - TakerEnabled/TakerMaxEdge/TakerMaxSpread.
type StrategyConfig struct {
	Assets []string `mapstructure:"assets"`

	RefreshMillis     int `mapstructure:"refresh_millis"`
	MinReplaceMillis  int `mapstructure:"min_replace_millis"`
	MinReplaceTicks   int `mapstructure:"min_replace_ticks"`
	ImproveTicks      int `mapstructure:"improve_ticks"`

	MinSecondsToEnd      int `mapstructure:"min_seconds_to_end"`
	MaxSecondsToEnd      int `mapstructure:"max_seconds_to_end"`
	OrderCancelBufferSec int `mapstructure:"order_cancel_buffer_sec"`
	NoNewOrdersSec       int `mapstructure:"no_new_orders_sec"`

	MinEdge              decimal.Decimal `mapstructure:"min_edge"`
	MaxSkewTicks         int             `mapstructure:"max_skew_ticks"`
	ImbalanceForMaxSkew  decimal.Decimal `mapstructure:"imbalance_for_max_skew"`

	BankrollUSD              decimal.Decimal `mapstructure:"bankroll_usd"`
	MaxOrderBankrollFraction decimal.Decimal `mapstructure:"max_order_bankroll_fraction"`
	MaxTotalBankrollFraction decimal.Decimal `mapstructure:"max_total_bankroll_fraction"`
	MaxSharesPerMarketRaw    decimal.Decimal `mapstructure:"max_shares_per_market"`

	MinMergeShares     decimal.Decimal `mapstructure:"min_merge_shares"`
	MinMergeProfitUSD  decimal.Decimal `mapstructure:"min_merge_profit_usd"`

	MaxEntryPrice         decimal.Decimal `mapstructure:"max_entry_price"`
	MinEntryPrice         decimal.Decimal `mapstructure:"min_entry_price"`
	MaxHedgeChaseCents    decimal.Decimal `mapstructure:"max_hedge_chase_cents"`
	AbandonEdgeThreshold  decimal.Decimal `mapstructure:"abandon_edge_threshold"`
	MinBTCTicks           decimal.Decimal `mapstructure:"min_btc_ticks"`

	TopUpEnabled             bool            `mapstructure:"top_up_enabled"`
	TopUpSecondsToEnd        int             `mapstructure:"top_up_seconds_to_end"`
	TopUpMinShares           decimal.Decimal `mapstructure:"top_up_min_shares"`
	FastTopUpEnabled         bool            `mapstructure:"fast_top_up_enabled"`
	FastTopUpMinSeconds      int             `mapstructure:"fast_top_up_min_seconds"`
	FastTopUpMaxSeconds      int             `mapstructure:"fast_top_up_max_seconds"`
	FastTopUpCooldownMillis  int             `mapstructure:"fast_top_up_cooldown_millis"`
	FastTopUpMinEdge         decimal.Decimal `mapstructure:"fast_top_up_min_edge"`

	TakerEnabled   bool            `mapstructure:"taker_enabled"`
	TakerMaxEdge   decimal.Decimal `mapstructure:"taker_max_edge"`
	TakerMaxSpread decimal.Decimal `mapstructure:"taker_max_spread"`

	Compound            bool `mapstructure:"compound"`
	CompoundIntervalSec int  `mapstructure:"compound_interval_sec"`

	MeanReversion MeanReversionConfig `mapstructure:"mean_reversion"`
	StopHunt      StopHuntConfig      `mapstructure:"stop_hunt"`
	Oscillation   OscillationConfig   `mapstructure:"oscillation"`
	Volume        VolumeConfig        `mapstructure:"volume"`
}

// MaxSharesPerMarket returns the configured per-market share cap, deriving it
// from BankrollUSD * MaxTotalBankrollFraction when no explicit override is
// set — matches CompleteSetConfig.max_shares_per_market's property fallback.
func (s StrategyConfig) MaxSharesPerMarket() decimal.Decimal {
	if s.MaxSharesPerMarketRaw.IsPositive() {
		return s.MaxSharesPerMarketRaw
	}
	return s.BankrollUSD.Mul(s.MaxTotalBankrollFraction).Truncate(0)
}

// MeanReversionConfig tunes the BTC-deviation-gated entry evaluator (mr_*
// config keys in the original system).
type MeanReversionConfig struct {
	Enabled                  bool            `mapstructure:"enabled"`
	DeviationThreshold       decimal.Decimal `mapstructure:"deviation_threshold"`
	MaxRangePct              decimal.Decimal `mapstructure:"max_range_pct"`
	EntryWindowSec           int             `mapstructure:"entry_window_sec"`
	VolumeMinBTC             decimal.Decimal `mapstructure:"volume_min_btc"`
	VolumeImbalanceThreshold decimal.Decimal `mapstructure:"volume_imbalance_threshold"`
}

// StopHuntConfig tunes the ask-price-gated early-entry evaluator (stop_hunt_*
// config keys in the original system).
type StopHuntConfig struct {
	Enabled                  bool            `mapstructure:"enabled"`
	MaxFirstLeg              decimal.Decimal `mapstructure:"max_first_leg"`
	MaxRangePct              decimal.Decimal `mapstructure:"max_range_pct"`
	EntryStartSec            int             `mapstructure:"entry_start_sec"`
	EntryEndSec              int             `mapstructure:"entry_end_sec"`
	VolumeMinBTC             decimal.Decimal `mapstructure:"volume_min_btc"`
	VolumeImbalanceThreshold decimal.Decimal `mapstructure:"volume_imbalance_threshold"`
}

// OscillationConfig tunes the supplemental probability-swing entry-quality
// gate (internal/signal's OscillationTracker).
type OscillationConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	MinSamples      int             `mapstructure:"min_samples"`
	LookbackSec     int             `mapstructure:"lookback_sec"`
	MinSwing        decimal.Decimal `mapstructure:"min_swing"`
	MaxEfficiency   decimal.Decimal `mapstructure:"max_efficiency"`
	MinReversals    int             `mapstructure:"min_reversals"`
	BounceThreshold decimal.Decimal `mapstructure:"bounce_threshold"`
}

// VolumeConfig sets the rolling Binance aggTrade imbalance window durations.
type VolumeConfig struct {
	ShortWindowSec  int `mapstructure:"volume_short_sec"`
	MediumWindowSec int `mapstructure:"volume_medium_sec"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
//
//   - MaxPositionPerMarket: max USD exposure in any single market.
//   - MaxGlobalExposure: max USD exposure across ALL active markets combined.
//   - MaxMarketsActive: cap on how many markets the bot trades simultaneously.
//   - KillSwitchDropPct: if price moves this % within the window, kill switch fires.
//   - KillSwitchWindowSec: time window for measuring rapid price movement.
//   - MaxDailyLoss: max combined (realized + unrealized) loss before kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// StoreConfig sets where position data is persisted.
type StoreConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
	// EventQueueSize bounds the internal/events.Bus queue; once full, Publish
	// drops events rather than blocking the tick loop. 0 falls back to a
	// runtime default.
	EventQueueSize int `mapstructure:"event_queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE, CS_RPC_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if rpc := os.Getenv("CS_RPC_URL"); rpc != "" {
		cfg.Chain.RPCURL = rpc
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, accumulating every
// violation found rather than returning on the first one, so an operator
// fixing a config file sees the whole list in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Wallet.PrivateKey == "" {
		errs = append(errs, fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)"))
	}
	if c.Wallet.ChainID == 0 {
		errs = append(errs, fmt.Errorf("wallet.chain_id is required (137 for mainnet)"))
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		errs = append(errs, fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)"))
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		errs = append(errs, fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2"))
	}
	if c.API.CLOBBaseURL == "" {
		errs = append(errs, fmt.Errorf("api.clob_base_url is required"))
	}

	if c.Strategy.BankrollUSD.IsNegative() {
		errs = append(errs, fmt.Errorf("strategy.bankroll_usd must not be negative"))
	}
	if c.Strategy.MinSecondsToEnd >= c.Strategy.MaxSecondsToEnd {
		errs = append(errs, fmt.Errorf("strategy.min_seconds_to_end must be < strategy.max_seconds_to_end"))
	}
	if len(c.Strategy.Assets) == 0 {
		errs = append(errs, fmt.Errorf("strategy.assets must not be empty"))
	}
	if c.Strategy.MinEdge.IsNegative() || c.Strategy.MinEdge.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("strategy.min_edge must be in [0, 1]"))
	}
	if c.Strategy.RefreshMillis < 100 {
		errs = append(errs, fmt.Errorf("strategy.refresh_millis must be >= 100"))
	}
	minEntry, maxEntry := c.Strategy.MinEntryPrice, c.Strategy.MaxEntryPrice
	zero := decimal.Zero
	one := decimal.NewFromInt(1)
	if !(minEntry.GreaterThan(zero) && minEntry.LessThan(maxEntry) && maxEntry.LessThanOrEqual(one)) {
		errs = append(errs, fmt.Errorf("strategy entry price bounds must satisfy 0 < min_entry_price < max_entry_price <= 1"))
	}

	if c.Risk.MaxPositionPerMarket <= 0 {
		errs = append(errs, fmt.Errorf("risk.max_position_per_market must be > 0"))
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		errs = append(errs, fmt.Errorf("risk.max_global_exposure must be > 0"))
	}
	if c.Risk.MaxMarketsActive <= 0 {
		errs = append(errs, fmt.Errorf("risk.max_markets_active must be > 0"))
	}

	return errors.Join(errs...)
}
