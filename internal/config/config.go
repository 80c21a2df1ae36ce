// Package config implements the layered configuration manager.
//
// Sources are merged in descending precedence: CLI flags, the process
// environment, a JSON config file, a base env file, and built-in
// defaults. Explicit keys from higher sources overwrite lower ones;
// absent keys never erase lower values, and empty strings count as
// absent. Critical keys (the signing key, RPC URL, and every contract
// address) are always re-overlaid from the process environment after the
// file merge, so orchestration can inject secrets regardless of what a
// checked-in config file says.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"futarchy-arb/pkg/types"
)

// BotType selects which executor flavour and validation checklist apply.
type BotType string

const (
	BotBalancer   BotType = "balancer"   // futarchy_v5, spot on the weighted venue
	BotKleros     BotType = "kleros"     // futarchy_v5 against a Kleros proposal
	BotPNK        BotType = "pnk"        // pnk_variant, hard-coded multi-hop spot path
	BotPrediction BotType = "prediction" // prediction_v1, prediction pools only
)

// Config is the effective, post-merge configuration. Maps directly to
// the JSON file structure.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot" json:"bot"`
	Network   NetworkConfig   `mapstructure:"network" json:"network"`
	Wallet    WalletConfig    `mapstructure:"wallet" json:"wallet"`
	Contracts ContractsConfig `mapstructure:"contracts" json:"contracts"`
	Proposal  ProposalConfig  `mapstructure:"proposal" json:"proposal"`
	Feed      FeedConfig      `mapstructure:"feed" json:"feed"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard"`
}

// BotConfig holds the runtime trading options.
type BotConfig struct {
	Type      BotType `mapstructure:"type" json:"type"`
	Amount    string  `mapstructure:"amount" json:"amount"`         // human units of base currency
	Interval  string  `mapstructure:"interval" json:"interval"`     // inter-tick sleep, e.g. "120s"
	Tolerance string  `mapstructure:"tolerance" json:"tolerance"`   // deviation gate, e.g. "0.02"
	MinProfit string  `mapstructure:"min_profit" json:"min_profit"` // signed, human units; negative allowed
	ForceFlow string  `mapstructure:"force_flow" json:"force_flow"` // "", "buy", "sell"
	DryRun    bool    `mapstructure:"dry_run" json:"dry_run"`
	Prefund   bool    `mapstructure:"prefund" json:"prefund"`
	ForceSend bool    `mapstructure:"force_send" json:"force_send"`

	// GasLimit, when nonzero, overrides estimation for the combined call.
	GasLimit uint64 `mapstructure:"gas_limit" json:"gas_limit"`
	// ExecutorCommand, when set, routes execution through the subprocess
	// shim instead of the in-process adapter.
	ExecutorCommand string `mapstructure:"executor_command" json:"executor_command"`
	EnvDir          string `mapstructure:"env_dir" json:"env_dir"`
}

// NetworkConfig identifies the chain endpoint and gas policy.
type NetworkConfig struct {
	RPCURL  string `mapstructure:"rpc_url" json:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id" json:"chain_id"`

	PriorityFeeWei    int64   `mapstructure:"priority_fee_wei" json:"priority_fee_wei"`
	MaxFeeMultiplier  float64 `mapstructure:"max_fee_multiplier" json:"max_fee_multiplier"`
	GasPriceBumpWei   int64   `mapstructure:"min_gas_price_bump_wei" json:"min_gas_price_bump_wei"`
	ReceiptTimeoutSec int     `mapstructure:"receipt_timeout_sec" json:"receipt_timeout_sec"`
}

// WalletConfig holds the signing key reference. PrivateKey is the hex
// key material; DerivationPath, when set, records the deterministic path
// the key was registered under (logged, never derived in-process).
type WalletConfig struct {
	PrivateKey     string `mapstructure:"private_key" json:"private_key"`
	DerivationPath string `mapstructure:"derivation_path" json:"derivation_path"`
}

// ContractsConfig holds every deployed contract address the bot touches.
type ContractsConfig struct {
	FutarchyExecutorV5   string `mapstructure:"futarchy_executor_v5" json:"futarchy_executor_v5"`
	PredictionExecutorV1 string `mapstructure:"prediction_executor_v1" json:"prediction_executor_v1"`
	ExecutorOwner        string `mapstructure:"executor_owner" json:"executor_owner"`

	BalancerRouter string `mapstructure:"balancer_router" json:"balancer_router"`
	SwaprRouter    string `mapstructure:"swapr_router" json:"swapr_router"`
	FutarchyRouter string `mapstructure:"futarchy_router" json:"futarchy_router"`
	BalancerVault  string `mapstructure:"balancer_vault" json:"balancer_vault"`
}

// PoolConfig describes one pool in the config file.
type PoolConfig struct {
	Address        string `mapstructure:"address" json:"address"`
	BaseTokenIndex int    `mapstructure:"base_token_index" json:"base_token_index"`
	PoolID         string `mapstructure:"pool_id" json:"pool_id,omitempty"` // Balancer 32-byte pool id
}

// ProposalConfig mirrors the on-chain proposal record.
type ProposalConfig struct {
	ID     string `mapstructure:"id" json:"id"`
	Tokens struct {
		Currency    string `mapstructure:"currency" json:"currency"`
		Company     string `mapstructure:"company" json:"company"`
		YesCurrency string `mapstructure:"yes_currency" json:"yes_currency"`
		NoCurrency  string `mapstructure:"no_currency" json:"no_currency"`
		YesCompany  string `mapstructure:"yes_company" json:"yes_company"`
		NoCompany   string `mapstructure:"no_company" json:"no_company"`
	} `mapstructure:"tokens" json:"tokens"`
	Pools struct {
		SwaprYes                PoolConfig `mapstructure:"swapr_yes" json:"swapr_yes"`
		SwaprNo                 PoolConfig `mapstructure:"swapr_no" json:"swapr_no"`
		SwaprPredYes            PoolConfig `mapstructure:"swapr_pred_yes" json:"swapr_pred_yes"`
		SwaprPredNo             PoolConfig `mapstructure:"swapr_pred_no" json:"swapr_pred_no"`
		BalancerCompanyCurrency PoolConfig `mapstructure:"balancer_company_currency" json:"balancer_company_currency"`
	} `mapstructure:"pools" json:"pools"`
}

// FeedConfig configures the optional external spot price source.
// When URL is empty the weighted pool provides the spot price.
type FeedConfig struct {
	URL        string `mapstructure:"url" json:"url"`
	TimeoutSec int    `mapstructure:"timeout_sec" json:"timeout_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// DashboardConfig controls the local status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port" json:"port"`
}

// Manager wraps the merged viper instance together with its typed view.
// Get and Materialise read from the same merged state the typed Config
// was decoded from, so the three views can never disagree.
type Manager struct {
	v   *viper.Viper
	cfg Config
}

// Options are the CLI-level inputs to Load. Flag values that were not
// set on the command line must be left as zero values here.
type Options struct {
	ConfigFile string // JSON config file (mutually exclusive with EnvFile)
	EnvFile    string // base env file in KEY=value form

	// Overrides holds dotted-path → value pairs from explicit CLI flags.
	Overrides map[string]any
}

// Load merges all configuration sources and returns the manager.
func Load(opts Options) (*Manager, error) {
	if opts.ConfigFile != "" && opts.EnvFile != "" {
		return nil, &types.KindError{Kind: types.KindConfigIncomplete, Msg: "--config and --env are mutually exclusive"}
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if opts.EnvFile != "" {
		if err := applyEnvFile(v, opts.EnvFile); err != nil {
			return nil, err
		}
	}

	// Process environment always overlays the file for every catalogue
	// key, critical ones included.
	for _, entry := range catalogue {
		if val := os.Getenv(entry.env); val != "" {
			v.Set(entry.path, val)
		}
	}

	// CLI flags win over everything.
	for path, val := range opts.Overrides {
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		v.Set(path, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &Manager{v: v, cfg: cfg}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.type", string(BotBalancer))
	v.SetDefault("bot.interval", "120s")
	v.SetDefault("bot.tolerance", "0.02")
	v.SetDefault("bot.min_profit", "0")
	v.SetDefault("bot.env_dir", "build/envs")
	v.SetDefault("network.priority_fee_wei", 1)
	v.SetDefault("network.max_fee_multiplier", 2.0)
	v.SetDefault("network.min_gas_price_bump_wei", 1)
	v.SetDefault("network.receipt_timeout_sec", 120)
	v.SetDefault("feed.timeout_sec", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8090)
}

// Config returns the typed effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Get is the dotted-path accessor over the effective config. Returns
// nil when the path is unset.
func (m *Manager) Get(path string) any {
	if !m.v.IsSet(path) {
		return nil
	}
	return m.v.Get(path)
}

// Dump writes the effective merged configuration as indented JSON.
func (m *Manager) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m.cfg)
}

// Interval parses the inter-tick sleep duration.
func (c *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Bot.Interval)
	if err != nil {
		// Bare numbers are treated as seconds, matching the CLI contract.
		if secs, serr := decimal.NewFromString(c.Bot.Interval); serr == nil {
			return time.Duration(secs.InexactFloat64() * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("parse bot.interval: %w", err)
	}
	return d, nil
}

// Tolerance parses the deviation gate as a decimal.
func (c *Config) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Bot.Tolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse bot.tolerance: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("bot.tolerance must be >= 0, got %s", c.Bot.Tolerance)
	}
	return d, nil
}

// Amount converts the configured human-unit amount to base units.
func (c *Config) Amount(decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(c.Bot.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse bot.amount: %w", err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("bot.amount must be > 0, got %s", c.Bot.Amount)
	}
	return d.Shift(decimals).BigInt(), nil
}

// MinProfit converts the configured min profit to signed base units.
func (c *Config) MinProfit(decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(c.Bot.MinProfit)
	if err != nil {
		return nil, fmt.Errorf("parse bot.min_profit: %w", err)
	}
	return d.Shift(decimals).BigInt(), nil
}

// ReceiptTimeout returns the receipt polling window.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Network.ReceiptTimeoutSec) * time.Second
}

// ForceFlow returns the forced flow direction, if any.
func (c *Config) ForceFlow() (types.Flow, error) {
	switch strings.ToLower(c.Bot.ForceFlow) {
	case "":
		return "", nil
	case "buy":
		return types.FlowBuy, nil
	case "sell":
		return types.FlowSell, nil
	}
	return "", fmt.Errorf("bot.force_flow must be buy or sell, got %q", c.Bot.ForceFlow)
}

// Flavor maps the bot type to its executor flavour.
func (t BotType) Flavor() types.ExecutorFlavor {
	switch t {
	case BotPNK:
		return types.FlavorPNK
	case BotPrediction:
		return types.FlavorPredictionV1
	default:
		return types.FlavorFutarchyV5
	}
}

// Proposal materialises the typed proposal record from the address
// strings, validating the distinctness invariants.
func (c *Config) ProposalRecord() (*types.Proposal, error) {
	p := &types.Proposal{
		ProposalID:   c.Proposal.ID,
		BaseCurrency: common.HexToAddress(c.Proposal.Tokens.Currency),
		BaseCompany:  common.HexToAddress(c.Proposal.Tokens.Company),
		YesCurrency:  common.HexToAddress(c.Proposal.Tokens.YesCurrency),
		NoCurrency:   common.HexToAddress(c.Proposal.Tokens.NoCurrency),
		YesCompany:   common.HexToAddress(c.Proposal.Tokens.YesCompany),
		NoCompany:    common.HexToAddress(c.Proposal.Tokens.NoCompany),
		Pools:        map[types.PoolID]types.PoolDescriptor{},
	}

	vault := common.HexToAddress(c.Contracts.BalancerVault)
	add := func(id types.PoolID, pc PoolConfig, family types.PoolFamily) {
		desc := types.PoolDescriptor{
			ID:             id,
			Address:        common.HexToAddress(pc.Address),
			Family:         family,
			BaseTokenIndex: pc.BaseTokenIndex,
		}
		if family == types.PoolWeighted {
			desc.Vault = vault
			if pc.PoolID != "" {
				desc.BalancerPoolID = common.HexToHash(pc.PoolID)
			}
		}
		p.Pools[id] = desc
	}
	add(types.PoolSwaprYes, c.Proposal.Pools.SwaprYes, types.PoolConcentrated)
	add(types.PoolSwaprNo, c.Proposal.Pools.SwaprNo, types.PoolConcentrated)
	add(types.PoolSwaprPredYes, c.Proposal.Pools.SwaprPredYes, types.PoolConcentrated)
	add(types.PoolSwaprPredNo, c.Proposal.Pools.SwaprPredNo, types.PoolConcentrated)
	add(types.PoolWeightedSpot, c.Proposal.Pools.BalancerCompanyCurrency, types.PoolWeighted)

	if c.Bot.Type == BotPrediction {
		if err := p.ValidatePrediction(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Executor materialises the executor descriptor for the configured bot
// type.
func (c *Config) Executor() (types.ExecutorDescriptor, error) {
	flavor := c.Bot.Type.Flavor()
	var addr string
	if flavor == types.FlavorPredictionV1 {
		addr = c.Contracts.PredictionExecutorV1
	} else {
		addr = c.Contracts.FutarchyExecutorV5
	}
	if addr == "" {
		return types.ExecutorDescriptor{}, &types.KindError{
			Kind: types.KindConfigIncomplete,
			Msg:  "no executor address configured for bot type " + string(c.Bot.Type),
		}
	}
	return types.ExecutorDescriptor{
		Address:     common.HexToAddress(addr),
		Flavor:      flavor,
		OwnerWallet: common.HexToAddress(c.Contracts.ExecutorOwner),
	}, nil
}

// Validate checks the fixed per-flavour checklist of required keys.
// The returned error names every missing dotted path at once so the
// operator fixes everything in one pass.
func (c *Config) Validate() error {
	required := map[string]string{
		"network.rpc_url": c.Network.RPCURL,
		"bot.amount":      c.Bot.Amount,
	}
	if !c.Bot.DryRun {
		required["wallet.private_key"] = c.Wallet.PrivateKey
	}

	switch c.Bot.Type {
	case BotBalancer, BotKleros, BotPNK:
		required["contracts.futarchy_executor_v5"] = c.Contracts.FutarchyExecutorV5
		required["contracts.swapr_router"] = c.Contracts.SwaprRouter
		required["contracts.futarchy_router"] = c.Contracts.FutarchyRouter
		required["proposal.tokens.currency"] = c.Proposal.Tokens.Currency
		required["proposal.tokens.company"] = c.Proposal.Tokens.Company
		required["proposal.tokens.yes_currency"] = c.Proposal.Tokens.YesCurrency
		required["proposal.tokens.no_currency"] = c.Proposal.Tokens.NoCurrency
		required["proposal.tokens.yes_company"] = c.Proposal.Tokens.YesCompany
		required["proposal.tokens.no_company"] = c.Proposal.Tokens.NoCompany
		required["proposal.pools.swapr_yes.address"] = c.Proposal.Pools.SwaprYes.Address
		required["proposal.pools.swapr_no.address"] = c.Proposal.Pools.SwaprNo.Address
		required["proposal.pools.swapr_pred_yes.address"] = c.Proposal.Pools.SwaprPredYes.Address
		required["proposal.pools.swapr_pred_no.address"] = c.Proposal.Pools.SwaprPredNo.Address
		required["proposal.pools.balancer_company_currency.address"] = c.Proposal.Pools.BalancerCompanyCurrency.Address
		if c.Bot.Type != BotPNK {
			required["contracts.balancer_router"] = c.Contracts.BalancerRouter
		}
	case BotPrediction:
		required["contracts.prediction_executor_v1"] = c.Contracts.PredictionExecutorV1
		required["proposal.tokens.currency"] = c.Proposal.Tokens.Currency
		required["proposal.tokens.yes_currency"] = c.Proposal.Tokens.YesCurrency
		required["proposal.tokens.no_currency"] = c.Proposal.Tokens.NoCurrency
		required["proposal.pools.swapr_pred_yes.address"] = c.Proposal.Pools.SwaprPredYes.Address
		required["proposal.pools.swapr_pred_no.address"] = c.Proposal.Pools.SwaprPredNo.Address
	default:
		return &types.KindError{Kind: types.KindConfigIncomplete, Msg: fmt.Sprintf("unknown bot.type %q", c.Bot.Type)}
	}

	var missing []string
	for path, val := range required {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &types.KindError{
			Kind: types.KindConfigIncomplete,
			Msg:  "missing required keys: " + strings.Join(missing, ", "),
		}
	}

	if _, err := c.Tolerance(); err != nil {
		return err
	}
	if _, err := c.Interval(); err != nil {
		return err
	}
	if _, err := c.ForceFlow(); err != nil {
		return err
	}
	if d, err := decimal.NewFromString(c.Bot.Amount); err != nil || !d.IsPositive() {
		return fmt.Errorf("bot.amount must be a positive decimal, got %q", c.Bot.Amount)
	}
	if _, err := decimal.NewFromString(c.Bot.MinProfit); err != nil {
		return fmt.Errorf("bot.min_profit must be a decimal, got %q", c.Bot.MinProfit)
	}
	return nil
}
