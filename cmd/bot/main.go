// Futarchy Arbitrage Bot — detects persistent pricing inconsistencies
// between the spot venue and the price implied by the conditional
// markets of a futarchy proposal, then executes a batched cross-venue
// trade through a pre-deployed executor contract.
//
// Architecture:
//
//	main.go                — entry point: flags, config merge, wiring, signal handling
//	config/                — layered config: CLI > env > JSON file > env file > defaults
//	chain/                 — Runtime: RPC client, signer, chain id, ERC20 helpers
//	oracle/                — prices the five pools (four concentrated, one weighted)
//	detector/              — implied price, deviation gate, flow and cheaper leg
//	accounting/            — balance snapshots, residual warnings, profit checks
//	executor/              — intent → signed executor call; subprocess shim variant
//	bot/                   — the serial tick state machine
//	api/                   — read-only dashboard: status + report stream
//
// How it makes money:
//
//	The split identity prices the company token twice: directly on the
//	spot venue, and synthetically as p_pred_yes*p_yes + (1-p_pred_yes)*p_no
//	through the conditional pools. When the two quotes drift apart
//	beyond tolerance, the executor contract splits, swaps, and merges
//	in one atomic call, pocketing the difference.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"futarchy-arb/internal/accounting"
	"futarchy-arb/internal/api"
	"futarchy-arb/internal/bot"
	"futarchy-arb/internal/chain"
	"futarchy-arb/internal/config"
	"futarchy-arb/internal/executor"
	"futarchy-arb/internal/feed"
	"futarchy-arb/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"futarchy-arb/pkg/types"
)

// Exit codes: 0 normal termination, 1 fatal configuration or startup
// error, 2 invalid CLI arguments.
const (
	exitOK      = 0
	exitFatal   = 1
	exitBadArgs = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("arbitrage-bot", pflag.ContinueOnError)
	var (
		configFile = fs.String("config", "", "JSON config file (mutually exclusive with --env)")
		envFile    = fs.String("env", "", "base env file in KEY=value form")
		amount     = fs.String("amount", "", "base currency to commit per trade, human units")
		interval   = fs.String("interval", "", "seconds between ticks, or a duration like 90s")
		tolerance  = fs.String("tolerance", "", "deviation gate before a trade is attempted")
		minProfit  = fs.String("min-profit", "", "minimum acceptable profit, human units; may be negative")
		botType    = fs.String("bot-type", "", "balancer | kleros | pnk | prediction")
		forceFlow  = fs.String("force-flow", "", "force trade direction: buy | sell")
		dryRun     = fs.Bool("dry-run", false, "detect and log, never sign or send")
		prefund    = fs.Bool("prefund", false, "top the executor up to the committed amount first")
		dumpConfig = fs.String("dump-config", "", "write the effective merged config to a path (or - for stdout) and exit")
		gasLimit   = fs.Uint64("gas-limit", 0, "explicit gas limit for the combined call (0 = estimate)")
		forceSend  = fs.Bool("force-send", false, "send with the default gas limit when estimation reverts")
		logLevel   = fs.String("log-level", "", "debug | info | warn | error")
		logFormat  = fs.String("log-format", "", "text | json")
		dashboard  = fs.Bool("dashboard", false, "serve the local status dashboard")
		dashPort   = fs.Int("dashboard-port", 0, "dashboard listen port")
		withdraw   = fs.String("withdraw", "", "sweep one token from the executor back to the owner and exit")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadArgs
	}

	// Zero or malformed amounts are CLI errors, not config errors.
	if fs.Changed("amount") {
		d, err := decimal.NewFromString(*amount)
		if err != nil || !d.IsPositive() {
			fmt.Fprintf(os.Stderr, "invalid --amount %q: must be a positive decimal\n", *amount)
			return exitBadArgs
		}
	}
	if fs.Changed("force-flow") && *forceFlow != "buy" && *forceFlow != "sell" {
		fmt.Fprintf(os.Stderr, "invalid --force-flow %q: must be buy or sell\n", *forceFlow)
		return exitBadArgs
	}
	if *configFile != "" && *envFile != "" {
		fmt.Fprintln(os.Stderr, "--config and --env are mutually exclusive")
		return exitBadArgs
	}
	if fs.Changed("withdraw") && !common.IsHexAddress(*withdraw) {
		fmt.Fprintf(os.Stderr, "invalid --withdraw %q: must be a token address\n", *withdraw)
		return exitBadArgs
	}

	overrides := map[string]any{}
	setIf := func(changed bool, path string, val any) {
		if changed {
			overrides[path] = val
		}
	}
	setIf(fs.Changed("amount"), "bot.amount", *amount)
	setIf(fs.Changed("interval"), "bot.interval", *interval)
	setIf(fs.Changed("tolerance"), "bot.tolerance", *tolerance)
	setIf(fs.Changed("min-profit"), "bot.min_profit", *minProfit)
	setIf(fs.Changed("bot-type"), "bot.type", *botType)
	setIf(fs.Changed("force-flow"), "bot.force_flow", *forceFlow)
	setIf(fs.Changed("dry-run"), "bot.dry_run", *dryRun)
	setIf(fs.Changed("prefund"), "bot.prefund", *prefund)
	setIf(fs.Changed("gas-limit"), "bot.gas_limit", *gasLimit)
	setIf(fs.Changed("force-send"), "bot.force_send", *forceSend)
	setIf(fs.Changed("log-level"), "logging.level", *logLevel)
	setIf(fs.Changed("log-format"), "logging.format", *logFormat)
	setIf(fs.Changed("dashboard"), "dashboard.enabled", *dashboard)
	setIf(fs.Changed("dashboard-port"), "dashboard.port", *dashPort)

	mgr, err := config.Load(config.Options{
		ConfigFile: *configFile,
		EnvFile:    *envFile,
		Overrides:  overrides,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitFatal
	}
	cfg := mgr.Config()

	// Operator escape hatch: print the post-merge config and exit, so
	// orchestration can verify precedence without running the loop.
	if *dumpConfig != "" {
		return dumpEffectiveConfig(mgr, *dumpConfig)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitFatal
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *withdraw != "" {
		if err := runWithdraw(ctx, cfg, common.HexToAddress(*withdraw), logger); err != nil {
			logger.Error("withdraw failed", "error", err)
			return exitFatal
		}
		return exitOK
	}

	if err := runBot(ctx, mgr, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("startup failed", "error", err)
		return exitFatal
	}
	logger.Info("shutdown complete")
	return exitOK
}

// runBot wires every component and runs the controller until the
// context is cancelled.
func runBot(ctx context.Context, mgr *config.Manager, cfg config.Config, logger *slog.Logger) error {
	rt, err := chain.Dial(ctx, cfg.Network.RPCURL, cfg.Network.ChainID, cfg.Wallet.PrivateKey, logger)
	if err != nil {
		return err
	}
	if cfg.Wallet.DerivationPath != "" {
		// Derivation-linked registration: record the path and address,
		// never the key material.
		logger.Info("wallet registered under derivation path",
			"path", cfg.Wallet.DerivationPath, "address", rt.Address())
	} else if rt.CanSign() {
		logger.Info("wallet ready", "address", rt.Address())
	}

	proposal, err := cfg.ProposalRecord()
	if err != nil {
		return err
	}
	execDesc, err := cfg.Executor()
	if err != nil {
		return err
	}

	baseDecimals, err := rt.Decimals(ctx, proposal.BaseCurrency)
	if err != nil {
		return fmt.Errorf("read base currency decimals: %w", err)
	}
	amountIn, err := cfg.Amount(int32(baseDecimals))
	if err != nil {
		return err
	}
	minProfit, err := cfg.MinProfit(int32(baseDecimals))
	if err != nil {
		return err
	}
	tol, err := cfg.Tolerance()
	if err != nil {
		return err
	}
	tickInterval, err := cfg.Interval()
	if err != nil {
		return err
	}
	flow, err := cfg.ForceFlow()
	if err != nil {
		return err
	}

	orc := oracle.New(rt, proposal, logger)

	labels := types.AllTokenLabels
	if cfg.Bot.Type == config.BotPrediction {
		labels = []types.TokenLabel{types.TokenBaseCurrency, types.TokenYesCurrency, types.TokenNoCurrency}
	}
	books := accounting.New(rt, proposal, rt.Address(), execDesc.Address, labels, logger)

	exec := buildExecutor(mgr, cfg, rt, execDesc, proposal.BaseCurrency, logger)

	var spot bot.SpotSource
	if cfg.Feed.URL != "" {
		spot = feed.New(cfg.Feed.URL, time.Duration(cfg.Feed.TimeoutSec)*time.Second, logger)
		logger.Info("using external spot price feed", "url", cfg.Feed.URL)
	}

	params := bot.Params{
		Interval:       tickInterval,
		Tolerance:      tol,
		AmountIn:       amountIn,
		MinProfit:      minProfit,
		ForceFlow:      flow,
		PredictionOnly: cfg.Bot.Type == config.BotPrediction,
		Prefund:        cfg.Bot.Prefund,
		DryRun:         cfg.Bot.DryRun,
	}
	controller := bot.New(orc, spot, exec, books, params, cfg.ReceiptTimeout(), logger)

	var dash *api.Server
	if cfg.Dashboard.Enabled {
		dash = api.NewServer(cfg.Dashboard.Port, proposal.ProposalID, string(cfg.Bot.Type), cfg.Bot.DryRun, logger)
		go func() {
			if err := dash.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		go dash.Consume(ctx, controller.Reports())
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if cfg.Bot.DryRun {
		logger.Warn("DRY-RUN MODE — no transactions will be signed or sent")
	}
	logger.Info("arbitrage bot started",
		"proposal", proposal.ProposalID,
		"bot_type", cfg.Bot.Type,
		"executor", execDesc.Address,
		"interval", tickInterval,
	)

	err = controller.Run(ctx)

	if dash != nil {
		if stopErr := dash.Stop(); stopErr != nil {
			logger.Error("failed to stop dashboard", "error", stopErr)
		}
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// runWithdraw performs a one-shot owner sweep of a single token from the
// executor contract and exits without entering the tick loop.
func runWithdraw(ctx context.Context, cfg config.Config, token common.Address, logger *slog.Logger) error {
	rt, err := chain.Dial(ctx, cfg.Network.RPCURL, cfg.Network.ChainID, cfg.Wallet.PrivateKey, logger)
	if err != nil {
		return err
	}
	execDesc, err := cfg.Executor()
	if err != nil {
		return err
	}
	gas := executor.GasPolicy{
		PriorityFeeWei:   cfg.Network.PriorityFeeWei,
		MaxFeeMultiplier: cfg.Network.MaxFeeMultiplier,
		BumpWei:          cfg.Network.GasPriceBumpWei,
	}
	adapter := executor.New(rt, execDesc, executor.Routers{}, token, gas, cfg.ReceiptTimeout(), cfg.Bot.DryRun, logger)
	hash, err := adapter.Withdraw(ctx, token)
	if err != nil {
		return err
	}
	logger.Info("withdraw complete", "token", token, "tx", hash)
	return nil
}

// buildExecutor picks between the in-process adapter and the subprocess
// shim. The shim only exists as a stability escape hatch for executor
// builds that cannot be embedded.
func buildExecutor(mgr *config.Manager, cfg config.Config, rt *chain.Runtime, desc types.ExecutorDescriptor, baseCurrency common.Address, logger *slog.Logger) bot.Executor {
	if cfg.Bot.ExecutorCommand != "" {
		logger.Warn("using out-of-process executor", "command", cfg.Bot.ExecutorCommand)
		return &executor.Shim{
			Command:     cfg.Bot.ExecutorCommand,
			EnvDir:      cfg.Bot.EnvDir,
			Materialise: mgr.Materialise,
			Logger:      logger,
		}
	}

	routers := executor.Routers{
		Swapr:    common.HexToAddress(cfg.Contracts.SwaprRouter),
		Futarchy: common.HexToAddress(cfg.Contracts.FutarchyRouter),
		Balancer: common.HexToAddress(cfg.Contracts.BalancerRouter),
	}
	gas := executor.GasPolicy{
		PriorityFeeWei:   cfg.Network.PriorityFeeWei,
		MaxFeeMultiplier: cfg.Network.MaxFeeMultiplier,
		BumpWei:          cfg.Network.GasPriceBumpWei,
		LimitOverride:    cfg.Bot.GasLimit,
		ForceSend:        cfg.Bot.ForceSend,
	}
	return executor.New(rt, desc, routers, baseCurrency, gas, cfg.ReceiptTimeout(), cfg.Bot.DryRun, logger)
}

func dumpEffectiveConfig(mgr *config.Manager, target string) int {
	if target == "-" {
		if err := mgr.Dump(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "dump config:", err)
			return exitFatal
		}
		return exitOK
	}
	f, err := os.Create(target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dump config:", err)
		return exitFatal
	}
	defer f.Close()
	if err := mgr.Dump(f); err != nil {
		fmt.Fprintln(os.Stderr, "dump config:", err)
		return exitFatal
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
