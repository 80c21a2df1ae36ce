// Package bot implements the arbitrage controller: a serial tick loop
// that fetches prices, detects an opportunity, brackets the executor
// invocation with balance snapshots, and verifies profit.
//
// One tick runs at a time; a new tick never starts while the previous
// one is anywhere but Idle. Cancellation interrupts the inter-tick
// sleep, but an in-flight transaction is always awaited, never
// abandoned: on-chain side effects cannot be cancelled.
package bot

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futarchy-arb/internal/accounting"
	"futarchy-arb/internal/detector"
	"futarchy-arb/pkg/types"
)

// Outcome summarises how a tick ended.
type Outcome string

const (
	OutcomeNoOpportunity Outcome = "no_opportunity"
	OutcomeDryRun        Outcome = "dry_run"
	OutcomeExecuted      Outcome = "executed"
	OutcomeSkipped       Outcome = "skipped" // profit guard rejected
	OutcomeTimedOut      Outcome = "timed_out"
	OutcomeFailed        Outcome = "failed"
	OutcomeFetchError    Outcome = "fetch_error" // transient, retried next tick
)

// TickReport is the user-facing record of one tick.
type TickReport struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`

	Outcome Outcome `json:"outcome"`
	Verdict string  `json:"verdict,omitempty"`

	Spot      string `json:"spot,omitempty"`
	Implied   string `json:"implied,omitempty"`
	Deviation string `json:"deviation,omitempty"`

	TxHash        string `json:"tx_hash,omitempty"`
	PrefundTxHash string `json:"prefund_tx_hash,omitempty"`

	ExecutorProfit string `json:"executor_profit,omitempty"`
	WalletDelta    string `json:"wallet_delta,omitempty"`
	ProfitPct      string `json:"profit_pct,omitempty"`
	MetTarget      *bool  `json:"met_target,omitempty"`

	Warnings []string   `json:"warnings,omitempty"`
	Error    string     `json:"error,omitempty"`
	Kind     types.Kind `json:"kind,omitempty"`
	Hint     string     `json:"hint,omitempty"`
}

// PriceSource provides the joined per-tick price set.
type PriceSource interface {
	FetchAll(ctx context.Context) (*types.PriceSet, error)
	FetchPrediction(ctx context.Context) (*types.PriceSet, error)
}

// SpotSource is an injected external spot price, substituted for the
// weighted-pool sample when present.
type SpotSource interface {
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}

// Executor runs one composed trade intent.
type Executor interface {
	Run(ctx context.Context, intent types.TradeIntent) (types.TradeResult, error)
}

// Books reads balance snapshots around trades.
type Books interface {
	TakeSnapshot(ctx context.Context, holder types.Holder) (*accounting.Snapshot, error)
	WarnResiduals(ctx context.Context, snap *accounting.Snapshot) ([]accounting.ResidualWarning, error)
}

// Params are the per-run controller settings, already parsed into
// native types.
type Params struct {
	Interval  time.Duration
	Tolerance decimal.Decimal
	AmountIn  *big.Int
	MinProfit *big.Int // signed; negative permits deliberate loss-leaders

	ForceFlow      types.Flow // when set, bypasses the deviation gate
	PredictionOnly bool       // prediction_v1: detector bypassed entirely
	Prefund        bool
	DryRun         bool

	// MaxTicks stops the loop after N ticks; 0 runs until cancelled.
	MaxTicks int
}

// pendingTrade is carried across a receipt timeout so the next tick can
// reconcile once the transaction settles.
type pendingTrade struct {
	preExecutor *accounting.Snapshot
	preWallet   *accounting.Snapshot
	txHash      string
}

// Controller drives the tick loop.
type Controller struct {
	prices PriceSource
	spot   SpotSource // nil = use the weighted pool
	exec   Executor
	books  Books
	params Params
	logger *slog.Logger

	// receiptGrace bounds the detached execute phase after cancellation.
	receiptGrace time.Duration

	reports chan TickReport
	pending *pendingTrade
	tick    int
}

// New wires a controller. spot may be nil.
func New(prices PriceSource, spot SpotSource, exec Executor, books Books, params Params, receiptTimeout time.Duration, logger *slog.Logger) *Controller {
	if receiptTimeout <= 0 {
		receiptTimeout = 120 * time.Second
	}
	return &Controller{
		prices:       prices,
		spot:         spot,
		exec:         exec,
		books:        books,
		params:       params,
		logger:       logger.With("component", "controller"),
		receiptGrace: receiptTimeout + 30*time.Second,
		reports:      make(chan TickReport, 16),
	}
}

// Reports exposes the tick report stream for the dashboard. Reports are
// dropped, never blocked on, when no consumer keeps up.
func (c *Controller) Reports() <-chan TickReport { return c.reports }

// Run executes ticks until the context is cancelled or MaxTicks is
// reached. Strictly serial: the sleep is the only suspension point
// between ticks.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller started",
		"interval", c.params.Interval,
		"tolerance", c.params.Tolerance,
		"amount_in", c.params.AmountIn,
		"min_profit", c.params.MinProfit,
		"dry_run", c.params.DryRun,
	)

	for {
		if ctx.Err() != nil {
			c.logger.Info("controller stopped", "ticks", c.tick)
			return ctx.Err()
		}

		report := c.runTick(ctx)
		c.publish(report)

		c.tick++
		if c.params.MaxTicks > 0 && c.tick >= c.params.MaxTicks {
			c.logger.Info("tick limit reached", "ticks", c.tick)
			return nil
		}

		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped", "ticks", c.tick)
			return ctx.Err()
		case <-time.After(c.params.Interval):
		}
	}
}

// runTick is one pass of the state machine:
// PriceFetch -> Detect -> PreSnapshot -> Execute -> PostSnapshot -> Verify.
func (c *Controller) runTick(ctx context.Context) TickReport {
	report := TickReport{
		ID:        uuid.NewString(),
		Index:     c.tick,
		StartedAt: time.Now(),
	}

	if c.pending != nil {
		c.reconcilePending(ctx, &report)
	}

	// PriceFetch
	prices, err := c.fetchPrices(ctx)
	if err != nil {
		return c.fail(report, OutcomeFetchError, err)
	}

	// Detect
	verdict := c.decide(prices)
	report.Verdict = verdict.String()
	report.Spot = prices.Spot.String()
	if !c.params.PredictionOnly {
		report.Implied = verdict.Implied.String()
		report.Deviation = verdict.Deviation.String()
	}
	if verdict.None() && !c.params.PredictionOnly {
		report.Outcome = OutcomeNoOpportunity
		report.Duration = time.Since(report.StartedAt).String()
		return report
	}

	intent := types.TradeIntent{
		Flow:      verdict.Flow,
		Cheaper:   verdict.Cheaper,
		AmountIn:  c.params.AmountIn,
		MinProfit: c.params.MinProfit,
		Prefund:   c.params.Prefund,
	}

	// A dry run stops before any state-changing step: the executor
	// adapter logs the call it would have made.
	if c.params.DryRun {
		if _, err := c.exec.Run(ctx, intent); err != nil {
			return c.fail(report, OutcomeFailed, err)
		}
		report.Outcome = OutcomeDryRun
		report.Duration = time.Since(report.StartedAt).String()
		return report
	}

	// PreSnapshot
	preExec, err := c.books.TakeSnapshot(ctx, types.HolderExecutor)
	if err != nil {
		return c.fail(report, OutcomeFetchError, err)
	}
	preWallet, err := c.books.TakeSnapshot(ctx, types.HolderWallet)
	if err != nil {
		return c.fail(report, OutcomeFetchError, err)
	}

	// Execute. The phase runs under a detached context so that process
	// cancellation waits for the receipt instead of abandoning an
	// in-flight transaction.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptGrace)
	result, execErr := c.exec.Run(execCtx, intent)
	cancel()

	if result.TxHash != (common.Hash{}) {
		report.TxHash = result.TxHash.Hex()
	}
	if result.Prefund != nil {
		report.PrefundTxHash = result.Prefund.Hex()
	}

	if execErr != nil {
		switch types.KindOf(execErr) {
		case types.KindMinProfitNotMet:
			// Informational skip: snapshots are not compared.
			c.logger.Info("trade skipped by profit guard", "tick", c.tick)
			report.Outcome = OutcomeSkipped
			report.Kind = types.KindMinProfitNotMet
			report.Hint = types.OperatorHint(types.KindMinProfitNotMet)
			report.Duration = time.Since(report.StartedAt).String()
			return report
		case types.KindTimedOut:
			// The transaction may still settle; remember the pre
			// snapshots so the next tick can reconcile.
			c.pending = &pendingTrade{preExecutor: preExec, preWallet: preWallet, txHash: report.TxHash}
			return c.fail(report, OutcomeTimedOut, execErr)
		default:
			return c.fail(report, OutcomeFailed, execErr)
		}
	}

	// PostSnapshot + Verify
	c.verify(ctx, &report, preExec, preWallet)
	report.Outcome = OutcomeExecuted
	report.Duration = time.Since(report.StartedAt).String()
	return report
}

// fetchPrices joins the per-tick price reads, substituting the external
// spot feed when configured.
func (c *Controller) fetchPrices(ctx context.Context) (*types.PriceSet, error) {
	if c.params.PredictionOnly {
		return c.prices.FetchPrediction(ctx)
	}
	prices, err := c.prices.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	if c.spot != nil {
		spot, err := c.spot.SpotPrice(ctx)
		if err != nil {
			return nil, err
		}
		prices.Spot = spot
	}
	return prices, nil
}

// decide produces the verdict for this tick. A forced flow bypasses the
// deviation gate but still picks the cheaper leg from prices; in
// prediction-only mode the detector is bypassed entirely and the
// executor decides (or is forced) on-chain.
func (c *Controller) decide(prices *types.PriceSet) types.Verdict {
	if c.params.PredictionOnly {
		return types.Verdict{Flow: c.params.ForceFlow, Spot: prices.PredYes}
	}
	verdict := detector.Detect(prices, c.params.Tolerance)
	if c.params.ForceFlow != "" {
		verdict.Flow = c.params.ForceFlow
		if verdict.Cheaper == "" {
			if prices.Yes.LessThanOrEqual(prices.No) {
				verdict.Cheaper = types.LegYes
			} else {
				verdict.Cheaper = types.LegNo
			}
		}
	}
	return verdict
}

// verify brackets the executed trade with post snapshots and reports
// profit against the configured minimum. A negative result is warned
// about but never compensated for; the operator may have configured a
// negative minimum deliberately.
func (c *Controller) verify(ctx context.Context, report *TickReport, preExec, preWallet *accounting.Snapshot) {
	postExec, err := c.books.TakeSnapshot(ctx, types.HolderExecutor)
	if err != nil {
		report.Warnings = append(report.Warnings, "post-trade executor snapshot failed: "+err.Error())
		return
	}
	postWallet, err := c.books.TakeSnapshot(ctx, types.HolderWallet)
	if err != nil {
		report.Warnings = append(report.Warnings, "post-trade wallet snapshot failed: "+err.Error())
		return
	}

	execDelta, err := accounting.Diff(preExec, postExec)
	if err != nil {
		report.Warnings = append(report.Warnings, "executor diff: "+err.Error())
		return
	}
	walletDelta, err := accounting.Diff(preWallet, postWallet)
	if err != nil {
		report.Warnings = append(report.Warnings, "wallet diff: "+err.Error())
		return
	}

	profit := accounting.VerifyProfit(execDelta, walletDelta, c.params.AmountIn, c.params.MinProfit)
	met := profit.MetTarget
	report.ExecutorProfit = profit.ExecutorDelta.String()
	report.WalletDelta = profit.WalletDelta.String()
	report.ProfitPct = profit.ProfitPct.StringFixed(4)
	report.MetTarget = &met

	if profit.ExecutorDelta.Sign() < 0 {
		c.logger.Warn("trade closed at a loss",
			"executor_delta", profit.ExecutorDelta, "min_profit", c.params.MinProfit)
	}

	for _, snap := range []*accounting.Snapshot{postExec, postWallet} {
		warnings, err := c.books.WarnResiduals(ctx, snap)
		if err != nil {
			report.Warnings = append(report.Warnings, "residual check: "+err.Error())
			continue
		}
		for _, w := range warnings {
			c.logger.Warn("residual balance after trade", "holder", w.Holder, "token", w.Token, "balance", w.Balance)
			report.Warnings = append(report.Warnings, w.String())
		}
	}
}

// reconcilePending resolves a trade whose receipt timed out in an
// earlier tick: fresh snapshots reveal whether it ultimately settled,
// and the retroactive net delta is reported.
func (c *Controller) reconcilePending(ctx context.Context, report *TickReport) {
	pending := c.pending
	c.pending = nil

	postExec, err := c.books.TakeSnapshot(ctx, types.HolderExecutor)
	if err != nil {
		report.Warnings = append(report.Warnings, "reconcile snapshot failed: "+err.Error())
		return
	}
	execDelta, err := accounting.Diff(pending.preExecutor, postExec)
	if err != nil {
		report.Warnings = append(report.Warnings, "reconcile diff: "+err.Error())
		return
	}

	delta := execDelta[types.TokenBaseCurrency]
	if delta == nil || delta.Sign() == 0 {
		c.logger.Info("timed-out transaction left no balance change", "tx", pending.txHash)
		report.Warnings = append(report.Warnings, "timed-out tx "+pending.txHash+" produced no executor delta")
		return
	}
	c.logger.Info("timed-out transaction settled",
		"tx", pending.txHash, "executor_delta", delta)
	report.Warnings = append(report.Warnings,
		"timed-out tx "+pending.txHash+" settled with executor delta "+delta.String())
}

// fail finalises a report for an errored tick, mapping the error kind
// to its log level and operator hint. No error is silently swallowed.
func (c *Controller) fail(report TickReport, outcome Outcome, err error) TickReport {
	report.Outcome = outcome
	report.Error = err.Error()
	report.Kind = types.KindOf(err)
	report.Hint = types.OperatorHint(report.Kind)
	report.Duration = time.Since(report.StartedAt).String()

	attrs := []any{"tick", c.tick, "kind", report.Kind, "error", err}
	if report.TxHash != "" {
		attrs = append(attrs, "tx", report.TxHash)
	}
	switch outcome {
	case OutcomeTimedOut, OutcomeFetchError:
		c.logger.Warn("tick did not complete", attrs...)
	default:
		c.logger.Error("tick failed", attrs...)
	}
	return report
}

// publish logs the report and offers it to the dashboard stream
// without blocking.
func (c *Controller) publish(report TickReport) {
	c.logger.Info("tick report",
		"tick", report.Index,
		"outcome", report.Outcome,
		"verdict", report.Verdict,
		"tx", report.TxHash,
		"profit", report.ExecutorProfit,
	)
	select {
	case c.reports <- report:
	default:
		// No consumer keeping up; drop rather than stall the loop.
	}
}
