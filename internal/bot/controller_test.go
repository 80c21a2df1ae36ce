package bot

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"futarchy-arb/internal/accounting"
	"futarchy-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func priceSet(yes, no, predYes, spot string) *types.PriceSet {
	return &types.PriceSet{
		Yes:     decimal.RequireFromString(yes),
		No:      decimal.RequireFromString(no),
		PredYes: decimal.RequireFromString(predYes),
		PredNo:  decimal.NewFromInt(1).Sub(decimal.RequireFromString(predYes)),
		Spot:    decimal.RequireFromString(spot),
		Samples: map[types.PoolID]types.PriceSample{},
	}
}

type fakePrices struct {
	set *types.PriceSet
	err error

	fetchAllCalls   int
	predictionCalls int
}

func (f *fakePrices) FetchAll(ctx context.Context) (*types.PriceSet, error) {
	f.fetchAllCalls++
	return f.set, f.err
}

func (f *fakePrices) FetchPrediction(ctx context.Context) (*types.PriceSet, error) {
	f.predictionCalls++
	return f.set, f.err
}

type fakeSpot struct{ price decimal.Decimal }

func (f *fakeSpot) SpotPrice(ctx context.Context) (decimal.Decimal, error) { return f.price, nil }

type fakeExec struct {
	result  types.TradeResult
	err     error
	intents []types.TradeIntent
}

func (f *fakeExec) Run(ctx context.Context, intent types.TradeIntent) (types.TradeResult, error) {
	f.intents = append(f.intents, intent)
	return f.result, f.err
}

// fakeBooks hands out snapshots from a per-holder schedule of base
// currency balances, with strictly increasing blocks.
type fakeBooks struct {
	balances map[types.Holder][]int64
	next     map[types.Holder]int
	block    uint64

	residuals []accounting.ResidualWarning
	snapshots int
}

func newFakeBooks(executorBalances, walletBalances []int64) *fakeBooks {
	return &fakeBooks{
		balances: map[types.Holder][]int64{
			types.HolderExecutor: executorBalances,
			types.HolderWallet:   walletBalances,
		},
		next:  map[types.Holder]int{},
		block: 100,
	}
}

func (f *fakeBooks) TakeSnapshot(ctx context.Context, holder types.Holder) (*accounting.Snapshot, error) {
	schedule := f.balances[holder]
	i := f.next[holder]
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	f.next[holder]++
	f.block++
	f.snapshots++
	return &accounting.Snapshot{
		Holder:  holder,
		Block:   f.block,
		TakenAt: time.Now(),
		Balances: map[types.TokenLabel]*big.Int{
			types.TokenBaseCurrency: big.NewInt(schedule[i]),
		},
	}, nil
}

func (f *fakeBooks) WarnResiduals(ctx context.Context, snap *accounting.Snapshot) ([]accounting.ResidualWarning, error) {
	return f.residuals, nil
}

func defaultParams() Params {
	return Params{
		Interval:  time.Millisecond,
		Tolerance: decimal.NewFromInt(3),
		AmountIn:  big.NewInt(1000),
		MinProfit: big.NewInt(10),
	}
}

func newTestController(prices PriceSource, spot SpotSource, exec Executor, books Books, params Params) *Controller {
	return New(prices, spot, exec, books, params, time.Second, testLogger())
}

func TestTickNoOpportunity(t *testing.T) {
	t.Parallel()

	// implied = 112, spot = 112: nothing to do.
	prices := &fakePrices{set: priceSet("120", "100", "0.6", "112")}
	exec := &fakeExec{}
	c := newTestController(prices, nil, exec, newFakeBooks(nil, nil), defaultParams())

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeNoOpportunity {
		t.Fatalf("outcome = %q, want no_opportunity", report.Outcome)
	}
	if len(exec.intents) != 0 {
		t.Error("executor must not run without an opportunity")
	}
}

func TestTickExecutedWithProfit(t *testing.T) {
	t.Parallel()

	// implied = 112, spot = 120: BUY, cheaper NO.
	prices := &fakePrices{set: priceSet("120", "100", "0.6", "120")}
	exec := &fakeExec{result: types.TradeResult{TxHash: common.HexToHash("0x01"), GasUsed: 400_000, Block: 103}}
	books := newFakeBooks([]int64{1000, 1025}, []int64{500, 500})
	c := newTestController(prices, nil, exec, books, defaultParams())

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeExecuted {
		t.Fatalf("outcome = %q, want executed (error %q)", report.Outcome, report.Error)
	}
	if len(exec.intents) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(exec.intents))
	}
	intent := exec.intents[0]
	if intent.Flow != types.FlowBuy || intent.Cheaper != types.LegNo {
		t.Errorf("intent = %s/%s, want BUY/NO", intent.Flow, intent.Cheaper)
	}
	if report.ExecutorProfit != "25" {
		t.Errorf("executor profit = %q, want 25", report.ExecutorProfit)
	}
	if report.MetTarget == nil || !*report.MetTarget {
		t.Error("25 >= 10 should meet the target")
	}
	if report.TxHash == "" {
		t.Error("tx hash missing from report")
	}
}

func TestTickDryRunSkipsSnapshots(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("120", "100", "0.6", "120")}
	exec := &fakeExec{}
	books := newFakeBooks([]int64{0}, []int64{0})
	params := defaultParams()
	params.DryRun = true
	c := newTestController(prices, nil, exec, books, params)

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeDryRun {
		t.Fatalf("outcome = %q, want dry_run", report.Outcome)
	}
	if books.snapshots != 0 {
		t.Error("dry run must not take balance snapshots")
	}
	if len(exec.intents) != 1 {
		t.Error("dry run still hands the intent to the adapter for logging")
	}
}

func TestTickSkippedOnProfitGuard(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("120", "100", "0.6", "120")}
	exec := &fakeExec{err: &types.KindError{Kind: types.KindMinProfitNotMet, Msg: "guard"}}
	books := newFakeBooks([]int64{0, 0}, []int64{0, 0})
	c := newTestController(prices, nil, exec, books, defaultParams())

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped", report.Outcome)
	}
	if report.Kind != types.KindMinProfitNotMet {
		t.Errorf("kind = %q, want MinProfitNotMet", report.Kind)
	}
	// A skip is informational; no post-trade comparison happens.
	if books.snapshots != 2 {
		t.Errorf("snapshots = %d, want the 2 pre-trade ones only", books.snapshots)
	}
}

func TestTickFetchErrorIsTransient(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{err: &types.KindError{Kind: types.KindRpcTransient, Msg: "down"}}
	c := newTestController(prices, nil, &fakeExec{}, newFakeBooks(nil, nil), defaultParams())

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeFetchError {
		t.Fatalf("outcome = %q, want fetch_error", report.Outcome)
	}
	if report.Hint == "" {
		t.Error("fetch errors should carry an operator hint")
	}
}

func TestTickTimeoutThenReconcile(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("120", "100", "0.6", "120")}
	exec := &fakeExec{
		result: types.TradeResult{TxHash: common.HexToHash("0xabc")},
		err:    &types.KindError{Kind: types.KindTimedOut, Msg: "no receipt"},
	}
	// Executor balance: pre 1000, then 1030 once the tx settles.
	books := newFakeBooks([]int64{1000, 1030}, []int64{500})
	c := newTestController(prices, nil, exec, books, defaultParams())

	first := c.runTick(context.Background())
	if first.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %q, want timed_out", first.Outcome)
	}
	if c.pending == nil {
		t.Fatal("timeout must arm the reconciliation state")
	}

	// Next tick finds the settled balance and reports the late delta.
	exec.err = &types.KindError{Kind: types.KindMinProfitNotMet, Msg: "guard"} // keep the second trade out of the way
	second := c.runTick(context.Background())
	if c.pending != nil {
		t.Error("reconciliation must disarm after one tick")
	}
	found := false
	for _, w := range second.Warnings {
		if strings.Contains(w, "settled") && strings.Contains(w, "30") {
			found = true
		}
	}
	if !found {
		t.Errorf("no settlement warning in %q", second.Warnings)
	}
}

func TestForceFlowBypassesGate(t *testing.T) {
	t.Parallel()

	// Zero deviation, but the flow is forced.
	prices := &fakePrices{set: priceSet("120", "100", "0.6", "112")}
	exec := &fakeExec{}
	params := defaultParams()
	params.ForceFlow = types.FlowSell
	params.DryRun = true
	c := newTestController(prices, nil, exec, newFakeBooks(nil, nil), params)

	c.runTick(context.Background())
	if len(exec.intents) != 1 {
		t.Fatal("forced flow must trade through a closed gate")
	}
	if exec.intents[0].Flow != types.FlowSell {
		t.Errorf("flow = %q, want SELL", exec.intents[0].Flow)
	}
	if exec.intents[0].Cheaper != types.LegNo {
		t.Errorf("cheaper = %q, want NO from prices", exec.intents[0].Cheaper)
	}
}

func TestPredictionOnlyBypassesDetector(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("0", "0", "0.55", "0")}
	prices.set.Yes = decimal.Zero
	prices.set.No = decimal.Zero
	exec := &fakeExec{}
	params := defaultParams()
	params.PredictionOnly = true
	params.DryRun = true
	c := newTestController(prices, nil, exec, newFakeBooks(nil, nil), params)

	c.runTick(context.Background())
	if prices.predictionCalls != 1 || prices.fetchAllCalls != 0 {
		t.Errorf("calls: prediction=%d full=%d, want 1/0", prices.predictionCalls, prices.fetchAllCalls)
	}
	if len(exec.intents) != 1 {
		t.Fatal("prediction mode always hands the tick to the executor")
	}
	if exec.intents[0].Flow != "" {
		t.Errorf("flow = %q, want empty (decided on-chain)", exec.intents[0].Flow)
	}
}

func TestSpotFeedSubstitution(t *testing.T) {
	t.Parallel()

	// Pool spot says 112 (no opportunity); the feed says 120.
	prices := &fakePrices{set: priceSet("120", "100", "0.6", "112")}
	spot := &fakeSpot{price: decimal.NewFromInt(120)}
	exec := &fakeExec{}
	params := defaultParams()
	params.DryRun = true
	c := newTestController(prices, spot, exec, newFakeBooks(nil, nil), params)

	report := c.runTick(context.Background())
	if report.Outcome != OutcomeDryRun {
		t.Fatalf("outcome = %q, want dry_run (feed should open the gate)", report.Outcome)
	}
	if report.Spot != "120" {
		t.Errorf("report spot = %q, want the feed's 120", report.Spot)
	}
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("120", "100", "0.6", "112")}
	params := defaultParams()
	params.MaxTicks = 3
	c := newTestController(prices, nil, &fakeExec{}, newFakeBooks(nil, nil), params)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop at the tick limit")
	}

	if got := len(c.Reports()); got != 3 {
		t.Errorf("%d reports buffered, want 3", got)
	}
	for i := 0; i < 3; i++ {
		report := <-c.Reports()
		if report.Index != i {
			t.Errorf("report %d has index %d", i, report.Index)
		}
		if report.ID == "" {
			t.Error("report missing id")
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	prices := &fakePrices{set: priceSet("120", "100", "0.6", "112")}
	params := defaultParams()
	params.Interval = time.Hour // cancellation must interrupt the sleep
	c := newTestController(prices, nil, &fakeExec{}, newFakeBooks(nil, nil), params)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt the inter-tick sleep")
	}
}
