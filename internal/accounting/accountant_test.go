package accounting

import (
	"math/big"
	"testing"

	"futarchy-arb/pkg/types"
)

func snap(holder types.Holder, block uint64, base, yesCur int64) *Snapshot {
	return &Snapshot{
		Holder: holder,
		Block:  block,
		Balances: map[types.TokenLabel]*big.Int{
			types.TokenBaseCurrency: big.NewInt(base),
			types.TokenYesCurrency:  big.NewInt(yesCur),
		},
	}
}

func TestDiffPostMinusPre(t *testing.T) {
	t.Parallel()

	pre := snap(types.HolderExecutor, 100, 1000, 50)
	post := snap(types.HolderExecutor, 105, 1300, 0)

	delta, err := Diff(pre, post)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if got := delta[types.TokenBaseCurrency]; got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("base delta = %s, want 300", got)
	}
	if got := delta[types.TokenYesCurrency]; got.Cmp(big.NewInt(-50)) != 0 {
		t.Errorf("yes_currency delta = %s, want -50", got)
	}
}

func TestDiffRefusesHolderMismatch(t *testing.T) {
	t.Parallel()

	pre := snap(types.HolderExecutor, 100, 0, 0)
	post := snap(types.HolderWallet, 105, 0, 0)
	if _, err := Diff(pre, post); err == nil {
		t.Fatal("diff across holders must fail")
	}
}

func TestDiffRefusesReversedBlocks(t *testing.T) {
	t.Parallel()

	pre := snap(types.HolderExecutor, 200, 0, 0)
	post := snap(types.HolderExecutor, 150, 0, 0)
	if _, err := Diff(pre, post); err == nil {
		t.Fatal("reversed block order must fail, lest we report phantom profit")
	}
}

func TestDiffSameBlockAllowed(t *testing.T) {
	t.Parallel()

	pre := snap(types.HolderExecutor, 100, 5, 0)
	post := snap(types.HolderExecutor, 100, 5, 0)
	delta, err := Diff(pre, post)
	if err != nil {
		t.Fatalf("same-block diff should be allowed: %v", err)
	}
	if delta[types.TokenBaseCurrency].Sign() != 0 {
		t.Error("identical snapshots should produce a zero delta")
	}
}

func TestVerifyProfitTargetMet(t *testing.T) {
	t.Parallel()

	execDelta := Delta{types.TokenBaseCurrency: big.NewInt(25)}
	walletDelta := Delta{types.TokenBaseCurrency: big.NewInt(-1)}

	report := VerifyProfit(execDelta, walletDelta, big.NewInt(1000), big.NewInt(10))
	if !report.MetTarget {
		t.Error("25 >= 10 should meet the target")
	}
	if report.ExecutorDelta.Cmp(big.NewInt(25)) != 0 {
		t.Errorf("executor delta = %s, want 25", report.ExecutorDelta)
	}
	// 25 / 1000 = 2.5%
	if report.ProfitPct.StringFixed(1) != "2.5" {
		t.Errorf("profit pct = %s, want 2.5", report.ProfitPct)
	}
}

func TestVerifyProfitNegativeMinimum(t *testing.T) {
	t.Parallel()

	// A deliberate loss-leader: min profit -100, actual -40 still passes.
	execDelta := Delta{types.TokenBaseCurrency: big.NewInt(-40)}
	report := VerifyProfit(execDelta, Delta{}, big.NewInt(1000), big.NewInt(-100))
	if !report.MetTarget {
		t.Error("-40 >= -100 should meet a negative target")
	}

	report = VerifyProfit(execDelta, Delta{}, big.NewInt(1000), big.NewInt(0))
	if report.MetTarget {
		t.Error("-40 >= 0 should miss the target")
	}
}

func TestVerifyProfitMissingBaseDelta(t *testing.T) {
	t.Parallel()

	report := VerifyProfit(Delta{}, Delta{}, big.NewInt(1000), big.NewInt(0))
	if report.ExecutorDelta.Sign() != 0 {
		t.Errorf("missing base delta should read as zero, got %s", report.ExecutorDelta)
	}
	if !report.MetTarget {
		t.Error("zero delta meets a zero minimum")
	}
}

func TestDustThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		decimals uint8
		want     int64
	}{
		{18, 0}, // 10^14, checked below
		{6, 100},
		{4, 1},
		{2, 1}, // floor at 10^0
		{0, 1},
	}
	if got := dustThreshold(18); got.Cmp(new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)) != 0 {
		t.Errorf("dustThreshold(18) = %s, want 10^14", got)
	}
	for _, tc := range cases[1:] {
		if got := dustThreshold(tc.decimals); got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("dustThreshold(%d) = %s, want %d", tc.decimals, got, tc.want)
		}
	}
}
