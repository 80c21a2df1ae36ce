// Package accounting reads and compares token balances around executor
// invocations: the six proposal tokens on two holders (the signing
// wallet and the executor contract), dust-residual warnings, and the
// profit verification that decides whether a trade actually paid.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"futarchy-arb/internal/chain"
	"futarchy-arb/pkg/types"
)

// Snapshot is the balances of all six proposal tokens for one holder at
// one block.
type Snapshot struct {
	Holder   types.Holder
	Address  common.Address
	Block    uint64
	TakenAt  time.Time
	Balances map[types.TokenLabel]*big.Int
}

// Delta is the signed per-token difference between two snapshots of the
// same holder.
type Delta map[types.TokenLabel]*big.Int

// ResidualWarning flags a token balance left behind after a trade that
// should have consumed it.
type ResidualWarning struct {
	Holder  types.Holder
	Token   types.TokenLabel
	Balance *big.Int
	Epsilon *big.Int
}

func (w ResidualWarning) String() string {
	return fmt.Sprintf("%s holds residual %s %s (dust threshold %s)", w.Holder, w.Token, w.Balance, w.Epsilon)
}

// Accountant reads balances for one proposal's tokens.
type Accountant struct {
	rt       *chain.Runtime
	proposal *types.Proposal
	wallet   common.Address
	executor common.Address
	labels   []types.TokenLabel
	logger   *slog.Logger
}

// New creates an accountant over the wallet and executor holders.
// labels selects which proposal tokens are tracked; nil tracks all six.
// The prediction-only flavour tracks the currency side only.
func New(rt *chain.Runtime, proposal *types.Proposal, wallet, executor common.Address, labels []types.TokenLabel, logger *slog.Logger) *Accountant {
	if len(labels) == 0 {
		labels = types.AllTokenLabels
	}
	return &Accountant{
		rt:       rt,
		proposal: proposal,
		wallet:   wallet,
		executor: executor,
		labels:   labels,
		logger:   logger.With("component", "accountant"),
	}
}

// holderAddress maps the holder tag to its address.
func (a *Accountant) holderAddress(holder types.Holder) common.Address {
	if holder == types.HolderExecutor {
		return a.executor
	}
	return a.wallet
}

// TakeSnapshot reads all six token balances for a holder. The block
// number is read first, so the snapshot's block tag is a lower bound on
// the state every balance reflects.
func (a *Accountant) TakeSnapshot(ctx context.Context, holder types.Holder) (*Snapshot, error) {
	addr := a.holderAddress(holder)

	block, err := a.rt.Client.BlockNumber(ctx)
	if err != nil {
		return nil, types.WrapKind(types.KindRpcTransient, "read block number", err)
	}

	snap := &Snapshot{
		Holder:   holder,
		Address:  addr,
		Block:    block,
		TakenAt:  time.Now(),
		Balances: make(map[types.TokenLabel]*big.Int, len(a.labels)),
	}
	for _, label := range a.labels {
		bal, err := a.rt.BalanceOf(ctx, a.proposal.Token(label), addr)
		if err != nil {
			return nil, fmt.Errorf("balance of %s for %s: %w", label, holder, err)
		}
		snap.Balances[label] = bal
	}
	return snap, nil
}

// Diff returns post - pre per token. It refuses snapshot pairs taken
// with reversed block ordering or for different holders; a backwards
// comparison would report phantom profit.
func Diff(pre, post *Snapshot) (Delta, error) {
	if pre.Holder != post.Holder {
		return nil, fmt.Errorf("diff across holders: %s vs %s", pre.Holder, post.Holder)
	}
	if post.Block < pre.Block {
		return nil, fmt.Errorf("diff with reversed block order: pre at %d, post at %d", pre.Block, post.Block)
	}
	delta := make(Delta, len(pre.Balances))
	for label, preBal := range pre.Balances {
		postBal, ok := post.Balances[label]
		if !ok {
			return nil, fmt.Errorf("diff with missing token %s", label)
		}
		delta[label] = new(big.Int).Sub(postBal, preBal)
	}
	return delta, nil
}

// residualTokens are the balances a clean trade should not leave
// behind: the four conditionals and the plain company token.
var residualTokens = []types.TokenLabel{
	types.TokenYesCurrency, types.TokenNoCurrency,
	types.TokenYesCompany, types.TokenNoCompany,
	types.TokenBaseCompany,
}

// WarnResiduals flags any conditional or company balance above the dust
// threshold epsilon = 10^(decimals-4).
func (a *Accountant) WarnResiduals(ctx context.Context, snap *Snapshot) ([]ResidualWarning, error) {
	var warnings []ResidualWarning
	for _, label := range residualTokens {
		bal, tracked := snap.Balances[label]
		if !tracked || bal == nil || bal.Sign() == 0 {
			continue
		}
		dec, err := a.rt.Decimals(ctx, a.proposal.Token(label))
		if err != nil {
			return nil, err
		}
		eps := dustThreshold(dec)
		if bal.Cmp(eps) > 0 {
			warnings = append(warnings, ResidualWarning{
				Holder:  snap.Holder,
				Token:   label,
				Balance: new(big.Int).Set(bal),
				Epsilon: eps,
			})
		}
	}
	return warnings, nil
}

// dustThreshold is 10^(decimals-4), i.e. one hundredth of a percent of
// a whole token.
func dustThreshold(decimals uint8) *big.Int {
	exp := int(decimals) - 4
	if exp < 0 {
		exp = 0
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// ProfitReport is the outcome of verifying one executed trade.
type ProfitReport struct {
	// ExecutorDelta is the primary measure: base-currency delta at the
	// executor contract.
	ExecutorDelta *big.Int
	// WalletDelta is the secondary measure; expected near zero apart
	// from gas and prefunds.
	WalletDelta *big.Int

	ProfitPct decimal.Decimal // executor delta relative to the committed amount
	MetTarget bool
}

// VerifyProfit compares the executor-side base-currency delta against
// the configured minimum profit (which may be negative for deliberate
// loss-leader testing).
func VerifyProfit(executorDelta, walletDelta Delta, amountIn, minProfit *big.Int) ProfitReport {
	execBase := executorDelta[types.TokenBaseCurrency]
	if execBase == nil {
		execBase = new(big.Int)
	}
	walletBase := walletDelta[types.TokenBaseCurrency]
	if walletBase == nil {
		walletBase = new(big.Int)
	}

	report := ProfitReport{
		ExecutorDelta: new(big.Int).Set(execBase),
		WalletDelta:   new(big.Int).Set(walletBase),
		MetTarget:     execBase.Cmp(minProfit) >= 0,
	}
	if amountIn != nil && amountIn.Sign() > 0 {
		report.ProfitPct = decimal.NewFromBigInt(execBase, 0).
			Div(decimal.NewFromBigInt(amountIn, 0)).
			Mul(decimal.NewFromInt(100))
	}
	return report
}
