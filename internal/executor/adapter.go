// Package executor translates a high-level trade intent into a single
// on-chain executor invocation: optional prefund transfer, calldata
// composition per flavour, gas policy, signing, sending, and receipt
// observation.
//
// The adapter never caches a nonce across intents and never retries a
// reverted call; disposition of failures is the controller's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"futarchy-arb/internal/chain"
	"futarchy-arb/pkg/types"
)

// receiptPollInterval is how often the adapter re-asks for a receipt.
const receiptPollInterval = 2 * time.Second

// Adapter invokes one deployed executor contract.
type Adapter struct {
	rt      *chain.Runtime
	desc    types.ExecutorDescriptor
	routers Routers
	gas     GasPolicy

	// baseCurrency is read for prefund shortfall computation.
	baseCurrency common.Address

	receiptTimeout time.Duration
	dryRun         bool
	logger         *slog.Logger
}

// New creates an adapter for the given executor.
func New(rt *chain.Runtime, desc types.ExecutorDescriptor, routers Routers, baseCurrency common.Address, gas GasPolicy, receiptTimeout time.Duration, dryRun bool, logger *slog.Logger) *Adapter {
	if receiptTimeout <= 0 {
		receiptTimeout = 120 * time.Second
	}
	return &Adapter{
		rt:             rt,
		desc:           desc,
		routers:        routers,
		gas:            gas,
		baseCurrency:   baseCurrency,
		receiptTimeout: receiptTimeout,
		dryRun:         dryRun,
		logger:         logger.With("component", "executor"),
	}
}

// Run executes one trade intent: prefund if requested, then the single
// combined executor call. The nonce is read once at intent start and
// incremented locally for the prefund+main pair.
func (a *Adapter) Run(ctx context.Context, intent types.TradeIntent) (types.TradeResult, error) {
	start := time.Now()

	calldata, err := composeCalldata(a.desc.Flavor, intent, a.routers)
	if err != nil {
		return types.TradeResult{}, fmt.Errorf("compose calldata: %w", err)
	}

	if a.dryRun {
		a.logger.Info("DRY-RUN: would invoke executor",
			"executor", a.desc.Address,
			"flavor", a.desc.Flavor,
			"flow", intent.Flow,
			"cheaper", intent.Cheaper,
			"amount_in", intent.AmountIn,
			"min_profit", intent.MinProfit,
			"calldata_len", len(calldata),
		)
		return types.TradeResult{Duration: time.Since(start)}, nil
	}

	if !a.rt.CanSign() {
		return types.TradeResult{}, &types.KindError{Kind: types.KindSignerUnavailable, Msg: "cannot execute without a signing key"}
	}

	nonce, err := a.rt.Client.PendingNonceAt(ctx, a.rt.Address())
	if err != nil {
		return types.TradeResult{}, types.WrapKind(types.KindRpcTransient, "read nonce", err)
	}

	var result types.TradeResult

	if intent.Prefund {
		prefundHash, sent, err := a.prefund(ctx, intent.AmountIn, nonce)
		if err != nil {
			return result, err
		}
		if sent {
			result.Prefund = &prefundHash
			nonce++
		}
	}

	msg := ethereum.CallMsg{From: a.rt.Address(), To: &a.desc.Address, Data: calldata}
	gasLimit, err := a.resolveGasLimit(ctx, msg)
	if err != nil {
		return result, err
	}

	hash, receipt, err := a.send(ctx, a.desc.Address, calldata, nonce, gasLimit)
	result.TxHash = hash
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		if a.revertedOnProfitGuard(ctx, msg, receipt.BlockNumber) {
			return result, &types.KindError{Kind: types.KindMinProfitNotMet, Msg: "executor reverted on the profit guard, tx " + hash.Hex()}
		}
		return result, &types.KindError{Kind: types.KindSendReverted, Msg: "executor call reverted, tx " + hash.Hex()}
	}

	result.GasUsed = receipt.GasUsed
	result.Block = receipt.BlockNumber.Uint64()
	a.logger.Info("executor call confirmed",
		"tx", hash, "block", result.Block, "gas_used", result.GasUsed)
	return result, nil
}

// prefund tops the executor up to the committed amount with a separate
// transfer, awaited before the main call. Returns sent=false when the
// executor already holds enough.
func (a *Adapter) prefund(ctx context.Context, amount *big.Int, nonce uint64) (common.Hash, bool, error) {
	current, err := a.rt.BalanceOf(ctx, a.baseCurrency, a.desc.Address)
	if err != nil {
		return common.Hash{}, false, types.WrapKind(types.KindPrefundFailed, "read executor balance", err)
	}

	shortfall := new(big.Int).Sub(amount, current)
	if shortfall.Sign() <= 0 {
		a.logger.Debug("prefund not needed", "executor_balance", current, "amount", amount)
		return common.Hash{}, false, nil
	}

	calldata, err := chain.TransferCalldata(a.desc.Address, shortfall)
	if err != nil {
		return common.Hash{}, false, types.WrapKind(types.KindPrefundFailed, "compose transfer", err)
	}

	a.logger.Info("prefunding executor", "shortfall", shortfall, "token", a.baseCurrency)
	hash, receipt, err := a.send(ctx, a.baseCurrency, calldata, nonce, defaultPrefundGas)
	if err != nil {
		return hash, false, types.WrapKind(types.KindPrefundFailed, "send prefund", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return hash, false, &types.KindError{Kind: types.KindPrefundFailed, Msg: "prefund transfer reverted, tx " + hash.Hex()}
	}
	return hash, true, nil
}

// Withdraw sweeps one token from the executor back to the owner wallet.
// This is a privileged operation distinct from trading and prefunding;
// the executor enforces the owner gate on-chain.
func (a *Adapter) Withdraw(ctx context.Context, token common.Address) (common.Hash, error) {
	calldata, err := executorABI.Pack("withdrawToken", token)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack withdrawToken: %w", err)
	}
	if a.dryRun {
		a.logger.Info("DRY-RUN: would withdraw", "token", token)
		return common.Hash{}, nil
	}
	nonce, err := a.rt.Client.PendingNonceAt(ctx, a.rt.Address())
	if err != nil {
		return common.Hash{}, types.WrapKind(types.KindRpcTransient, "read nonce", err)
	}

	hash, receipt, err := a.send(ctx, a.desc.Address, calldata, nonce, defaultPrefundGas)
	if err != nil {
		return hash, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return hash, &types.KindError{Kind: types.KindSendReverted, Msg: "withdraw reverted, tx " + hash.Hex()}
	}
	return hash, nil
}

// send signs and submits one transaction and waits for its receipt.
func (a *Adapter) send(ctx context.Context, to common.Address, calldata []byte, nonce, gasLimit uint64) (common.Hash, *ethtypes.Receipt, error) {
	f, err := a.resolveFees(ctx)
	if err != nil {
		return common.Hash{}, nil, err
	}

	var tx *ethtypes.Transaction
	if f.dynamic {
		tx = ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   a.rt.ChainID,
			Nonce:     nonce,
			GasTipCap: f.tip,
			GasFeeCap: f.cap,
			Gas:       gasLimit,
			To:        &to,
			Data:      calldata,
		})
	} else {
		tx = ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: f.gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     calldata,
		})
	}

	signed, err := a.rt.SignTx(tx)
	if err != nil {
		return common.Hash{}, nil, err
	}

	if err := a.rt.Client.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), nil, types.WrapKind(types.KindRpcTransient, "send transaction", err)
	}

	hash := signed.Hash()
	a.logger.Info("transaction sent", "tx", hash, "nonce", nonce, "gas_limit", gasLimit)

	receipt, err := a.waitReceipt(ctx, hash)
	if err != nil {
		return hash, nil, err
	}
	return hash, receipt, nil
}

// waitReceipt polls for the receipt within the configured window. The
// transaction is not cancellable once sent; a timeout only means the
// bot stops watching and the next tick reconciles via balances.
func (a *Adapter) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	deadline := time.NewTimer(a.receiptTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(receiptPollInterval)
	defer poll.Stop()

	for {
		receipt, err := a.rt.Client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.logger.Debug("receipt poll error", "tx", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapKind(types.KindTimedOut, "receipt wait cancelled for "+hash.Hex(), ctx.Err())
		case <-deadline.C:
			return nil, &types.KindError{
				Kind: types.KindTimedOut,
				Msg:  fmt.Sprintf("no receipt for %s within %s", hash.Hex(), a.receiptTimeout),
			}
		case <-poll.C:
		}
	}
}

// revertedOnProfitGuard replays the call at the failing block to see
// whether the revert came from the min-profit guard. Receipts carry no
// revert reason, so the replay is the only way to tell a skip from a
// real failure.
func (a *Adapter) revertedOnProfitGuard(ctx context.Context, msg ethereum.CallMsg, block *big.Int) bool {
	_, err := a.rt.Client.CallContract(ctx, msg, block)
	return isMinProfitRevert(err)
}
