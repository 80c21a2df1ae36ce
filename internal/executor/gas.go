package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"

	"futarchy-arb/pkg/types"
)

// Per-flavour gas limit fallbacks, used when estimation is unavailable
// or bypassed.
const (
	defaultPrefundGas  = 150_000
	defaultCombinedGas = 1_500_000
)

// GasPolicy captures the fee and limit rules from the network config.
type GasPolicy struct {
	// PriorityFeeWei is the EIP-1559 tip. Defaults to 1 wei: on chains
	// with empty blocks the base fee alone clears, and on busy chains
	// the operator raises it explicitly.
	PriorityFeeWei int64
	// MaxFeeMultiplier scales the current base fee into the fee cap.
	MaxFeeMultiplier float64
	// BumpWei is added to the suggested gas price on pre-1559 chains.
	BumpWei int64
	// LimitOverride, when nonzero, bypasses estimation for the combined
	// call.
	LimitOverride uint64
	// ForceSend falls back to the default limit when estimation reverts
	// instead of aborting the tick.
	ForceSend bool
}

// fees resolves the fee fields for one transaction. If the chain
// advertises a base fee the transaction is EIP-1559 (tip and cap),
// otherwise legacy (gas price plus bump).
type fees struct {
	dynamic  bool
	tip      *big.Int // EIP-1559 maxPriorityFeePerGas
	cap      *big.Int // EIP-1559 maxFeePerGas
	gasPrice *big.Int // legacy
}

func (a *Adapter) resolveFees(ctx context.Context) (fees, error) {
	head, err := a.rt.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fees{}, types.WrapKind(types.KindRpcTransient, "read chain head", err)
	}

	if head.BaseFee != nil {
		tip := big.NewInt(a.gas.PriorityFeeWei)
		mult := a.gas.MaxFeeMultiplier
		if mult <= 0 {
			mult = 2
		}
		// cap = baseFee * MULT + tip, computed in integer wei.
		capWei := new(big.Int).Mul(head.BaseFee, big.NewInt(int64(mult*1000)))
		capWei.Quo(capWei, big.NewInt(1000))
		capWei.Add(capWei, tip)
		return fees{dynamic: true, tip: tip, cap: capWei}, nil
	}

	price, err := a.rt.Client.SuggestGasPrice(ctx)
	if err != nil {
		return fees{}, types.WrapKind(types.KindRpcTransient, "suggest gas price", err)
	}
	price = new(big.Int).Add(price, big.NewInt(a.gas.BumpWei))
	return fees{gasPrice: price}, nil
}

// resolveGasLimit picks the gas limit for the combined call: explicit
// override first, then estimation with 20% headroom, then the
// per-flavour default when estimation reverts and --force-send allows
// sending blind.
func (a *Adapter) resolveGasLimit(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if a.gas.LimitOverride > 0 {
		return a.gas.LimitOverride, nil
	}

	estimate, err := a.rt.Client.EstimateGas(ctx, msg)
	if err != nil {
		if isMinProfitRevert(err) {
			return 0, types.WrapKind(types.KindMinProfitNotMet, "estimation hit the profit guard", err)
		}
		if a.gas.ForceSend {
			a.logger.Warn("gas estimation failed, sending with default limit",
				"error", err, "limit", defaultCombinedGas)
			return defaultCombinedGas, nil
		}
		return 0, types.WrapKind(types.KindSimulationFailed, "estimate gas", err)
	}
	return estimate + estimate/5, nil
}

// minProfitMarkers are the revert strings the executor contracts emit
// from their profit guard. Matching is case-insensitive substring; the
// exact casing differs between flavours.
var minProfitMarkers = []string{"min profit not met", "minprofit"}

func isMinProfitRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range minProfitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
