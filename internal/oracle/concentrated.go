package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"futarchy-arb/pkg/types"
)

// Swapr v3 pools are Algebra forks: the current price lives in a single
// globalState word as a Q64.96 sqrt price. Only the first two return
// fields are decoded; trailing fields (fees, timepoint index, ...) vary
// between Algebra versions and are irrelevant for pricing. Tick data and
// reserves are never touched.
const algebraPoolJSON = `[
  {"name":"globalState","type":"function","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"price","type":"uint160"},{"name":"tick","type":"int24"}]},
  {"name":"token0","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token1","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var algebraPoolABI = mustABI(algebraPoolJSON)

// q192 = 2^192, the divisor that turns sqrtPriceX96^2 into a plain ratio.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// priceConcentrated derives the pool price from the global sqrt price:
//
//	price(token0 in token1) = (sqrtPriceX96 / 2^96)^2 * 10^(dec0-dec1)
//
// and inverts when the descriptor's base side is token1.
func (o *Oracle) priceConcentrated(ctx context.Context, desc types.PoolDescriptor) (types.PriceSample, error) {
	sqrtPrice, err := o.readGlobalState(ctx, desc.Address)
	if err != nil {
		return types.PriceSample{}, err
	}

	token0, err := o.readPoolToken(ctx, desc.Address, "token0")
	if err != nil {
		return types.PriceSample{}, err
	}
	token1, err := o.readPoolToken(ctx, desc.Address, "token1")
	if err != nil {
		return types.PriceSample{}, err
	}

	dec0, err := o.rt.Decimals(ctx, token0)
	if err != nil {
		return types.PriceSample{}, err
	}
	dec1, err := o.rt.Decimals(ctx, token1)
	if err != nil {
		return types.PriceSample{}, err
	}

	// Exact integer ratio first, decimal scaling last.
	num := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	price := decimal.NewFromBigInt(num, 0).
		Div(decimal.NewFromBigInt(q192, 0)).
		Shift(int32(dec0) - int32(dec1))

	sample := types.PriceSample{Price: price, BaseToken: token0, QuoteToken: token1}
	if desc.BaseTokenIndex == 1 {
		if price.IsZero() {
			return types.PriceSample{}, &types.KindError{
				Kind: types.KindPoolDecode,
				Msg:  fmt.Sprintf("pool %s has zero sqrt price, cannot invert", desc.ID),
			}
		}
		sample.Price = decimal.NewFromInt(1).Div(price)
		sample.BaseToken, sample.QuoteToken = token1, token0
	}
	return sample, nil
}

func (o *Oracle) readGlobalState(ctx context.Context, pool common.Address) (*big.Int, error) {
	data, err := algebraPoolABI.Pack("globalState")
	if err != nil {
		return nil, fmt.Errorf("pack globalState: %w", err)
	}
	out, err := o.rt.Call(ctx, pool, data)
	if err != nil {
		return nil, err
	}
	vals, err := algebraPoolABI.Unpack("globalState", out)
	if err != nil {
		return nil, types.WrapKind(types.KindPoolDecode, "decode globalState on "+pool.Hex(), err)
	}
	sqrtPrice, ok := vals[0].(*big.Int)
	if !ok || sqrtPrice.Sign() <= 0 {
		return nil, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  "globalState returned invalid sqrt price on " + pool.Hex(),
		}
	}
	return sqrtPrice, nil
}

func (o *Oracle) readPoolToken(ctx context.Context, pool common.Address, method string) (common.Address, error) {
	data, err := algebraPoolABI.Pack(method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := o.rt.Call(ctx, pool, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := algebraPoolABI.Unpack(method, out)
	if err != nil {
		return common.Address{}, types.WrapKind(types.KindPoolDecode, "decode "+method+" on "+pool.Hex(), err)
	}
	return vals[0].(common.Address), nil
}
