package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"futarchy-arb/pkg/types"
)

// The weighted spot venue is priced through its vault: registered token
// list plus live balances. The pool itself is only consulted to resolve
// its vault and pool id when the config does not pin them.
const balancerVaultJSON = `[
  {"name":"getPoolTokens","type":"function","stateMutability":"view",
   "inputs":[{"name":"poolId","type":"bytes32"}],
   "outputs":[{"name":"tokens","type":"address[]"},
              {"name":"balances","type":"uint256[]"},
              {"name":"lastChangeBlock","type":"uint256"}]}
]`

const balancerPoolJSON = `[
  {"name":"getPoolId","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"name":"getVault","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var (
	balancerVaultABI = mustABI(balancerVaultJSON)
	balancerPoolABI  = mustABI(balancerPoolJSON)
)

// priceWeighted prices the base side of a two-token weighted pool in
// units of the other side:
//
//	price(base in quote) = (balance_quote / 10^dec_quote) / (balance_base / 10^dec_base)
//
// The pool is treated as equal-weighted; the bot does not model unequal
// weight vectors.
func (o *Oracle) priceWeighted(ctx context.Context, desc types.PoolDescriptor) (types.PriceSample, error) {
	vault, poolID, err := o.resolveVault(ctx, desc)
	if err != nil {
		return types.PriceSample{}, err
	}

	tokens, balances, err := o.readPoolTokens(ctx, vault, poolID)
	if err != nil {
		return types.PriceSample{}, err
	}
	if len(tokens) != 2 || len(balances) != 2 {
		return types.PriceSample{}, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  fmt.Sprintf("pool %s registers %d tokens, want 2", desc.ID, len(tokens)),
		}
	}

	base := desc.BaseTokenIndex
	if base != 0 && base != 1 {
		return types.PriceSample{}, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  fmt.Sprintf("pool %s has base_token_index %d, want 0 or 1", desc.ID, base),
		}
	}
	quote := 1 - base

	if balances[base].Sign() == 0 {
		return types.PriceSample{}, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  fmt.Sprintf("pool %s has zero base-side balance", desc.ID),
		}
	}

	decBase, err := o.rt.Decimals(ctx, tokens[base])
	if err != nil {
		return types.PriceSample{}, err
	}
	decQuote, err := o.rt.Decimals(ctx, tokens[quote])
	if err != nil {
		return types.PriceSample{}, err
	}

	normBase := decimal.NewFromBigInt(balances[base], -int32(decBase))
	normQuote := decimal.NewFromBigInt(balances[quote], -int32(decQuote))

	return types.PriceSample{
		Price:      normQuote.Div(normBase),
		BaseToken:  tokens[base],
		QuoteToken: tokens[quote],
	}, nil
}

// resolveVault returns the vault address and pool id for a weighted
// pool, reading them from the pool contract when the descriptor leaves
// them unset.
func (o *Oracle) resolveVault(ctx context.Context, desc types.PoolDescriptor) (common.Address, common.Hash, error) {
	vault, poolID := desc.Vault, desc.BalancerPoolID

	if poolID == (common.Hash{}) {
		data, err := balancerPoolABI.Pack("getPoolId")
		if err != nil {
			return common.Address{}, common.Hash{}, fmt.Errorf("pack getPoolId: %w", err)
		}
		out, err := o.rt.Call(ctx, desc.Address, data)
		if err != nil {
			return common.Address{}, common.Hash{}, err
		}
		vals, err := balancerPoolABI.Unpack("getPoolId", out)
		if err != nil {
			return common.Address{}, common.Hash{}, types.WrapKind(types.KindPoolDecode, "decode getPoolId on "+desc.Address.Hex(), err)
		}
		poolID = common.Hash(vals[0].([32]byte))
	}

	if vault == (common.Address{}) {
		data, err := balancerPoolABI.Pack("getVault")
		if err != nil {
			return common.Address{}, common.Hash{}, fmt.Errorf("pack getVault: %w", err)
		}
		out, err := o.rt.Call(ctx, desc.Address, data)
		if err != nil {
			return common.Address{}, common.Hash{}, err
		}
		vals, err := balancerPoolABI.Unpack("getVault", out)
		if err != nil {
			return common.Address{}, common.Hash{}, types.WrapKind(types.KindPoolDecode, "decode getVault on "+desc.Address.Hex(), err)
		}
		vault = vals[0].(common.Address)
	}

	return vault, poolID, nil
}

func (o *Oracle) readPoolTokens(ctx context.Context, vault common.Address, poolID common.Hash) ([]common.Address, []*big.Int, error) {
	data, err := balancerVaultABI.Pack("getPoolTokens", [32]byte(poolID))
	if err != nil {
		return nil, nil, fmt.Errorf("pack getPoolTokens: %w", err)
	}
	out, err := o.rt.Call(ctx, vault, data)
	if err != nil {
		return nil, nil, err
	}
	vals, err := balancerVaultABI.Unpack("getPoolTokens", out)
	if err != nil {
		return nil, nil, types.WrapKind(types.KindPoolDecode, "decode getPoolTokens on "+vault.Hex(), err)
	}
	tokens, ok := vals[0].([]common.Address)
	if !ok {
		return nil, nil, &types.KindError{Kind: types.KindPoolDecode, Msg: "getPoolTokens returned malformed token list"}
	}
	balances, ok := vals[1].([]*big.Int)
	if !ok {
		return nil, nil, &types.KindError{Kind: types.KindPoolDecode, Msg: "getPoolTokens returned malformed balances"}
	}
	return tokens, balances, nil
}
