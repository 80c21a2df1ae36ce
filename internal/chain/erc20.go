package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"futarchy-arb/pkg/types"
)

// Hand-rolled minimal ERC20 surface. The bot only ever reads balances
// and decimals and composes transfer calldata for the prefund step, so
// a generated binding would be overkill.
const erc20JSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = mustABI(erc20JSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// BalanceOf reads an ERC20 balance at the latest block.
func (r *Runtime) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := r.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, types.WrapKind(types.KindPoolDecode, "decode balanceOf on "+token.Hex(), err)
	}
	return vals[0].(*big.Int), nil
}

// Decimals reads a token's decimals. Results are cached for the life of
// the runtime; decimals never change on a deployed token.
func (r *Runtime) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := r.decimalsCache.Load(token); ok {
		return d.(uint8), nil
	}
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := r.Call(ctx, token, data)
	if err != nil {
		return 0, err
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, types.WrapKind(types.KindPoolDecode, "decode decimals on "+token.Hex(), err)
	}
	d := vals[0].(uint8)
	r.decimalsCache.Store(token, d)
	return d, nil
}

// TransferCalldata packs an ERC20 transfer for the prefund transaction.
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}
