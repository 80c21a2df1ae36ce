package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"futarchy-arb/pkg/types"
)

// The executor contracts perform every leg of an arbitrage atomically
// under one call; the adapter only composes calldata and reads the
// receipt status. Four method families:
//
//	executeBuy / executeSell  - futarchy_v5: split, paired swaps, merge,
//	                            spot leg via the supplied routers
//	executeSellPnk            - pnk_variant: SELL flow whose spot step is
//	                            a hard-coded batch-swap multi-hop; only
//	                            amount and min profit are supplied
//	executeArb                - prediction_v1: flow derived on-chain, or
//	                            forced via the flow parameter
//	withdrawToken             - owner-gated sweep, distinct from trading
const executorJSON = `[
  {"name":"executeBuy","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},
             {"name":"useYes","type":"bool"},
             {"name":"minProfit","type":"int256"},
             {"name":"swaprRouter","type":"address"},
             {"name":"futarchyRouter","type":"address"},
             {"name":"balancerRouter","type":"address"}],
   "outputs":[]},
  {"name":"executeSell","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},
             {"name":"useYes","type":"bool"},
             {"name":"minProfit","type":"int256"},
             {"name":"swaprRouter","type":"address"},
             {"name":"futarchyRouter","type":"address"},
             {"name":"balancerRouter","type":"address"}],
   "outputs":[]},
  {"name":"executeSellPnk","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},
             {"name":"minProfit","type":"int256"}],
   "outputs":[]},
  {"name":"executeArb","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},
             {"name":"minProfit","type":"int256"},
             {"name":"forceFlow","type":"uint8"}],
   "outputs":[]},
  {"name":"withdrawToken","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[]}
]`

var executorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executorJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// forceFlow encoding for executeArb.
const flowAuto uint8 = 0

func flowParam(flow types.Flow) uint8 {
	switch flow {
	case types.FlowBuy:
		return 1
	case types.FlowSell:
		return 2
	default:
		return flowAuto
	}
}

// Routers carries the router addresses a futarchy_v5 call needs.
type Routers struct {
	Swapr    common.Address
	Futarchy common.Address
	Balancer common.Address
}

// composeCalldata packs the flavour-specific executor method for an
// intent.
func composeCalldata(flavor types.ExecutorFlavor, intent types.TradeIntent, routers Routers) ([]byte, error) {
	minProfit := intent.MinProfit
	if minProfit == nil {
		minProfit = new(big.Int)
	}

	switch flavor {
	case types.FlavorFutarchyV5:
		method := "executeSell"
		if intent.Flow == types.FlowBuy {
			method = "executeBuy"
		}
		return executorABI.Pack(method,
			intent.AmountIn,
			intent.Cheaper == types.LegYes,
			minProfit,
			routers.Swapr,
			routers.Futarchy,
			routers.Balancer,
		)
	case types.FlavorPNK:
		return executorABI.Pack("executeSellPnk", intent.AmountIn, minProfit)
	case types.FlavorPredictionV1:
		return executorABI.Pack("executeArb", intent.AmountIn, minProfit, flowParam(intent.Flow))
	}
	return nil, fmt.Errorf("unknown executor flavor %q", flavor)
}
