// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: proposals, pool
// descriptors, price samples, opportunity verdicts, trade intents, and
// balance snapshots. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func init() {
	// Pool prices are ratios of 256-bit integers; the default division
	// precision of 16 digits leaves too little headroom once the implied
	// price multiplies three quotes together. 24 digits keeps the
	// relative representation error well under 1e-12.
	if decimal.DivisionPrecision < 24 {
		decimal.DivisionPrecision = 24
	}
}

// Flow represents the direction of an arbitrage trade.
//
// BUY flow buys conditional tokens cheaply and sells the merged composite
// on the spot venue; SELL flow is the reverse.
type Flow string

const (
	FlowBuy  Flow = "BUY"
	FlowSell Flow = "SELL"
)

// Leg identifies which conditional side (YES or NO) is the cheaper one.
type Leg string

const (
	LegYes Leg = "YES"
	LegNo  Leg = "NO"
)

// Verdict is the detector's decision for one tick.
// A zero Verdict means no opportunity.
type Verdict struct {
	Flow    Flow // empty when no opportunity
	Cheaper Leg

	// Diagnostics carried along for reporting.
	Spot      decimal.Decimal
	Implied   decimal.Decimal
	Deviation decimal.Decimal
}

// None reports whether the verdict carries no opportunity.
func (v Verdict) None() bool { return v.Flow == "" }

func (v Verdict) String() string {
	if v.None() {
		return "none"
	}
	return string(v.Flow) + "/" + string(v.Cheaper)
}

// ExecutorFlavor selects the ABI method family of the deployed executor
// contract.
type ExecutorFlavor string

const (
	FlavorFutarchyV5   ExecutorFlavor = "futarchy_v5"
	FlavorPredictionV1 ExecutorFlavor = "prediction_v1"
	FlavorPNK          ExecutorFlavor = "pnk_variant"
)

// PoolFamily distinguishes the two pool designs the oracle can read.
type PoolFamily string

const (
	PoolConcentrated PoolFamily = "concentrated" // Algebra/UniV3-style, sqrtPriceX96
	PoolWeighted     PoolFamily = "weighted"     // Balancer-style, vault balances
)

// PoolID names one of the five pools of a proposal.
type PoolID string

const (
	PoolSwaprYes     PoolID = "swapr_yes"      // YES-company / YES-currency
	PoolSwaprNo      PoolID = "swapr_no"       // NO-company / NO-currency
	PoolSwaprPredYes PoolID = "swapr_pred_yes" // YES-currency / base currency
	PoolSwaprPredNo  PoolID = "swapr_pred_no"  // NO-currency / base currency
	PoolWeightedSpot PoolID = "weighted_spot"  // company / currency spot venue
)

// AllPoolIDs lists every pool of a proposal in a stable order.
var AllPoolIDs = []PoolID{PoolSwaprYes, PoolSwaprNo, PoolSwaprPredYes, PoolSwaprPredNo, PoolWeightedSpot}

// PoolDescriptor describes one pool well enough to price it.
// BaseTokenIndex says which side (0 or 1) is quoted as the base, i.e.
// the returned price is "quote units per 1 base unit".
type PoolDescriptor struct {
	ID             PoolID
	Address        common.Address
	Family         PoolFamily
	BaseTokenIndex int

	// Weighted pools are priced through their vault; concentrated pools
	// leave these zero.
	Vault          common.Address
	BalancerPoolID common.Hash
}

// TokenLabel names one of the six tokens of a proposal.
type TokenLabel string

const (
	TokenBaseCurrency TokenLabel = "base_currency"
	TokenBaseCompany  TokenLabel = "base_company"
	TokenYesCurrency  TokenLabel = "yes_currency"
	TokenNoCurrency   TokenLabel = "no_currency"
	TokenYesCompany   TokenLabel = "yes_company"
	TokenNoCompany    TokenLabel = "no_company"
)

// AllTokenLabels lists the six proposal tokens in a stable order.
var AllTokenLabels = []TokenLabel{
	TokenBaseCurrency, TokenBaseCompany,
	TokenYesCurrency, TokenNoCurrency,
	TokenYesCompany, TokenNoCompany,
}

// Proposal is the immutable record of one futarchy proposal: the six
// token addresses and the five pools that trade them.
type Proposal struct {
	ProposalID string

	BaseCurrency common.Address
	BaseCompany  common.Address
	YesCurrency  common.Address
	NoCurrency   common.Address
	YesCompany   common.Address
	NoCompany    common.Address

	Pools map[PoolID]PoolDescriptor
}

// Token returns the address for a token label.
func (p *Proposal) Token(label TokenLabel) common.Address {
	switch label {
	case TokenBaseCurrency:
		return p.BaseCurrency
	case TokenBaseCompany:
		return p.BaseCompany
	case TokenYesCurrency:
		return p.YesCurrency
	case TokenNoCurrency:
		return p.NoCurrency
	case TokenYesCompany:
		return p.YesCompany
	case TokenNoCompany:
		return p.NoCompany
	}
	return common.Address{}
}

// Validate checks the proposal invariants: six pairwise-distinct token
// addresses and five pairwise-distinct pool addresses, all present.
func (p *Proposal) Validate() error {
	tokens := map[common.Address]TokenLabel{}
	for _, label := range AllTokenLabels {
		addr := p.Token(label)
		if addr == (common.Address{}) {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal token " + string(label) + " is unset"}
		}
		if prev, dup := tokens[addr]; dup {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal tokens " + string(prev) + " and " + string(label) + " share address " + addr.Hex()}
		}
		tokens[addr] = label
	}

	pools := map[common.Address]PoolID{}
	for _, id := range AllPoolIDs {
		desc, ok := p.Pools[id]
		if !ok || desc.Address == (common.Address{}) {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal pool " + string(id) + " is unset"}
		}
		if prev, dup := pools[desc.Address]; dup {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal pools " + string(prev) + " and " + string(id) + " share address " + desc.Address.Hex()}
		}
		pools[desc.Address] = id
	}
	return nil
}

// ValidatePrediction checks the reduced invariants a prediction-only
// run needs: the currency tokens and the two prediction pools. The
// company side may be entirely unset.
func (p *Proposal) ValidatePrediction() error {
	currency := []TokenLabel{TokenBaseCurrency, TokenYesCurrency, TokenNoCurrency}
	tokens := map[common.Address]TokenLabel{}
	for _, label := range currency {
		addr := p.Token(label)
		if addr == (common.Address{}) {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal token " + string(label) + " is unset"}
		}
		if prev, dup := tokens[addr]; dup {
			return &KindError{Kind: KindConfigIncomplete, Msg: "proposal tokens " + string(prev) + " and " + string(label) + " share address " + addr.Hex()}
		}
		tokens[addr] = label
	}
	yes, okYes := p.Pools[PoolSwaprPredYes]
	no, okNo := p.Pools[PoolSwaprPredNo]
	if !okYes || yes.Address == (common.Address{}) || !okNo || no.Address == (common.Address{}) {
		return &KindError{Kind: KindConfigIncomplete, Msg: "prediction pools are unset"}
	}
	if yes.Address == no.Address {
		return &KindError{Kind: KindConfigIncomplete, Msg: "prediction pools share address " + yes.Address.Hex()}
	}
	return nil
}

// ExecutorDescriptor identifies the deployed executor contract.
// OwnerWallet is the EOA authorised for privileged methods (withdraw);
// it differs from the runtime signer only when key custody is external.
type ExecutorDescriptor struct {
	Address     common.Address
	Flavor      ExecutorFlavor
	OwnerWallet common.Address
}

// PriceSample is one pool quote at one block. Produced once per tick per
// pool and discarded after the tick.
type PriceSample struct {
	Pool       PoolID
	Price      decimal.Decimal
	BaseToken  common.Address
	QuoteToken common.Address
	Block      uint64
	ObservedAt time.Time
}

// PriceSet is the joined result of one tick's fan-out: the four
// detector inputs plus the raw samples for reporting.
type PriceSet struct {
	Yes     decimal.Decimal // price(swapr_yes): YES-company in YES-currency
	No      decimal.Decimal // price(swapr_no)
	PredYes decimal.Decimal // price(swapr_pred_yes): YES-currency in base currency
	PredNo  decimal.Decimal // price(swapr_pred_no)
	Spot    decimal.Decimal // spot venue, or the external feed when configured

	Samples map[PoolID]PriceSample
}

// Holder identifies whose balances a snapshot covers.
type Holder string

const (
	HolderWallet   Holder = "wallet"
	HolderExecutor Holder = "executor"
)

// TradeIntent is the adapter's input: everything needed to compose one
// executor invocation.
type TradeIntent struct {
	Flow    Flow // empty for the prediction flavour unless forced
	Cheaper Leg

	// AmountIn is the base currency to commit, in base units.
	AmountIn *big.Int
	// MinProfit is the minimum acceptable final profit in base units;
	// negative values are allowed and passed through verbatim.
	MinProfit *big.Int

	Prefund bool
}

// TradeResult is the adapter's output for one executed intent.
type TradeResult struct {
	TxHash   common.Hash
	GasUsed  uint64
	Block    uint64
	Prefund  *common.Hash // hash of the prefund transfer, if one was sent
	Duration time.Duration
}
