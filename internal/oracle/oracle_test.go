package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"futarchy-arb/internal/chain"
	"futarchy-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// q96 is the Q64.96 fixed-point one.
var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// fakeBackend answers eth_call by contract address and method selector.
type fakeBackend struct {
	block     uint64
	responses map[common.Address]map[[4]byte][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{block: 42, responses: map[common.Address]map[[4]byte][]byte{}}
}

func (f *fakeBackend) on(to common.Address, selector []byte, response []byte) {
	if f.responses[to] == nil {
		f.responses[to] = map[[4]byte][]byte{}
	}
	f.responses[to][[4]byte(selector)] = response
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("malformed call")
	}
	byMethod, ok := f.responses[*msg.To]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", msg.To.Hex())
	}
	resp, ok := byMethod[[4]byte(msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("unexpected selector %x on %s", msg.Data[:4], msg.To.Hex())
	}
	return resp, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.block, nil }
func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: new(big.Int).SetUint64(f.block)}, nil
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

// decimals() selector from the canonical ERC20 ABI.
var decimalsSelector = []byte{0x31, 0x3c, 0xe5, 0x67}

func registerToken(f *fakeBackend, token common.Address, decimals uint8) {
	f.on(token, decimalsSelector, common.LeftPadBytes([]byte{decimals}, 32))
}

func registerConcentrated(t *testing.T, f *fakeBackend, pool, token0, token1 common.Address, sqrtPrice *big.Int) {
	t.Helper()
	state, err := algebraPoolABI.Methods["globalState"].Outputs.Pack(sqrtPrice, big.NewInt(0))
	if err != nil {
		t.Fatalf("pack globalState outputs: %v", err)
	}
	f.on(pool, algebraPoolABI.Methods["globalState"].ID, state)
	f.on(pool, algebraPoolABI.Methods["token0"].ID, common.LeftPadBytes(token0.Bytes(), 32))
	f.on(pool, algebraPoolABI.Methods["token1"].ID, common.LeftPadBytes(token1.Bytes(), 32))
}

func registerWeighted(t *testing.T, f *fakeBackend, vault common.Address, tokens []common.Address, balances []*big.Int) {
	t.Helper()
	out, err := balancerVaultABI.Methods["getPoolTokens"].Outputs.Pack(tokens, balances, big.NewInt(41))
	if err != nil {
		t.Fatalf("pack getPoolTokens outputs: %v", err)
	}
	f.on(vault, balancerVaultABI.Methods["getPoolTokens"].ID, out)
}

func testOracle(f *fakeBackend, proposal *types.Proposal) *Oracle {
	rt := &chain.Runtime{Client: f, ChainID: big.NewInt(100), Logger: testLogger()}
	return New(rt, proposal, testLogger())
}

func addr(b byte) common.Address { return common.BytesToAddress([]byte{b}) }

func TestPriceConcentratedUnit(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	pool, token0, token1 := addr(0x10), addr(0x01), addr(0x02)
	registerToken(f, token0, 18)
	registerToken(f, token1, 18)
	// sqrtPriceX96 = 2^96 means exactly one token1 per token0.
	registerConcentrated(t, f, pool, token0, token1, new(big.Int).Set(q96))

	o := testOracle(f, &types.Proposal{})
	sample, err := o.Price(context.Background(), types.PoolDescriptor{
		ID: types.PoolSwaprYes, Address: pool, Family: types.PoolConcentrated,
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !sample.Price.Equal(decimal.NewFromInt(1)) {
		t.Errorf("price = %s, want 1", sample.Price)
	}
	if sample.BaseToken != token0 || sample.QuoteToken != token1 {
		t.Error("base/quote assignment wrong for index 0")
	}
}

func TestPriceConcentratedInverted(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	pool, token0, token1 := addr(0x10), addr(0x01), addr(0x02)
	registerToken(f, token0, 18)
	registerToken(f, token1, 18)
	// sqrtPriceX96 = 2*2^96 means 4 token1 per token0, so 0.25 the other way.
	registerConcentrated(t, f, pool, token0, token1, new(big.Int).Lsh(big.NewInt(2), 96))

	o := testOracle(f, &types.Proposal{})
	sample, err := o.Price(context.Background(), types.PoolDescriptor{
		ID: types.PoolSwaprYes, Address: pool, Family: types.PoolConcentrated, BaseTokenIndex: 1,
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !sample.Price.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("price = %s, want 0.25", sample.Price)
	}
	if sample.BaseToken != token1 || sample.QuoteToken != token0 {
		t.Error("base/quote assignment wrong for index 1")
	}
}

func TestPriceConcentratedDecimalScaling(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	pool, token0, token1 := addr(0x10), addr(0x01), addr(0x02)
	registerToken(f, token0, 18)
	registerToken(f, token1, 6)
	registerConcentrated(t, f, pool, token0, token1, new(big.Int).Set(q96))

	o := testOracle(f, &types.Proposal{})
	sample, err := o.Price(context.Background(), types.PoolDescriptor{
		ID: types.PoolSwaprYes, Address: pool, Family: types.PoolConcentrated,
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// Raw ratio 1, shifted by 10^(18-6).
	if !sample.Price.Equal(decimal.New(1, 12)) {
		t.Errorf("price = %s, want 1e12", sample.Price)
	}
}

func TestPriceWeighted(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	vault := addr(0x20)
	company, currency := addr(0x03), addr(0x04)
	registerToken(f, company, 18)
	registerToken(f, currency, 18)
	// 100 company vs 12500 currency: 125 currency per company.
	registerWeighted(t, f, vault,
		[]common.Address{company, currency},
		[]*big.Int{
			new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
			new(big.Int).Mul(big.NewInt(12500), big.NewInt(1e18)),
		})

	o := testOracle(f, &types.Proposal{})
	sample, err := o.Price(context.Background(), types.PoolDescriptor{
		ID:             types.PoolWeightedSpot,
		Address:        addr(0x21),
		Family:         types.PoolWeighted,
		BaseTokenIndex: 0,
		Vault:          vault,
		BalancerPoolID: common.HexToHash("0xbeef"),
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !sample.Price.Equal(decimal.NewFromInt(125)) {
		t.Errorf("price = %s, want 125", sample.Price)
	}
}

func TestPriceWeightedZeroBalance(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	vault := addr(0x20)
	registerWeighted(t, f, vault,
		[]common.Address{addr(0x03), addr(0x04)},
		[]*big.Int{big.NewInt(0), big.NewInt(1e18)})

	o := testOracle(f, &types.Proposal{})
	_, err := o.Price(context.Background(), types.PoolDescriptor{
		ID:             types.PoolWeightedSpot,
		Address:        addr(0x21),
		Family:         types.PoolWeighted,
		Vault:          vault,
		BalancerPoolID: common.HexToHash("0xbeef"),
	})
	if types.KindOf(err) != types.KindPoolDecode {
		t.Errorf("zero base balance: kind = %q, want PoolDecodeError", types.KindOf(err))
	}
}

func TestCheckPredSum(t *testing.T) {
	t.Parallel()

	ok := [][2]string{
		{"0.6", "0.4"},
		{"0.61", "0.4"}, // drift 0.01, inside epsilon
		{"0.5", "0.52"},
	}
	for _, c := range ok {
		if err := checkPredSum(decimal.RequireFromString(c[0]), decimal.RequireFromString(c[1])); err != nil {
			t.Errorf("checkPredSum(%s, %s) = %v, want nil", c[0], c[1], err)
		}
	}

	bad := [][2]string{
		{"0.6", "0.5"}, // drift 0.1
		{"0.9", "0.3"},
		{"0.1", "0.1"},
	}
	for _, c := range bad {
		err := checkPredSum(decimal.RequireFromString(c[0]), decimal.RequireFromString(c[1]))
		if types.KindOf(err) != types.KindPoolDecode {
			t.Errorf("checkPredSum(%s, %s): kind = %q, want PoolDecodeError", c[0], c[1], types.KindOf(err))
		}
	}
}

// fullProposal wires five fake pools priced so that implied and spot are
// known: yes=0.5, no=0.25, pred_yes=0.5, pred_no=0.5, spot=125.
func fullProposal(t *testing.T, f *fakeBackend) *types.Proposal {
	t.Helper()

	tokens := map[types.TokenLabel]common.Address{
		types.TokenBaseCurrency: addr(0x01),
		types.TokenBaseCompany:  addr(0x02),
		types.TokenYesCurrency:  addr(0x03),
		types.TokenNoCurrency:   addr(0x04),
		types.TokenYesCompany:   addr(0x05),
		types.TokenNoCompany:    addr(0x06),
	}
	for _, token := range tokens {
		registerToken(f, token, 18)
	}

	half := new(big.Int).Rsh(q96, 1)     // sqrt ratio 0.5 -> price 0.25
	sqrtHalf := sqrtQ96(t, "0.5")        // price 0.5
	pools := map[types.PoolID]common.Address{
		types.PoolSwaprYes:     addr(0x11),
		types.PoolSwaprNo:      addr(0x12),
		types.PoolSwaprPredYes: addr(0x13),
		types.PoolSwaprPredNo:  addr(0x14),
		types.PoolWeightedSpot: addr(0x15),
	}
	registerConcentrated(t, f, pools[types.PoolSwaprYes], tokens[types.TokenYesCompany], tokens[types.TokenYesCurrency], sqrtHalf)
	registerConcentrated(t, f, pools[types.PoolSwaprNo], tokens[types.TokenNoCompany], tokens[types.TokenNoCurrency], half)
	registerConcentrated(t, f, pools[types.PoolSwaprPredYes], tokens[types.TokenYesCurrency], tokens[types.TokenBaseCurrency], sqrtHalf)
	registerConcentrated(t, f, pools[types.PoolSwaprPredNo], tokens[types.TokenNoCurrency], tokens[types.TokenBaseCurrency], sqrtHalf)

	vault := addr(0x30)
	registerWeighted(t, f, vault,
		[]common.Address{tokens[types.TokenBaseCompany], tokens[types.TokenBaseCurrency]},
		[]*big.Int{
			new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
			new(big.Int).Mul(big.NewInt(12500), big.NewInt(1e18)),
		})

	p := &types.Proposal{
		ProposalID:   "prop-test",
		BaseCurrency: tokens[types.TokenBaseCurrency],
		BaseCompany:  tokens[types.TokenBaseCompany],
		YesCurrency:  tokens[types.TokenYesCurrency],
		NoCurrency:   tokens[types.TokenNoCurrency],
		YesCompany:   tokens[types.TokenYesCompany],
		NoCompany:    tokens[types.TokenNoCompany],
		Pools:        map[types.PoolID]types.PoolDescriptor{},
	}
	for id, address := range pools {
		family := types.PoolConcentrated
		desc := types.PoolDescriptor{ID: id, Address: address, Family: family}
		if id == types.PoolWeightedSpot {
			desc.Family = types.PoolWeighted
			desc.Vault = vault
			desc.BalancerPoolID = common.HexToHash("0xbeef")
		}
		p.Pools[id] = desc
	}
	return p
}

// sqrtQ96 returns floor(sqrt(price) * 2^96) for a decimal price literal.
func sqrtQ96(t *testing.T, price string) *big.Int {
	t.Helper()
	p := decimal.RequireFromString(price)
	// price * 2^192, then integer square root.
	scaled := p.Mul(decimal.NewFromBigInt(q192, 0)).BigInt()
	return new(big.Int).Sqrt(scaled)
}

func TestFetchAllJoinsFivePools(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	proposal := fullProposal(t, f)
	o := testOracle(f, proposal)

	set, err := o.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}

	approx := func(got decimal.Decimal, want string) bool {
		return got.Sub(decimal.RequireFromString(want)).Abs().LessThan(decimal.New(1, -9))
	}
	if !approx(set.Yes, "0.5") {
		t.Errorf("yes = %s, want ~0.5", set.Yes)
	}
	if !approx(set.No, "0.25") {
		t.Errorf("no = %s, want ~0.25", set.No)
	}
	if !approx(set.PredYes, "0.5") {
		t.Errorf("pred_yes = %s, want ~0.5", set.PredYes)
	}
	if !set.Spot.Equal(decimal.NewFromInt(125)) {
		t.Errorf("spot = %s, want 125", set.Spot)
	}
	if len(set.Samples) != 5 {
		t.Fatalf("joined %d samples, want 5", len(set.Samples))
	}
	for id, sample := range set.Samples {
		if sample.Block != 42 {
			t.Errorf("sample %s stamped block %d, want 42", id, sample.Block)
		}
	}
}

func TestFetchAllAbortsOnSingleFailure(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	proposal := fullProposal(t, f)
	// Kill one pool: no responses registered for its address.
	desc := proposal.Pools[types.PoolSwaprNo]
	desc.Address = addr(0x7F)
	proposal.Pools[types.PoolSwaprNo] = desc

	o := testOracle(f, proposal)
	if _, err := o.FetchAll(context.Background()); err == nil {
		t.Fatal("a partial price set must abort the fetch")
	}
}

func TestFetchPredictionOnlyTouchesPredPools(t *testing.T) {
	t.Parallel()

	f := newFakeBackend()
	proposal := fullProposal(t, f)
	// Vandalise every non-prediction pool; FetchPrediction must not care.
	for _, id := range []types.PoolID{types.PoolSwaprYes, types.PoolSwaprNo, types.PoolWeightedSpot} {
		desc := proposal.Pools[id]
		desc.Address = addr(0x70 + byte(len(desc.ID)))
		proposal.Pools[id] = desc
	}

	o := testOracle(f, proposal)
	set, err := o.FetchPrediction(context.Background())
	if err != nil {
		t.Fatalf("fetch prediction: %v", err)
	}
	if len(set.Samples) != 2 {
		t.Errorf("joined %d samples, want 2", len(set.Samples))
	}
	if set.PredYes.IsZero() || set.PredNo.IsZero() {
		t.Error("prediction prices missing")
	}
}
