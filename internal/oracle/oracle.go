// Package oracle implements read-only price queries against the five
// pools of a proposal: four concentrated-liquidity Swapr pools and one
// weighted Balancer spot pool.
//
// A successful quote reflects the pool's state at some block at or after
// the block in effect when the call started. Concurrent quotes are
// independent; the per-tick fan-out is bounded so a single RPC endpoint
// is never hit by more than one wave of reads.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"futarchy-arb/internal/chain"
	"futarchy-arb/pkg/types"
)

// fanOutLimit bounds concurrent pool reads within one tick, one slot
// per pool.
const fanOutLimit = 5

// predSumEpsilon is the tolerated drift of p_pred_yes + p_pred_no from
// 1. Larger drift means the prediction pools disagree about the split
// identity and no verdict derived from them can be trusted.
var predSumEpsilon = decimal.NewFromFloat(0.02)

// Oracle prices the pools of a single proposal.
type Oracle struct {
	rt       *chain.Runtime
	proposal *types.Proposal
	logger   *slog.Logger
}

// New creates an oracle for one proposal.
func New(rt *chain.Runtime, proposal *types.Proposal, logger *slog.Logger) *Oracle {
	return &Oracle{rt: rt, proposal: proposal, logger: logger.With("component", "oracle")}
}

// Price quotes one pool: how many quote units one base unit buys at the
// pool's current state. The base side is picked by the descriptor's
// BaseTokenIndex.
func (o *Oracle) Price(ctx context.Context, desc types.PoolDescriptor) (types.PriceSample, error) {
	var (
		sample types.PriceSample
		err    error
	)
	switch desc.Family {
	case types.PoolConcentrated:
		sample, err = o.priceConcentrated(ctx, desc)
	case types.PoolWeighted:
		sample, err = o.priceWeighted(ctx, desc)
	default:
		return types.PriceSample{}, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  fmt.Sprintf("pool %s has unknown family %q", desc.ID, desc.Family),
		}
	}
	if err != nil {
		return types.PriceSample{}, err
	}
	if !sample.Price.IsPositive() {
		return types.PriceSample{}, &types.KindError{
			Kind: types.KindPoolDecode,
			Msg:  fmt.Sprintf("pool %s quoted non-positive price %s", desc.ID, sample.Price),
		}
	}
	sample.Pool = desc.ID
	sample.ObservedAt = time.Now()
	return sample, nil
}

// FetchAll quotes all five pools in parallel and joins the results into
// the detector's input set. Any single failure aborts the whole fetch;
// a tick never detects on a partial price set.
func (o *Oracle) FetchAll(ctx context.Context) (*types.PriceSet, error) {
	block, err := o.rt.Client.BlockNumber(ctx)
	if err != nil {
		return nil, types.WrapKind(types.KindRpcTransient, "read block number", err)
	}

	samples := make(map[types.PoolID]types.PriceSample, len(types.AllPoolIDs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)

	for _, id := range types.AllPoolIDs {
		desc := o.proposal.Pools[id]
		g.Go(func() error {
			sample, err := o.Price(gctx, desc)
			if err != nil {
				return fmt.Errorf("price %s: %w", desc.ID, err)
			}
			sample.Block = block
			mu.Lock()
			samples[desc.ID] = sample
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &types.PriceSet{
		Yes:     samples[types.PoolSwaprYes].Price,
		No:      samples[types.PoolSwaprNo].Price,
		PredYes: samples[types.PoolSwaprPredYes].Price,
		PredNo:  samples[types.PoolSwaprPredNo].Price,
		Spot:    samples[types.PoolWeightedSpot].Price,
		Samples: samples,
	}
	if err := checkPredSum(set.PredYes, set.PredNo); err != nil {
		return nil, err
	}
	return set, nil
}

// FetchPrediction quotes only the two prediction pools, for the
// prediction-only bot flavour.
func (o *Oracle) FetchPrediction(ctx context.Context) (*types.PriceSet, error) {
	block, err := o.rt.Client.BlockNumber(ctx)
	if err != nil {
		return nil, types.WrapKind(types.KindRpcTransient, "read block number", err)
	}

	set := &types.PriceSet{Samples: map[types.PoolID]types.PriceSample{}}
	for _, id := range []types.PoolID{types.PoolSwaprPredYes, types.PoolSwaprPredNo} {
		sample, err := o.Price(ctx, o.proposal.Pools[id])
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", id, err)
		}
		sample.Block = block
		set.Samples[id] = sample
	}
	set.PredYes = set.Samples[types.PoolSwaprPredYes].Price
	set.PredNo = set.Samples[types.PoolSwaprPredNo].Price
	if err := checkPredSum(set.PredYes, set.PredNo); err != nil {
		return nil, err
	}
	return set, nil
}

// checkPredSum aborts the tick when the prediction pools violate the
// split identity p_pred_yes + p_pred_no = 1 beyond tolerance.
func checkPredSum(predYes, predNo decimal.Decimal) error {
	drift := predYes.Add(predNo).Sub(decimal.NewFromInt(1)).Abs()
	if drift.GreaterThan(predSumEpsilon) {
		return &types.KindError{
			Kind: types.KindPoolDecode,
			Msg: fmt.Sprintf("prediction pools violate split identity: p_yes=%s p_no=%s drift=%s",
				predYes, predNo, drift),
		}
	}
	return nil
}
