package auction

import (
	"context"
	"math/rand"

	"github.com/diiisco/diiisco/internal/ledger"
	"github.com/diiisco/diiisco/pkg/logging"
)

// Policy picks one winner from a non-empty bid list. Policies are pure over
// the list except highest-stake, which consults the ledger.
type Policy func(ctx context.Context, bids []Bid) Bid

// NewPolicy resolves a policy tag from the closed set. The ledger client is
// only needed for highest-stake.
func NewPolicy(tag string, lc ledger.Client, assetID uint64) (Policy, error) {
	switch tag {
	case "cheapest":
		return Cheapest, nil
	case "first":
		return First, nil
	case "random":
		return Random, nil
	case "highest-stake":
		return HighestStake(lc, assetID), nil
	default:
		return nil, ErrUnknownPolicy
	}
}

// Cheapest picks the minimum total price, ties broken by arrival order.
func Cheapest(_ context.Context, bids []Bid) Bid {
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Quote.TotalPrice < best.Quote.TotalPrice {
			best = b
		}
	}
	return best
}

// First picks the earliest arrival.
func First(_ context.Context, bids []Bid) Bid {
	return bids[0]
}

// Random picks uniformly.
func Random(_ context.Context, bids []Bid) Bid {
	return bids[rand.Intn(len(bids))]
}

// HighestStake queries each bidder's balance of the protocol asset and picks
// the maximum, ties broken by arrival order. Bidders whose balance cannot be
// read count as zero.
func HighestStake(lc ledger.Client, assetID uint64) Policy {
	log := logging.GetDefault().Component("auction")
	return func(ctx context.Context, bids []Bid) Bid {
		best := bids[0]
		var bestBalance uint64
		if status, err := lc.CheckIfOptedInToAsset(ctx, best.Quote.Addr, assetID); err == nil {
			bestBalance = status.Balance
		}

		for _, b := range bids[1:] {
			status, err := lc.CheckIfOptedInToAsset(ctx, b.Quote.Addr, assetID)
			if err != nil {
				log.Warn("Stake lookup failed", "addr", b.Quote.Addr, "error", err)
				continue
			}
			if status.Balance > bestBalance {
				best = b
				bestBalance = status.Balance
			}
		}
		return best
	}
}
