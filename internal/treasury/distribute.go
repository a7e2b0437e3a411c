// Package treasury splits collected fees between burns and the retained
// treasury, settles burns on chain in atomic batches and verifies the
// treasury balance against the ledger.
package treasury

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrInvalidRatio is returned when a split ratio is outside [0, 1].
var ErrInvalidRatio = errors.New("ratio must be within [0, 1]")

// Split is the result of distributing one collected fee.
type Split struct {
	EcosystemBurn uint64 `json:"ecosystemBurn"`
	SwapBurn      uint64 `json:"swapBurn"`
	Retained      uint64 `json:"retained"`
}

// Total returns the sum of all buckets.
func (s Split) Total() uint64 {
	return s.EcosystemBurn + s.SwapBurn + s.Retained
}

// Burned returns the amount destined for destruction.
func (s Split) Burned() uint64 {
	return s.EcosystemBurn + s.SwapBurn
}

// Distribute splits amount into the ecosystem burn, the swap burn and the
// retained treasury share.
//
//	ecosystemBurn = floor(amount * ecosystemShare)
//	swapBurn      = floor((amount - ecosystemBurn) * burnRatio)
//	retained      = amount - ecosystemBurn - swapBurn
//
// The retained bucket absorbs every floor remainder, so the three buckets
// always sum to amount.
func Distribute(amount uint64, ecosystemShare, burnRatio float64) (Split, error) {
	if err := checkRatio("ecosystem share", ecosystemShare); err != nil {
		return Split{}, err
	}
	if err := checkRatio("burn ratio", burnRatio); err != nil {
		return Split{}, err
	}

	total := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
	eco := floorPart(total, ecosystemShare)
	remainder := amount - eco
	swap := floorPart(decimal.NewFromBigInt(new(big.Int).SetUint64(remainder), 0), burnRatio)

	return Split{
		EcosystemBurn: eco,
		SwapBurn:      swap,
		Retained:      remainder - swap,
	}, nil
}

func floorPart(amount decimal.Decimal, ratio float64) uint64 {
	return amount.Mul(decimal.NewFromFloat(ratio)).Floor().BigInt().Uint64()
}

func checkRatio(name string, r float64) error {
	if math.IsNaN(r) || r < 0 || r > 1 {
		return fmt.Errorf("%s %v: %w", name, r, ErrInvalidRatio)
	}
	return nil
}
