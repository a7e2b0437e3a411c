// Package pricing holds the pure fee, discount and tier functions used by the quote engine.
package pricing

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"solana-gas-relay/internal/domain"
)

// MaxDiscount caps the holder discount.
const MaxDiscount = 0.95

// ErrZeroTreasuryRatio is returned when the configured split leaves nothing for the treasury.
var ErrZeroTreasuryRatio = errors.New("treasury ratio must be positive")

// tierStep is one rung of the holder tier ladder, matched on share expressed in percent.
type tierStep struct {
	minPercent float64
	name       string
	emoji      string
}

// tierLadder is ordered from the highest breakpoint down.
var tierLadder = []tierStep{
	{minPercent: 1, name: "top", emoji: "🐋"},
	{minPercent: 0.1, name: "high", emoji: "🦈"},
	{minPercent: 0.01, name: "mid", emoji: "🐬"},
	{minPercent: 0.001, name: "low", emoji: "🐟"},
}

var baselineTier = tierStep{name: "baseline", emoji: "🦐"}

// TierStep describes one tier of the ladder for display.
type TierStep struct {
	Name        string  `json:"tier"`
	Emoji       string  `json:"emoji"`
	MinSharePct float64 `json:"minSharePercent"`
	MinDiscount float64 `json:"minDiscountPercent"`
}

// Share returns balance / supply, or 0 when supply is zero.
func Share(balance, supply uint64) float64 {
	if supply == 0 {
		return 0
	}
	b := new(big.Float).SetUint64(balance)
	s := new(big.Float).SetUint64(supply)
	share, _ := new(big.Float).Quo(b, s).Float64()
	return share
}

// Discount maps a supply share to a discount fraction in [0, MaxDiscount].
// The curve is clamp(0, (log10(share)+5)/3, 0.95), and 0 for share <= 0.
func Discount(share float64) float64 {
	if share <= 0 || math.IsNaN(share) {
		return 0
	}
	d := (math.Log10(share) + 5) / 3
	if d < 0 {
		return 0
	}
	if d > MaxDiscount {
		return MaxDiscount
	}
	return d
}

// ClassifyTier places a supply share on the tier ladder.
// It is independent of Discount: the ladder is discrete, the discount is continuous.
func ClassifyTier(share float64) (name, emoji string) {
	pct := share * 100
	for _, step := range tierLadder {
		if pct >= step.minPercent {
			return step.name, step.emoji
		}
	}
	return baselineTier.name, baselineTier.emoji
}

// Tier combines ClassifyTier and Discount for a share.
func Tier(share float64) domain.HolderTier {
	name, emoji := ClassifyTier(share)
	return domain.HolderTier{
		Name:     name,
		Emoji:    emoji,
		Discount: Discount(share),
		Share:    share,
	}
}

// Ladder returns the tier ladder with the discount at each breakpoint.
func Ladder() []TierStep {
	steps := make([]TierStep, 0, len(tierLadder)+1)
	for _, s := range tierLadder {
		steps = append(steps, TierStep{
			Name:        s.name,
			Emoji:       s.emoji,
			MinSharePct: s.minPercent,
			MinDiscount: roundPercent(Discount(s.minPercent / 100)),
		})
	}
	steps = append(steps, TierStep{Name: baselineTier.name, Emoji: baselineTier.emoji})
	return steps
}

// TreasuryRatio is the fraction of each fee the treasury keeps after both burns.
func TreasuryRatio(ecosystemShare, burnRatio float64) float64 {
	return (1 - ecosystemShare) * (1 - burnRatio)
}

// BreakEven returns ceil(networkFee / treasuryRatio) in lamports.
func BreakEven(networkFee uint64, treasuryRatio float64) (uint64, error) {
	if treasuryRatio <= 0 || math.IsNaN(treasuryRatio) {
		return 0, ErrZeroTreasuryRatio
	}
	return uint64(math.Ceil(float64(networkFee) / treasuryRatio)), nil
}

// FinalFee computes the discounted fee in lamports, floored at break-even.
//
//	baseFee  = networkFee / treasuryRatio * markup
//	finalFee = max(ceil(baseFee * (1 - discount)), breakEven)
func FinalFee(networkFee uint64, treasuryRatio, markup, discount float64) (final, breakEven uint64, err error) {
	breakEven, err = BreakEven(networkFee, treasuryRatio)
	if err != nil {
		return 0, 0, err
	}

	base := float64(networkFee) / treasuryRatio * markup
	discounted := math.Ceil(base * (1 - discount))
	if discounted < 0 {
		discounted = 0
	}

	final = uint64(discounted)
	if final < breakEven {
		final = breakEven
	}
	return final, breakEven, nil
}

// NetworkFee returns the base network fee plus the priority surcharge for compute
// units requested beyond the default budget.
func NetworkFee(baseFee uint64, computeUnits, defaultUnits uint32, microLamportsPerUnit uint64) uint64 {
	if computeUnits <= defaultUnits || microLamportsPerUnit == 0 {
		return baseFee
	}
	extra := decimal.NewFromInt(int64(computeUnits - defaultUnits)).
		Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(microLamportsPerUnit), 0)).
		Div(decimal.NewFromInt(1_000_000)).
		Ceil()
	return baseFee + extra.BigInt().Uint64()
}

// ToAssetAmount converts a lamport amount into smallest units of the asset, rounding up.
func ToAssetAmount(lamports uint64, asset *domain.Asset) uint64 {
	if asset.IsNative() || asset.LamportRate == 1 {
		return lamports
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), 0).
		Mul(decimal.NewFromFloat(asset.LamportRate)).
		Ceil()
	return amount.BigInt().Uint64()
}

// FormatAmount renders a smallest-unit amount with the asset's decimals, e.g. "0.000021187".
func FormatAmount(amount uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}

func roundPercent(f float64) float64 {
	return math.Round(f*10000) / 100
}
