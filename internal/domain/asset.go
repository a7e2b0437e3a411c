package domain

// NativeMint is the wrapped-SOL mint, used as the identifier of the native asset.
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Asset is a payment asset the relay accepts fees in.
type Asset struct {
	Mint        string  // mint address (NativeMint for SOL)
	Symbol      string  // display symbol
	Name        string  // display name
	Decimals    uint8   // token decimals
	LamportRate float64 // smallest payment units per lamport (1 for SOL)
	Markup      float64 // fee multiplier over break-even (>= 1)
	Score       int     // operator-assigned quality score, 0-100
}

// IsNative reports whether the asset is the network's native asset.
func (a *Asset) IsNative() bool {
	return a.Mint == NativeMint
}
