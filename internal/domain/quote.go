package domain

// HolderTier is the discount bracket derived from a wallet's share of the reward asset supply.
type HolderTier struct {
	Name     string  // top | high | mid | low | baseline
	Emoji    string  // display marker
	Discount float64 // discount fraction in [0, 0.95]
	Share    float64 // balance / supply used for classification
}

// DiscountPercent returns the discount as a percentage rounded to two decimals.
func (t HolderTier) DiscountPercent() float64 {
	return float64(int64(t.Discount*10000+0.5)) / 100
}

// Quote is a priced, time-boxed, single-use reservation of a fee payer.
// Quotes are never mutated after issue; consumption removes them from the coordination store.
type Quote struct {
	QuoteID      string     `json:"quoteId"`
	UserPubkey   string     `json:"userPubkey"`
	PaymentMint  string     `json:"paymentMint"`
	FeeAmount    uint64     `json:"feeAmount"`    // smallest units of the payment asset
	FeeLamports  uint64     `json:"feeLamports"`  // SOL-equivalent of the fee
	BreakEven    uint64     `json:"breakEven"`    // break-even floor in lamports
	NetworkFee   uint64     `json:"networkFee"`   // ledger fee priced in, in lamports; the fee payer never loses more
	FeePayer     string     `json:"feePayer"`     // reserved fee payer public key
	Tier         HolderTier `json:"tier"`         // tier and discount applied
	IssuedAt     int64      `json:"issuedAt"`     // Unix ms
	ExpiresAt    int64      `json:"expiresAt"`    // Unix ms
	ComputeUnits uint32     `json:"computeUnits"` // requested compute budget, 0 if unspecified
}

// Expired reports whether the quote is past its TTL at nowMs.
func (q *Quote) Expired(nowMs int64) bool {
	return nowMs >= q.ExpiresAt
}
