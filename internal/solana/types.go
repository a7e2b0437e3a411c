package solana

// TokenAmount is a raw token amount with its mint decimals.
type TokenAmount struct {
	Amount   uint64
	Decimals uint8
}

// TokenAccountsFilter selects token accounts by mint or by owning program.
// Exactly one field should be set.
type TokenAccountsFilter struct {
	Mint      string
	ProgramID string
}

// TokenAccount is a decoded SPL token account.
type TokenAccount struct {
	Address string
	Mint    string
	Owner   string
	Amount  uint64
}

// Blockhash from getLatestBlockhash.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SimulationResult from simulateTransaction.
type SimulationResult struct {
	Err           interface{}
	Logs          []string
	Accounts      []*AccountInfo // post-simulation state, nil entries for missing accounts
	UnitsConsumed uint64
}

// SignatureStatus from getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64 // nil once rooted
	Err                interface{}
	ConfirmationStatus string // processed | confirmed | finalized
}

// Landed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Landed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}
