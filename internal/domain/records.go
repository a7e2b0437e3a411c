package domain

// TxStatus is the lifecycle state of a relayed transaction.
type TxStatus string

const (
	TxStatusSubmitted TxStatus = "submitted"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// TransactionRecord is the audit row for one relayed transaction.
// Only Status and UpdatedAt change after insert (submitted -> confirmed/failed).
type TransactionRecord struct {
	QuoteID          string
	Signature        string // PRIMARY KEY
	UserWallet       string
	PaymentToken     string // payment mint
	FeeAmount        uint64 // smallest units of PaymentToken
	FeeSolEquivalent uint64 // lamports
	FeePayer         string
	Status           TxStatus
	CreatedAt        int64 // Unix ms
	UpdatedAt        int64 // Unix ms
}

// RevenueEvent is an append-only fee collection entry awaiting settlement.
type RevenueEvent struct {
	EventID           string // PRIMARY KEY (transaction signature)
	PaymentMint       string
	Amount            uint64 // smallest units of PaymentMint
	LamportEquivalent uint64
	CreatedAt         int64 // Unix ms
	Settled           bool
}

// BurnMethod names the bucket a burn came from.
type BurnMethod string

const (
	BurnMethodEcosystem BurnMethod = "ecosystem"
	BurnMethodSwap      BurnMethod = "swap"
)

// PendingBurn is an amount of reward asset waiting for the next atomic burn batch.
type PendingBurn struct {
	BurnID    string // PRIMARY KEY
	EventID   string // source revenue event
	Method    BurnMethod
	Amount    uint64 // reward asset smallest units
	Retained  uint64 // treasury share kept from the same event, in the event's asset
	BatchID   string // empty while pending
	CreatedAt int64  // Unix ms
}

// BatchStatus is the state of an atomic burn batch.
type BatchStatus string

const (
	BatchStatusSubmitted BatchStatus = "submitted"
	BatchStatusConfirmed BatchStatus = "confirmed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BurnBatch groups pending burns settled by a single transaction.
type BurnBatch struct {
	BatchID              string // deterministic hash of member burn ids
	Signature            string
	BurnIDs              []string
	Total                uint64
	LastValidBlockHeight uint64
	PreBalance           uint64 // treasury reward-asset balance before the burn
	Status               BatchStatus
	CreatedAt            int64
	UpdatedAt            int64
}

// BurnRecord is the append-only audit row for a confirmed burn.
type BurnRecord struct {
	Signature              string
	Method                 BurnMethod
	AmountBurned           uint64
	TreasuryAmountRetained uint64
	BatchID                string
	CreatedAt              int64 // Unix ms
}
