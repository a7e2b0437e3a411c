package solana

import "context"

// RPCClient defines the Solana JSON-RPC surface the relay depends on.
type RPCClient interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, pubkey string) (uint64, error)

	// GetTokenSupply returns the total supply of a mint.
	GetTokenSupply(ctx context.Context, mint string) (*TokenAmount, error)

	// GetTokenAccountBalance returns the balance of a token account.
	GetTokenAccountBalance(ctx context.Context, account string) (*TokenAmount, error)

	// GetTokenAccountsByOwner lists token accounts owned by owner, filtered by mint or program.
	GetTokenAccountsByOwner(ctx context.Context, owner string, filter TokenAccountsFilter) ([]TokenAccount, error)

	// GetLatestBlockhash returns the latest blockhash and its last valid block height.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// IsBlockhashValid reports whether a blockhash can still be used.
	IsBlockhashValid(ctx context.Context, blockhash string) (bool, error)

	// GetBlockHeight returns the current block height.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// SimulateTransaction dry-runs a base64 transaction without signature verification
	// and returns the post-simulation state of the requested accounts.
	SimulateTransaction(ctx context.Context, txBase64 string, accounts []string) (*SimulationResult, error)

	// SendTransaction broadcasts a signed base64 transaction and returns its signature.
	SendTransaction(ctx context.Context, txBase64 string) (string, error)

	// GetSignatureStatuses returns statuses in request order; unknown signatures yield nil.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)

	// GetHealth returns nil if the node reports itself healthy.
	GetHealth(ctx context.Context) error
}
