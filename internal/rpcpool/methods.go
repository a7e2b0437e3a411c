package rpcpool

import (
	"context"

	"solana-gas-relay/internal/solana"
)

// GetBalance returns the lamport balance of an account.
func (p *Pool) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	return do(ctx, p, "getBalance", func(ctx context.Context, c solana.RPCClient) (uint64, error) {
		return c.GetBalance(ctx, pubkey)
	})
}

// GetTokenSupply returns the supply of a mint.
func (p *Pool) GetTokenSupply(ctx context.Context, mint string) (*solana.TokenAmount, error) {
	return do(ctx, p, "getTokenSupply", func(ctx context.Context, c solana.RPCClient) (*solana.TokenAmount, error) {
		return c.GetTokenSupply(ctx, mint)
	})
}

// GetTokenAccountBalance returns a token account balance.
func (p *Pool) GetTokenAccountBalance(ctx context.Context, account string) (*solana.TokenAmount, error) {
	return do(ctx, p, "getTokenAccountBalance", func(ctx context.Context, c solana.RPCClient) (*solana.TokenAmount, error) {
		return c.GetTokenAccountBalance(ctx, account)
	})
}

// GetTokenAccountsByOwner lists token accounts of an owner.
func (p *Pool) GetTokenAccountsByOwner(ctx context.Context, owner string, filter solana.TokenAccountsFilter) ([]solana.TokenAccount, error) {
	return do(ctx, p, "getTokenAccountsByOwner", func(ctx context.Context, c solana.RPCClient) ([]solana.TokenAccount, error) {
		return c.GetTokenAccountsByOwner(ctx, owner, filter)
	})
}

// GetLatestBlockhash returns the latest blockhash.
func (p *Pool) GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error) {
	return do(ctx, p, "getLatestBlockhash", func(ctx context.Context, c solana.RPCClient) (*solana.Blockhash, error) {
		return c.GetLatestBlockhash(ctx)
	})
}

// IsBlockhashValid reports whether a blockhash is still valid.
func (p *Pool) IsBlockhashValid(ctx context.Context, blockhash string) (bool, error) {
	return do(ctx, p, "isBlockhashValid", func(ctx context.Context, c solana.RPCClient) (bool, error) {
		return c.IsBlockhashValid(ctx, blockhash)
	})
}

// GetBlockHeight returns the current block height.
func (p *Pool) GetBlockHeight(ctx context.Context) (uint64, error) {
	return do(ctx, p, "getBlockHeight", func(ctx context.Context, c solana.RPCClient) (uint64, error) {
		return c.GetBlockHeight(ctx)
	})
}

// SimulateTransaction dry-runs a transaction.
func (p *Pool) SimulateTransaction(ctx context.Context, txBase64 string, accounts []string) (*solana.SimulationResult, error) {
	return do(ctx, p, "simulateTransaction", func(ctx context.Context, c solana.RPCClient) (*solana.SimulationResult, error) {
		return c.SimulateTransaction(ctx, txBase64, accounts)
	})
}

// SendTransaction broadcasts a transaction. The ledger deduplicates identical
// signed bytes, so failover may resend them.
func (p *Pool) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	return do(ctx, p, "sendTransaction", func(ctx context.Context, c solana.RPCClient) (string, error) {
		return c.SendTransaction(ctx, txBase64)
	})
}

// GetSignatureStatuses returns signature statuses.
func (p *Pool) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	return do(ctx, p, "getSignatureStatuses", func(ctx context.Context, c solana.RPCClient) ([]*solana.SignatureStatus, error) {
		return c.GetSignatureStatuses(ctx, signatures)
	})
}

// GetHealth succeeds if any healthy endpoint reports healthy.
func (p *Pool) GetHealth(ctx context.Context) error {
	_, err := do(ctx, p, "getHealth", func(ctx context.Context, c solana.RPCClient) (struct{}, error) {
		return struct{}{}, c.GetHealth(ctx)
	})
	return err
}

var _ solana.RPCClient = (*Pool)(nil)
