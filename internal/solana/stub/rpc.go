// Package stub provides in-memory fakes of the Solana clients for tests.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"solana-gas-relay/internal/solana"
)

// ErrNotFound is returned when a stubbed value is missing.
var ErrNotFound = errors.New("not found")

// RPCClient implements solana.RPCClient for testing.
// Fields may be set directly before use; calls are safe for concurrent use.
type RPCClient struct {
	mu sync.Mutex

	Balances      map[string]uint64
	Supplies      map[string]*solana.TokenAmount
	TokenBalances map[string]*solana.TokenAmount   // keyed by token account
	TokenAccounts map[string][]solana.TokenAccount // keyed by owner
	Blockhash     solana.Blockhash
	InvalidHashes map[string]bool
	BlockHeight   uint64
	Simulation    *solana.SimulationResult
	SimulateFunc  func(txBase64 string, accounts []string) (*solana.SimulationResult, error)
	Statuses      map[string]*solana.SignatureStatus
	DefaultStatus *solana.SignatureStatus // returned for signatures missing from Statuses
	SendErr       error
	HealthErr     error
	Err           error // returned by every call when set

	Sent  []string // base64 transactions passed to SendTransaction
	Calls map[string]int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Balances:      make(map[string]uint64),
		Supplies:      make(map[string]*solana.TokenAmount),
		TokenBalances: make(map[string]*solana.TokenAmount),
		TokenAccounts: make(map[string][]solana.TokenAccount),
		InvalidHashes: make(map[string]bool),
		Statuses:      make(map[string]*solana.SignatureStatus),
		Calls:         make(map[string]int),
		Blockhash: solana.Blockhash{
			Blockhash:            "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi",
			LastValidBlockHeight: 1000,
		},
	}
}

func (c *RPCClient) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[method]++
	return c.Err
}

// CallCount returns how many times method was called.
func (c *RPCClient) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[method]
}

// SetBalance sets a lamport balance.
func (c *RPCClient) SetBalance(pubkey string, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[pubkey] = lamports
}

// SetStatus sets the status returned for a signature.
func (c *RPCClient) SetStatus(signature string, status *solana.SignatureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Statuses[signature] = status
}

// SentTransactions returns a copy of broadcast transactions.
func (c *RPCClient) SentTransactions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Sent...)
}

// GetBalance returns the stubbed balance, zero if unset.
func (c *RPCClient) GetBalance(_ context.Context, pubkey string) (uint64, error) {
	if err := c.enter("getBalance"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Balances[pubkey], nil
}

// GetTokenSupply returns the stubbed supply.
func (c *RPCClient) GetTokenSupply(_ context.Context, mint string) (*solana.TokenAmount, error) {
	if err := c.enter("getTokenSupply"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.Supplies[mint]
	if !ok {
		return nil, fmt.Errorf("supply for %s: %w", mint, ErrNotFound)
	}
	copy := *s
	return &copy, nil
}

// GetTokenAccountBalance returns the stubbed token account balance.
func (c *RPCClient) GetTokenAccountBalance(_ context.Context, account string) (*solana.TokenAmount, error) {
	if err := c.enter("getTokenAccountBalance"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.TokenBalances[account]
	if !ok {
		return nil, fmt.Errorf("token account %s: %w", account, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

// GetTokenAccountsByOwner returns the owner's stubbed accounts matching the mint filter.
func (c *RPCClient) GetTokenAccountsByOwner(_ context.Context, owner string, filter solana.TokenAccountsFilter) ([]solana.TokenAccount, error) {
	if err := c.enter("getTokenAccountsByOwner"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []solana.TokenAccount
	for _, acc := range c.TokenAccounts[owner] {
		if filter.Mint != "" && acc.Mint != filter.Mint {
			continue
		}
		result = append(result, acc)
	}
	return result, nil
}

// GetLatestBlockhash returns the stubbed blockhash.
func (c *RPCClient) GetLatestBlockhash(_ context.Context) (*solana.Blockhash, error) {
	if err := c.enter("getLatestBlockhash"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bh := c.Blockhash
	return &bh, nil
}

// IsBlockhashValid reports false only for hashes listed in InvalidHashes.
func (c *RPCClient) IsBlockhashValid(_ context.Context, blockhash string) (bool, error) {
	if err := c.enter("isBlockhashValid"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.InvalidHashes[blockhash], nil
}

// GetBlockHeight returns the stubbed block height.
func (c *RPCClient) GetBlockHeight(_ context.Context) (uint64, error) {
	if err := c.enter("getBlockHeight"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BlockHeight, nil
}

// SimulateTransaction returns SimulateFunc's result, else Simulation, else a
// success that leaves every requested account at its stubbed balance.
func (c *RPCClient) SimulateTransaction(_ context.Context, txBase64 string, accounts []string) (*solana.SimulationResult, error) {
	if err := c.enter("simulateTransaction"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	fn, sim := c.SimulateFunc, c.Simulation
	result := &solana.SimulationResult{}
	for _, addr := range accounts {
		result.Accounts = append(result.Accounts, &solana.AccountInfo{Lamports: c.Balances[addr]})
	}
	c.mu.Unlock()

	if fn != nil {
		return fn(txBase64, accounts)
	}
	if sim != nil {
		return sim, nil
	}
	return result, nil
}

// SendTransaction records the transaction and returns its first signature, like a node
// would. Undecodable payloads get a signature derived from the call count.
func (c *RPCClient) SendTransaction(_ context.Context, txBase64 string) (string, error) {
	if err := c.enter("sendTransaction"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.Sent = append(c.Sent, txBase64)
	if tx, err := solana.DecodeTransaction(txBase64); err == nil && len(tx.Signatures) > 0 {
		return tx.Signatures[0].String(), nil
	}
	return fmt.Sprintf("stubsig%d", len(c.Sent)), nil
}

// GetSignatureStatuses returns stubbed statuses in request order.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	if err := c.enter("getSignatureStatuses"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		st, ok := c.Statuses[sig]
		if !ok {
			st = c.DefaultStatus
		}
		out[i] = st
	}
	return out, nil
}

// GetHealth returns HealthErr.
func (c *RPCClient) GetHealth(_ context.Context) error {
	if err := c.enter("getHealth"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.HealthErr
}

var _ solana.RPCClient = (*RPCClient)(nil)
