package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"solana-gas-relay/internal/solana"
)

// ErrSwapUnconfirmed is returned when a swap transaction did not land before the timeout.
var ErrSwapUnconfirmed = errors.New("swap not confirmed")

// Swapper converts a collected asset into the reward asset held by the treasury.
type Swapper interface {
	Swap(ctx context.Context, inputMint, outputMint string, amount uint64) (*SwapResult, error)
}

// SwapResult describes a landed swap. OutAmount is the minimum the route guarantees
// after slippage, so burns sized from it never exceed what the treasury received.
type SwapResult struct {
	Signature string
	InAmount  uint64
	OutAmount uint64
}

// JupiterQuote is the subset of a Jupiter v6 quote response the swapper needs.
// The full response is echoed back to /swap untouched.
type JupiterQuote struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	OtherAmount    string          `json:"otherAmountThreshold"`
	SlippageBps    int             `json:"slippageBps"`
	PriceImpactPct string          `json:"priceImpactPct"`
	raw            json.RawMessage
}

// JupiterSwapper swaps through the Jupiter v6 HTTP API, signs the returned
// transaction with the treasury key and broadcasts it through the RPC pool.
type JupiterSwapper struct {
	Base         string
	HTTP         *http.Client
	RPC          solana.RPCClient
	Owner        solanago.PrivateKey
	SlippageBps  int
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewJupiterSwapper creates a swapper against base (e.g. https://quote-api.jup.ag).
func NewJupiterSwapper(base string, rpc solana.RPCClient, owner solanago.PrivateKey, slippageBps int) *JupiterSwapper {
	return &JupiterSwapper{
		Base:         base,
		HTTP:         &http.Client{Timeout: 8 * time.Second},
		RPC:          rpc,
		Owner:        owner,
		SlippageBps:  slippageBps,
		PollInterval: 2 * time.Second,
		Timeout:      90 * time.Second,
	}
}

// GetQuote requests a route for amount smallest units of inputMint.
func (j *JupiterSwapper) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (*JupiterQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(j.SlippageBps))
	q.Set("onlyDirectRoutes", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.Base+"/v6/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := j.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter quote status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("jupiter quote: decode: %w", err)
	}
	var out JupiterQuote
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("jupiter quote: decode: %w", err)
	}
	out.raw = raw
	return &out, nil
}

// BuildSwap asks Jupiter for the unsigned swap transaction of quote.
func (j *JupiterSwapper) BuildSwap(ctx context.Context, quote *JupiterQuote) (*solanago.Transaction, error) {
	var quoteResponse interface{} = quote
	if quote.raw != nil {
		quoteResponse = quote.raw
	}
	payload := map[string]interface{}{
		"userPublicKey":             j.Owner.PublicKey().String(),
		"wrapAndUnwrapSol":          true,
		"asLegacyTransaction":       false,
		"useTokenLedger":            false,
		"prioritizationFeeLamports": 0,
		"quoteResponse":             quoteResponse,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.Base+"/v6/swap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := j.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter swap status %d", resp.StatusCode)
	}

	var sr struct {
		SwapTransaction string `json:"swapTransaction"` // base64, unsigned
	}
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("jupiter swap: decode: %w", err)
	}
	tx, err := solana.DecodeTransaction(sr.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	return tx, nil
}

// Swap quotes, signs, broadcasts and waits for the swap to land.
func (j *JupiterSwapper) Swap(ctx context.Context, inputMint, outputMint string, amount uint64) (*SwapResult, error) {
	quote, err := j.GetQuote(ctx, inputMint, outputMint, amount)
	if err != nil {
		return nil, err
	}
	minOut, err := strconv.ParseUint(quote.OtherAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: otherAmountThreshold %q: %w", quote.OtherAmount, err)
	}

	tx, err := j.BuildSwap(ctx, quote)
	if err != nil {
		return nil, err
	}
	owner := j.Owner.PublicKey()
	if !solana.FeePayer(tx).Equals(owner) {
		return nil, fmt.Errorf("jupiter swap: transaction paid by %s, want %s", solana.FeePayer(tx), owner)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(owner) {
			return &j.Owner
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign swap: %w", err)
	}

	encoded, err := solana.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	sig, err := j.RPC.SendTransaction(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("send swap: %w", err)
	}

	if err := j.waitLanded(ctx, sig); err != nil {
		return nil, err
	}
	return &SwapResult{Signature: sig, InAmount: amount, OutAmount: minOut}, nil
}

func (j *JupiterSwapper) waitLanded(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	ticker := time.NewTicker(j.PollInterval)
	defer ticker.Stop()

	for {
		statuses, err := j.RPC.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return fmt.Errorf("swap %s failed on chain: %v", sig, st.Err)
			}
			if st.Landed() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("swap %s: %w", sig, ErrSwapUnconfirmed)
		case <-ticker.C:
		}
	}
}
