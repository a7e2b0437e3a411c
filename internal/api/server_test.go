package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/feepayer"
	"solana-gas-relay/internal/quote"
	"solana-gas-relay/internal/relay"
	"solana-gas-relay/internal/storage/memory"
	"solana-gas-relay/internal/treasury"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeQuoter struct {
	assets  map[string]*domain.Asset
	tier    domain.HolderTier
	err     error
	lastReq quote.Request
}

func (f *fakeQuoter) Quote(_ context.Context, req quote.Request) (*domain.Quote, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.assets[req.PaymentMint]; !ok {
		return nil, quote.ErrInvalidAsset
	}
	return &domain.Quote{
		QuoteID:     "q-1",
		UserPubkey:  req.UserPubkey,
		PaymentMint: req.PaymentMint,
		FeeAmount:   21187,
		FeeLamports: 21187,
		FeePayer:    "payer-1",
		Tier:        f.tier,
		ExpiresAt:   1_700_000_060_000,
	}, nil
}

func (f *fakeQuoter) HolderTier(context.Context, string) (domain.HolderTier, error) {
	return f.tier, f.err
}

func (f *fakeQuoter) BaselineFee(a *domain.Asset) (uint64, uint64, error) {
	if a.IsNative() {
		return 21187, 21187, nil
	}
	return 5, 21187, nil
}

func (f *fakeQuoter) Asset(mint string) (*domain.Asset, bool) {
	a, ok := f.assets[mint]
	return a, ok
}

func (f *fakeQuoter) Assets() []*domain.Asset {
	return []*domain.Asset{f.assets[domain.NativeMint], f.assets[usdcMint]}
}

func (f *fakeQuoter) Treasury() string   { return "treasury-1" }
func (f *fakeQuoter) TTL() time.Duration { return time.Minute }

type fakeSubmitter struct {
	res *relay.SubmitResult
	err error
}

func (f *fakeSubmitter) Submit(context.Context, relay.SubmitRequest) (*relay.SubmitResult, error) {
	return f.res, f.err
}

type fakeFeePayers struct {
	summary feepayer.Summary
}

func (f *fakeFeePayers) Status() []domain.FeePayerStatus {
	return []domain.FeePayerStatus{{PublicKey: "payer-1", Balance: 2 * domain.LamportsPerSOL, Health: "healthy"}}
}

func (f *fakeFeePayers) Summary() feepayer.Summary { return f.summary }

type fakeEndpoints struct {
	healthy []bool
}

func (f *fakeEndpoints) Status() []domain.EndpointStatus {
	out := make([]domain.EndpointStatus, len(f.healthy))
	for i, h := range f.healthy {
		out[i] = domain.EndpointStatus{URL: "http://rpc", Healthy: h}
	}
	return out
}

type fakeTreasury struct{}

func (fakeTreasury) Status(context.Context) (*treasury.Status, error) {
	return &treasury.Status{Treasury: "treasury-1", BurnRatio: 0.764, TotalBurned: 42}, nil
}

type apiFixture struct {
	quoter    *fakeQuoter
	submitter *fakeSubmitter
	payers    *fakeFeePayers
	endpoints *fakeEndpoints
	txs       *memory.TransactionStore
	burns     *memory.TreasuryStore
	analytics *memory.FeeAnalyticsStore
	deps      Deps
	cfg       Config
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		quoter: &fakeQuoter{
			assets: map[string]*domain.Asset{
				domain.NativeMint: {Mint: domain.NativeMint, Symbol: "SOL", Decimals: 9, LamportRate: 1, Markup: 1, Score: 100},
				usdcMint:          {Mint: usdcMint, Symbol: "USDC", Decimals: 6, LamportRate: 0.0002, Markup: 1.2, Score: 90},
			},
			tier: domain.HolderTier{Name: "mid", Emoji: "🐬", Discount: 0.3333, Share: 0.0002},
		},
		submitter: &fakeSubmitter{},
		payers:    &fakeFeePayers{summary: feepayer.Summary{Healthy: 1}},
		endpoints: &fakeEndpoints{healthy: []bool{true}},
		txs:       memory.NewTransactionStore(),
		burns:     memory.NewTreasuryStore(),
		analytics: memory.NewFeeAnalyticsStore(),
		cfg:       Config{MetricsKey: "secret"},
	}
	f.deps = Deps{
		Quotes:       f.quoter,
		Submitter:    f.submitter,
		FeePayers:    f.payers,
		Endpoints:    f.endpoints,
		Transactions: f.txs,
		Burns:        f.burns,
		Analytics:    f.analytics,
		Treasury:     fakeTreasury{},
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	NewRouter(f.deps, f.cfg, zerolog.Nop()).ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestQuote_Success(t *testing.T) {
	f := newAPIFixture()
	wallet := solanago.NewWallet().PublicKey().String()

	rec := f.do(t, http.MethodPost, "/quote", map[string]any{
		"userPubkey":            wallet,
		"paymentToken":          domain.NativeMint,
		"estimatedComputeUnits": 400000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[map[string]any](t, rec)
	assert.Equal(t, "q-1", got["quoteId"])
	assert.Equal(t, "payer-1", got["feePayer"])
	assert.Equal(t, float64(21187), got["feeAmount"])
	assert.Equal(t, "0.000021187", got["feeFormatted"])
	assert.Equal(t, float64(60), got["ttl"])
	assert.Equal(t, "treasury-1", got["treasury"])
	assert.Equal(t, map[string]any{"tier": "mid", "emoji": "🐬", "discountPercent": 33.33}, got["holderTier"])

	assert.Equal(t, uint32(400000), f.quoter.lastReq.ComputeUnits)
	assert.Equal(t, wallet, f.quoter.lastReq.UserPubkey)
}

func TestQuote_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		quoteErr error
		status   int
		code     string
	}{
		{
			name:   "missing fields",
			body:   map[string]any{"paymentToken": domain.NativeMint},
			status: http.StatusBadRequest,
			code:   domain.CodeMissingField,
		},
		{
			name:   "unsupported asset",
			body:   map[string]any{"userPubkey": "u", "paymentToken": "unknown"},
			status: http.StatusBadRequest,
			code:   domain.CodeInvalidAsset,
		},
		{
			name:     "no fee payer",
			body:     map[string]any{"userPubkey": "u", "paymentToken": domain.NativeMint},
			quoteErr: quote.ErrNoFeePayer,
			status:   http.StatusServiceUnavailable,
			code:     domain.CodeNoAvailableFeePayer,
		},
		{
			name:     "untyped failure",
			body:     map[string]any{"userPubkey": "u", "paymentToken": domain.NativeMint},
			quoteErr: errors.New("boom"),
			status:   http.StatusInternalServerError,
			code:     domain.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture()
			f.quoter.err = tt.quoteErr

			rec := f.do(t, http.MethodPost, "/quote", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			got := decode[errorResponse](t, rec)
			assert.Equal(t, tt.code, got.Code)
			assert.NotEmpty(t, got.Error)
			assert.NotContains(t, got.Error, "boom", "internal causes stay private")
		})
	}
}

func TestQuote_MalformedBody(t *testing.T) {
	f := newAPIFixture()
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	NewRouter(f.deps, f.cfg, zerolog.Nop()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit(t *testing.T) {
	body := map[string]any{"quoteId": "q-1", "transaction": "AQ==", "userPubkey": "u"}

	t.Run("success", func(t *testing.T) {
		f := newAPIFixture()
		f.submitter.res = &relay.SubmitResult{Signature: "sig", ExplorerURL: "https://solscan.io/tx/sig", Status: "submitted"}

		rec := f.do(t, http.MethodPost, "/submit", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"signature":"sig","explorerUrl":"https://solscan.io/tx/sig","status":"submitted"}`, rec.Body.String())
	})

	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"unknown quote", domain.NewError(domain.KindClient, domain.CodeQuoteNotFound, "quote not found"), http.StatusNotFound, "quote not found"},
		{"expired quote", domain.Reject(domain.CodeQuoteExpired, "quote expired"), http.StatusBadRequest, "quote expired"},
		{"unknown program", domain.Reject(domain.CodeUnknownProgram, "program not allowed"), http.StatusBadRequest, "program not allowed"},
		{"rpc exhausted", domain.NewError(domain.KindExhausted, domain.CodeRPCUnavailable, "no healthy rpc endpoint"), http.StatusServiceUnavailable, "no healthy rpc endpoint"},
		{
			"broadcast rejected",
			domain.WrapError(domain.KindUpstream, domain.CodeBroadcastFailed, "broadcast rejected", errors.New("Blockhash not found")),
			http.StatusInternalServerError,
			"broadcast rejected: Blockhash not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture()
			f.submitter.err = tt.err

			rec := f.do(t, http.MethodPost, "/submit", body)
			assert.Equal(t, tt.status, rec.Code)
			got := decode[errorResponse](t, rec)
			assert.Equal(t, tt.msg, got.Error)
			var derr *domain.Error
			require.True(t, errors.As(tt.err, &derr))
			assert.Equal(t, derr.Code, got.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture()
	f.cfg.RateLimit = 1
	f.submitter.err = domain.NewError(domain.KindClient, domain.CodeMissingField, "missing")
	router := NewRouter(f.deps, f.cfg, zerolog.Nop())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, domain.CodeRateLimited, decode[errorResponse](t, rec).Code)

	// Read endpoints are not limited.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/tokens/tiers", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestTokens(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Tokens []tokenView `json:"tokens"`
	}](t, rec)
	require.Len(t, got.Tokens, 2)
	assert.Equal(t, "SOL", got.Tokens[0].Symbol)
	assert.Equal(t, "0.000021187", got.Tokens[0].FeeFormatted)
	assert.Equal(t, "0.000005", got.Tokens[1].FeeFormatted)

	rec = f.do(t, http.MethodGet, "/tokens/"+usdcMint+"/score", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mint":"`+usdcMint+`","symbol":"USDC","score":90,"markup":1.2}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/tokens/nope/score", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.CodeInvalidAsset, decode[errorResponse](t, rec).Code)
}

func TestTiers(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/tokens/tiers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Len(t, got["tiers"], 5)
	assert.Equal(t, float64(95), got["maxDiscountPercent"])

	wallet := solanago.NewWallet().PublicKey().String()
	rec = f.do(t, http.MethodGet, "/tokens/tiers/"+wallet, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tier := decode[map[string]any](t, rec)
	assert.Equal(t, "mid", tier["tier"])
	assert.Equal(t, 33.33, tier["discountPercent"])
	assert.InDelta(t, 0.02, tier["sharePercent"], 1e-9)

	rec = f.do(t, http.MethodGet, "/tokens/tiers/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.CodeInvalidPubkey, decode[errorResponse](t, rec).Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		summary   feepayer.Summary
		endpoints []bool
		status    string
		code      int
	}{
		{"ok", feepayer.Summary{Healthy: 2}, []bool{true, true}, "ok", http.StatusOK},
		{"payer warning", feepayer.Summary{Healthy: 1, Warning: 1}, []bool{true}, "degraded", http.StatusOK},
		{"endpoint down", feepayer.Summary{Healthy: 1}, []bool{true, false}, "degraded", http.StatusOK},
		{"all payers critical", feepayer.Summary{Critical: 2}, []bool{true}, "unhealthy", http.StatusServiceUnavailable},
		{"no endpoint", feepayer.Summary{Healthy: 1}, []bool{false}, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture()
			f.payers.summary = tt.summary
			f.endpoints.healthy = tt.endpoints

			rec := f.do(t, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.code, rec.Code)
			got := decode[healthResponse](t, rec)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.summary, got.FeePayers.Summary)
			assert.Len(t, got.FeePayers.Payers, 1)
			assert.Len(t, got.RPC.Endpoints, len(tt.endpoints))
		})
	}
}

func TestStats(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()

	require.NoError(t, f.txs.Insert(ctx, &domain.TransactionRecord{Signature: "s1", FeeSolEquivalent: 100, Status: domain.TxStatusSubmitted}))
	require.NoError(t, f.txs.Insert(ctx, &domain.TransactionRecord{Signature: "s2", FeeSolEquivalent: 50, Status: domain.TxStatusSubmitted}))
	require.NoError(t, f.txs.UpdateStatus(ctx, "s1", domain.TxStatusConfirmed, 10))
	require.NoError(t, f.analytics.InsertBulk(ctx, []*domain.RevenueEvent{
		{EventID: "s1", PaymentMint: usdcMint, Amount: 7, LamportEquivalent: 100},
	}))

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[statsResponse](t, rec)
	assert.Equal(t, transactionStatsView{Total: 2, Confirmed: 1, TotalFeeLamports: 150}, got.Transactions)
	assert.Zero(t, got.TotalBurned)
	require.Len(t, got.ByAsset, 1)
	assert.Equal(t, "USDC", got.ByAsset[0].Symbol)
	assert.Equal(t, uint64(7), got.ByAsset[0].Amount)
}

func TestBurns(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()

	require.NoError(t, f.burns.Insert(ctx, &domain.RevenueEvent{EventID: "e1", PaymentMint: "m", Amount: 10}))
	require.NoError(t, f.burns.Settle(ctx, "e1", []*domain.PendingBurn{{BurnID: "b", EventID: "e1", Method: domain.BurnMethodSwap, Amount: 7}}))
	require.NoError(t, f.burns.CreateBatch(ctx, &domain.BurnBatch{BatchID: "batch", Signature: "sig", BurnIDs: []string{"b"}, Total: 7}))
	require.NoError(t, f.burns.ConfirmBatch(ctx, "batch", []*domain.BurnRecord{
		{Signature: "sig", Method: domain.BurnMethodSwap, AmountBurned: 7, TreasuryAmountRetained: 3, BatchID: "batch", CreatedAt: 99},
	}, 99))

	rec := f.do(t, http.MethodGet, "/stats/burns?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalBurned":7,"records":[{"signature":"sig","method":"swap","amountBurned":7,"treasuryAmountRetained":3,"batchId":"batch","createdAt":99}]}`, rec.Body.String())

	for _, limit := range []string{"-1", "0", "abc"} {
		rec = f.do(t, http.MethodGet, "/stats/burns?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
		assert.Equal(t, domain.CodeInvalidInput, decode[errorResponse](t, rec).Code, limit)
	}
}

func TestTreasuryStatus(t *testing.T) {
	f := newAPIFixture()
	rec := f.do(t, http.MethodGet, "/stats/treasury", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[treasury.Status](t, rec)
	assert.Equal(t, uint64(42), got.TotalBurned)

	f.deps.Treasury = nil
	rec = f.do(t, http.MethodGet, "/stats/treasury", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, domain.CodeNotConfigured, decode[errorResponse](t, rec).Code)
}

func TestMetricsKey(t *testing.T) {
	f := newAPIFixture()

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/metrics?key=wrong", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics?key=secret", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Metrics-Key", "secret")
	rec := httptest.NewRecorder()
	NewRouter(f.deps, f.cfg, zerolog.Nop()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.cfg.MetricsKey = ""
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/metrics", nil).Code)
}
