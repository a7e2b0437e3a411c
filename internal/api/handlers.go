package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/feepayer"
	"solana-gas-relay/internal/pricing"
	"solana-gas-relay/internal/quote"
	"solana-gas-relay/internal/relay"
)

const (
	defaultBurnListLimit = 50
	maxBurnListLimit     = 500
)

type quoteRequest struct {
	UserPubkey            string  `json:"userPubkey"`
	PaymentToken          string  `json:"paymentToken"`
	EstimatedComputeUnits *uint32 `json:"estimatedComputeUnits,omitempty"`
}

type tierView struct {
	Tier            string  `json:"tier"`
	Emoji           string  `json:"emoji"`
	DiscountPercent float64 `json:"discountPercent"`
}

type quoteResponse struct {
	QuoteID      string   `json:"quoteId"`
	FeePayer     string   `json:"feePayer"`
	FeeAmount    uint64   `json:"feeAmount"`
	FeeFormatted string   `json:"feeFormatted"`
	ExpiresAt    int64    `json:"expiresAt"`
	TTL          int64    `json:"ttl"` // seconds
	HolderTier   tierView `json:"holderTier"`
	Treasury     string   `json:"treasury"`
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserPubkey == "" || req.PaymentToken == "" {
		writeError(w, domain.NewError(domain.KindClient, domain.CodeMissingField, "userPubkey and paymentToken are required"))
		return
	}

	qr := quote.Request{UserPubkey: req.UserPubkey, PaymentMint: req.PaymentToken}
	if req.EstimatedComputeUnits != nil {
		qr.ComputeUnits = *req.EstimatedComputeUnits
	}

	q, err := s.Quotes.Quote(r.Context(), qr)
	if err != nil {
		writeError(w, err)
		return
	}

	asset, _ := s.Quotes.Asset(q.PaymentMint)
	var decimals uint8
	if asset != nil {
		decimals = asset.Decimals
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		QuoteID:      q.QuoteID,
		FeePayer:     q.FeePayer,
		FeeAmount:    q.FeeAmount,
		FeeFormatted: pricing.FormatAmount(q.FeeAmount, decimals),
		ExpiresAt:    q.ExpiresAt,
		TTL:          int64(s.Quotes.TTL().Seconds()),
		HolderTier:   newTierView(q.Tier),
		Treasury:     s.Quotes.Treasury(),
	})
}

type submitRequest struct {
	QuoteID     string `json:"quoteId"`
	Transaction string `json:"transaction"`
	UserPubkey  string `json:"userPubkey"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.Submitter.Submit(r.Context(), relay.SubmitRequest{
		QuoteID:     req.QuoteID,
		Transaction: req.Transaction,
		UserPubkey:  req.UserPubkey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tokenView struct {
	Mint         string  `json:"mint"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Decimals     uint8   `json:"decimals"`
	Score        int     `json:"score"`
	Markup       float64 `json:"markup"`
	FeeAmount    uint64  `json:"feeAmount"`
	FeeFormatted string  `json:"feeFormatted"`
	FeeLamports  uint64  `json:"feeLamports"`
}

// handleTokens lists known assets with the baseline-tier fee in each.
func (s *server) handleTokens(w http.ResponseWriter, r *http.Request) {
	assets := s.Quotes.Assets()
	out := make([]tokenView, 0, len(assets))
	for _, a := range assets {
		amount, lamports, err := s.Quotes.BaselineFee(a)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, tokenView{
			Mint:         a.Mint,
			Symbol:       a.Symbol,
			Name:         a.Name,
			Decimals:     a.Decimals,
			Score:        a.Score,
			Markup:       a.Markup,
			FeeAmount:    amount,
			FeeFormatted: pricing.FormatAmount(amount, a.Decimals),
			FeeLamports:  lamports,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *server) handleTokenScore(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Quotes.Asset(chi.URLParam(r, "mint"))
	if !ok {
		writeError(w, quote.ErrInvalidAsset)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mint":   a.Mint,
		"symbol": a.Symbol,
		"score":  a.Score,
		"markup": a.Markup,
	})
}

func (s *server) handleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tiers":              pricing.Ladder(),
		"maxDiscountPercent": pricing.MaxDiscount * 100,
	})
}

func (s *server) handleWalletTier(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if _, err := quote.ParseUserKey(wallet); err != nil {
		writeError(w, err)
		return
	}

	tier, err := s.Quotes.HolderTier(r.Context(), wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":          wallet,
		"tier":            tier.Name,
		"emoji":           tier.Emoji,
		"discountPercent": tier.DiscountPercent(),
		"sharePercent":    tier.Share * 100,
	})
}

func newTierView(t domain.HolderTier) tierView {
	return tierView{Tier: t.Name, Emoji: t.Emoji, DiscountPercent: t.DiscountPercent()}
}

type healthResponse struct {
	Status    string        `json:"status"` // ok | degraded | unhealthy
	FeePayers feePayersView `json:"feePayers"`
	RPC       rpcView       `json:"rpc"`
}

type feePayersView struct {
	feepayer.Summary
	Payers []domain.FeePayerStatus `json:"payers"`
}

type rpcView struct {
	Healthy   int                     `json:"healthy"`
	Endpoints []domain.EndpointStatus `json:"endpoints"`
}

// handleHealth answers 503 when no fee payer or no RPC endpoint can serve.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		FeePayers: feePayersView{
			Summary: s.FeePayers.Summary(),
			Payers:  s.FeePayers.Status(),
		},
		RPC: rpcView{Endpoints: s.Endpoints.Status()},
	}
	for _, e := range resp.RPC.Endpoints {
		if e.Healthy {
			resp.RPC.Healthy++
		}
	}

	sum := resp.FeePayers.Summary
	switch {
	case resp.RPC.Healthy == 0 || sum.Healthy+sum.Warning == 0:
		resp.Status = "unhealthy"
	case sum.Warning > 0 || sum.Critical > 0 || resp.RPC.Healthy < len(resp.RPC.Endpoints):
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type assetTotalView struct {
	PaymentMint       string `json:"paymentMint"`
	Symbol            string `json:"symbol,omitempty"`
	Count             uint64 `json:"count"`
	Amount            uint64 `json:"amount"`
	LamportEquivalent uint64 `json:"lamportEquivalent"`
}

type statsResponse struct {
	Transactions transactionStatsView `json:"transactions"`
	TotalBurned  uint64               `json:"totalBurned"`
	ByAsset      []assetTotalView     `json:"byAsset,omitempty"`
}

type transactionStatsView struct {
	Total            int64  `json:"total"`
	Confirmed        int64  `json:"confirmed"`
	Failed           int64  `json:"failed"`
	TotalFeeLamports uint64 `json:"totalFeeLamports"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.Transactions.GetStats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	burned, err := s.Burns.TotalBurned(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statsResponse{
		Transactions: transactionStatsView{
			Total:            stats.Total,
			Confirmed:        stats.Confirmed,
			Failed:           stats.Failed,
			TotalFeeLamports: stats.TotalFeeLamports,
		},
		TotalBurned: burned,
	}

	if s.Analytics != nil {
		totals, err := s.Analytics.TotalsByAsset(ctx)
		if err != nil {
			// Analytics is best effort; the ledger numbers above stand on their own.
			s.log.Warn().Err(err).Msg("fee analytics unavailable")
		}
		for _, t := range totals {
			v := assetTotalView{
				PaymentMint:       t.PaymentMint,
				Count:             t.Count,
				Amount:            t.Amount,
				LamportEquivalent: t.LamportEquivalent,
			}
			if a, ok := s.Quotes.Asset(t.PaymentMint); ok {
				v.Symbol = a.Symbol
			}
			resp.ByAsset = append(resp.ByAsset, v)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type burnRecordView struct {
	Signature              string `json:"signature"`
	Method                 string `json:"method"`
	AmountBurned           uint64 `json:"amountBurned"`
	TreasuryAmountRetained uint64 `json:"treasuryAmountRetained"`
	BatchID                string `json:"batchId"`
	CreatedAt              int64  `json:"createdAt"`
}

func (s *server) handleBurns(w http.ResponseWriter, r *http.Request) {
	limit := defaultBurnListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, domain.NewError(domain.KindClient, domain.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxBurnListLimit)
	}

	ctx := r.Context()
	records, err := s.Burns.ListBurnRecords(ctx, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.Burns.TotalBurned(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]burnRecordView, 0, len(records))
	for _, rec := range records {
		out = append(out, burnRecordView{
			Signature:              rec.Signature,
			Method:                 string(rec.Method),
			AmountBurned:           rec.AmountBurned,
			TreasuryAmountRetained: rec.TreasuryAmountRetained,
			BatchID:                rec.BatchID,
			CreatedAt:              rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalBurned": total,
		"records":     out,
	})
}

func (s *server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	if s.Treasury == nil {
		writeError(w, domain.NewError(domain.KindClient, domain.CodeNotConfigured, "treasury reporting disabled"))
		return
	}
	st, err := s.Treasury.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
