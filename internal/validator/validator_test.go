package validator

import (
	"context"
	"errors"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/solana/stub"
	"solana-gas-relay/internal/storage/memory"
)

const (
	feeLamports  = 21187
	payerBalance = 2 * domain.LamportsPerSOL
)

var usdc = solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

type fixture struct {
	v        *Validator
	rpc      *stub.RPCClient
	feePayer solanago.PrivateKey
	user     solanago.PrivateKey
	treasury solanago.PublicKey
}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return k
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rpc:      stub.NewRPCClient(),
		feePayer: newKey(t),
		user:     newKey(t),
		treasury: newKey(t).PublicKey(),
	}
	f.rpc.SetBalance(f.feePayer.PublicKey().String(), payerBalance)
	f.v = New(f.rpc, memory.NewReplayGuard(), Config{
		LamportsPerSignature: 5000,
		DefaultComputeUnits:  200_000,
		Treasury:             f.treasury,
	}, zerolog.Nop())
	return f
}

func (f *fixture) quote(id string) *domain.Quote {
	return &domain.Quote{
		QuoteID:     id,
		UserPubkey:  f.user.PublicKey().String(),
		PaymentMint: domain.NativeMint,
		FeeAmount:   feeLamports,
		FeeLamports: feeLamports,
		NetworkFee:  10_000, // fee payer and user signatures
		FeePayer:    f.feePayer.PublicKey().String(),
	}
}

func (f *fixture) payFee(amount uint64) solanago.Instruction {
	return system.NewTransferInstruction(amount, f.user.PublicKey(), f.treasury).Build()
}

func (f *fixture) tx(t *testing.T, instrs ...solanago.Instruction) *solanago.Transaction {
	t.Helper()
	tx, err := stub.UserTransaction(f.feePayer.PublicKey(), f.user, instrs...)
	require.NoError(t, err)
	return tx
}

// simulateLoss makes the fee payer lose delta lamports in simulation.
func (f *fixture) simulateLoss(delta uint64) {
	f.rpc.SimulateFunc = func(_ string, accounts []string) (*solana.SimulationResult, error) {
		return &solana.SimulationResult{Accounts: []*solana.AccountInfo{{Lamports: payerBalance - delta}}}, nil
	}
}

func assertRejected(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr), "want *domain.Error, got %T", err)
	assert.Equal(t, code, derr.Code, derr.Message)
	assert.Equal(t, domain.KindRejection, derr.Kind)
}

func TestValidate_Accepts(t *testing.T) {
	f := newFixture(t)
	f.simulateLoss(10_000)

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports)), f.quote("q1"))
	assert.NoError(t, err)
}

func TestValidate_PayerMismatch(t *testing.T) {
	f := newFixture(t)
	other := newKey(t)

	tx, err := stub.UserTransaction(other.PublicKey(), f.user, f.payFee(feeLamports))
	require.NoError(t, err)

	assertRejected(t, f.v.Validate(context.Background(), tx, f.quote("q1")), domain.CodePayerMismatch)
	assert.Equal(t, 0, f.rpc.CallCount("simulateTransaction"))
}

func TestValidate_UnsignedOrMissigned(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, f *fixture) *solanago.Transaction
	}{
		{
			name: "user did not sign",
			build: func(t *testing.T, f *fixture) *solanago.Transaction {
				tx := f.tx(t, f.payFee(feeLamports))
				tx.Signatures[solana.SignerIndex(tx, f.user.PublicKey())] = solanago.Signature{}
				return tx
			},
		},
		{
			name: "user signature invalid",
			build: func(t *testing.T, f *fixture) *solanago.Transaction {
				tx := f.tx(t, f.payFee(feeLamports))
				tx.Signatures[solana.SignerIndex(tx, f.user.PublicKey())][0] ^= 0xff
				return tx
			},
		},
		{
			name: "fee payer already signed",
			build: func(t *testing.T, f *fixture) *solanago.Transaction {
				tx := f.tx(t, f.payFee(feeLamports))
				require.NoError(t, solana.CoSign(tx, f.feePayer))
				return tx
			},
		},
		{
			name: "user not a signer",
			build: func(t *testing.T, f *fixture) *solanago.Transaction {
				stranger := newKey(t)
				ix := system.NewTransferInstruction(feeLamports, stranger.PublicKey(), f.treasury).Build()
				tx, err := stub.UserTransaction(f.feePayer.PublicKey(), stranger, ix)
				require.NoError(t, err)
				return tx
			},
		},
		{
			name: "only fee payer required",
			build: func(t *testing.T, f *fixture) *solanago.Transaction {
				ix := solanago.NewInstruction(solana.SystemProgramID, solanago.AccountMetaSlice{
					solanago.Meta(f.treasury).WRITE(),
				}, []byte{2, 0, 0, 0})
				tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, stub.TestBlockhash, solanago.TransactionPayer(f.feePayer.PublicKey()))
				require.NoError(t, err)
				tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
				return tx
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.v.Validate(context.Background(), tt.build(t, f), f.quote("q1"))
			assertRejected(t, err, domain.CodeUnsignedOrMissigned)
		})
	}
}

func TestValidate_UnknownProgramAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	// balance delta is harmless and the blockhash is expired: the allow-list still wins
	f.simulateLoss(0)
	f.rpc.InvalidHashes[stub.TestBlockhash.String()] = true

	rogue := solanago.NewInstruction(newKey(t).PublicKey(), solanago.AccountMetaSlice{
		solanago.Meta(f.user.PublicKey()).SIGNER().WRITE(),
	}, []byte{1, 2, 3})

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports), rogue), f.quote("q1"))
	assertRejected(t, err, domain.CodeUnknownProgram)
	assert.Equal(t, 0, f.rpc.CallCount("isBlockhashValid"), "later checks must not run")
}

func TestValidate_FeeNotPaid(t *testing.T) {
	tests := []struct {
		name  string
		instr func(t *testing.T, f *fixture) solanago.Instruction
	}{
		{"underpaid", func(t *testing.T, f *fixture) solanago.Instruction {
			return f.payFee(feeLamports - 1)
		}},
		{"wrong recipient", func(t *testing.T, f *fixture) solanago.Instruction {
			return system.NewTransferInstruction(feeLamports, f.user.PublicKey(), newKey(t).PublicKey()).Build()
		}},
		{"paid by fee payer", func(t *testing.T, f *fixture) solanago.Instruction {
			return system.NewTransferInstruction(feeLamports, f.feePayer.PublicKey(), f.treasury).Build()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			// keep the user a signer in every variant
			touch := system.NewTransferInstruction(0, f.user.PublicKey(), f.user.PublicKey()).Build()
			err := f.v.Validate(context.Background(), f.tx(t, touch, tt.instr(t, f)), f.quote("q1"))
			assertRejected(t, err, domain.CodeFeeNotPaid)
		})
	}
}

func TestValidate_FeeSplitAcrossTransfers(t *testing.T) {
	f := newFixture(t)

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports-100), f.payFee(100)), f.quote("q1"))
	assert.NoError(t, err)
}

func TestValidate_TokenFee(t *testing.T) {
	f := newFixture(t)
	q := f.quote("q1")
	q.PaymentMint = usdc.String()
	q.FeeAmount = 3179

	dests, err := TreasuryTokenAccounts(f.treasury, usdc)
	require.NoError(t, err)
	userATA, _, err := solanago.FindAssociatedTokenAddress(f.user.PublicKey(), usdc)
	require.NoError(t, err)
	require.Equal(t, dests[0], mustATA(t, f.treasury, usdc))

	pay := token.NewTransferCheckedInstruction(3179, 6, userATA, usdc, dests[0], f.user.PublicKey(), nil).Build()
	assert.NoError(t, f.v.Validate(context.Background(), f.tx(t, pay), q))

	q2 := *q
	q2.QuoteID = "q2"
	short := token.NewTransferCheckedInstruction(3178, 6, userATA, usdc, dests[0], f.user.PublicKey(), nil).Build()
	assertRejected(t, f.v.Validate(context.Background(), f.tx(t, short), &q2), domain.CodeFeeNotPaid)
}

func mustATA(t *testing.T, owner, mint solanago.PublicKey) solanago.PublicKey {
	t.Helper()
	addr, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	return addr
}

func TestValidate_BlockhashExpired(t *testing.T) {
	f := newFixture(t)
	f.rpc.InvalidHashes[stub.TestBlockhash.String()] = true

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports)), f.quote("q1"))
	assertRejected(t, err, domain.CodeBlockhashExpired)
	assert.Equal(t, 0, f.rpc.CallCount("simulateTransaction"))
}

func TestValidate_BalanceDeltaBound(t *testing.T) {
	f := newFixture(t)
	tx := f.tx(t, f.payFee(feeLamports))
	limit := f.v.NetworkFee(tx, f.quote("q"))
	require.Equal(t, uint64(10_000), limit, "two signatures at 5000 lamports")

	f.simulateLoss(limit + 1)
	assertRejected(t, f.v.Validate(context.Background(), tx, f.quote("q1")), domain.CodeUnauthorizedBalanceChange)

	// a rejected transaction is not marked seen, so the same bytes pass once the delta is fine
	f.simulateLoss(limit)
	assert.NoError(t, f.v.Validate(context.Background(), tx, f.quote("q2")))
}

func TestValidate_ExtraSignersExceedQuotedFee(t *testing.T) {
	f := newFixture(t)
	instrs := []solanago.Instruction{f.payFee(feeLamports)}
	var extra []solanago.PrivateKey
	for i := 0; i < 6; i++ {
		k := newKey(t)
		extra = append(extra, k)
		instrs = append(instrs, system.NewTransferInstruction(0, k.PublicKey(), f.user.PublicKey()).Build())
	}
	tx := f.tx(t, instrs...)
	for _, k := range extra {
		require.NoError(t, solana.CoSign(tx, k))
	}
	require.Equal(t, uint8(8), tx.Message.Header.NumRequiredSignatures)
	f.simulateLoss(40_000)

	err := f.v.Validate(context.Background(), tx, f.quote("q1"))
	assertRejected(t, err, domain.CodeUnauthorizedBalanceChange)
	assert.Contains(t, err.Error(), "8 signatures")
	assert.Equal(t, 0, f.rpc.CallCount("simulateTransaction"))

	// a quote priced for eight signatures covers the same transaction
	q := f.quote("q2")
	q.NetworkFee = 40_000
	assert.NoError(t, f.v.Validate(context.Background(), tx, q))
}

func TestValidate_ComputeSurchargeRaisesAllowance(t *testing.T) {
	f := newFixture(t)
	f.v.cfg.MicroLamportsPerCU = 1_000_000
	tx := f.tx(t, f.payFee(feeLamports))
	q := f.quote("q1")
	q.ComputeUnits = 300_000

	assert.Equal(t, uint64(10_000+100_000), f.v.NetworkFee(tx, q))
}

func TestValidate_SimulationFailed(t *testing.T) {
	f := newFixture(t)
	f.rpc.Simulation = &solana.SimulationResult{
		Err:  map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
		Logs: []string{"Program log: insufficient funds"},
	}

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports)), f.quote("q1"))
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.CodeSimulationFailed, derr.Code)
	assert.Equal(t, domain.KindUpstream, derr.Kind)
	assert.Contains(t, derr.Message, "insufficient funds")
}

func TestValidate_RPCError(t *testing.T) {
	f := newFixture(t)
	f.rpc.Err = errors.New("connection refused")

	err := f.v.Validate(context.Background(), f.tx(t, f.payFee(feeLamports)), f.quote("q1"))
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.CodeRPCUnavailable, derr.Code)
	assert.Equal(t, domain.KindUpstream, derr.Kind)
}

func TestValidate_ReplayAcrossQuotes(t *testing.T) {
	f := newFixture(t)
	tx := f.tx(t, f.payFee(feeLamports))

	require.NoError(t, f.v.Validate(context.Background(), tx, f.quote("q1")))
	assertRejected(t, f.v.Validate(context.Background(), tx, f.quote("q2")), domain.CodeReplayDetected)
}

func TestFeePaid_IgnoresOtherPrograms(t *testing.T) {
	f := newFixture(t)
	tx := f.tx(t, f.payFee(500), f.payFee(700))

	paid, err := FeePaid(tx, domain.NativeMint, f.treasury, f.feePayer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), paid)

	paid, err = FeePaid(tx, usdc.String(), f.treasury, f.feePayer.PublicKey())
	require.NoError(t, err)
	assert.Zero(t, paid, "lamports do not pay a token-denominated fee")

	_, err = FeePaid(tx, "bad mint", f.treasury, f.feePayer.PublicKey())
	assert.Error(t, err)
}
