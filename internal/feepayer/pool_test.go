package feepayer

import (
	"context"
	"errors"
	"sync"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/solana"
	"solana-gas-relay/internal/solana/stub"
)

func testKeys(t *testing.T, n int) []solanago.PrivateKey {
	t.Helper()
	keys := make([]solanago.PrivateKey, n)
	for i := range keys {
		k, err := solanago.NewRandomPrivateKey()
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

func newTestPool(t *testing.T, n int) (*Pool, *stub.RPCClient, []solanago.PrivateKey) {
	t.Helper()
	rpc := stub.NewRPCClient()
	keys := testKeys(t, n)
	p, err := New(keys, rpc, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return p, rpc, keys
}

func TestNew_Validation(t *testing.T) {
	rpc := stub.NewRPCClient()

	_, err := New(nil, rpc, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)

	keys := testKeys(t, 1)
	_, err = New([]solanago.PrivateKey{keys[0], keys[0]}, rpc, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.CriticalLamports = cfg.WarningLamports
	_, err = New(keys, rpc, cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestConfig_Classify(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, domain.HealthHealthy, cfg.Classify(domain.LamportsPerSOL))
	assert.Equal(t, domain.HealthHealthy, cfg.Classify(cfg.WarningLamports))
	assert.Equal(t, domain.HealthWarning, cfg.Classify(cfg.WarningLamports-1))
	assert.Equal(t, domain.HealthWarning, cfg.Classify(cfg.CriticalLamports))
	assert.Equal(t, domain.HealthCritical, cfg.Classify(cfg.CriticalLamports-1))
	assert.Equal(t, domain.HealthCritical, cfg.Classify(0))
}

func TestReserve_LeastReserved(t *testing.T) {
	p, _, keys := newTestPool(t, 3)

	seen := make(map[solanago.PublicKey]int)
	for i := 0; i < 6; i++ {
		pub, err := p.Reserve()
		require.NoError(t, err)
		seen[pub]++
	}

	for _, k := range keys {
		assert.Equal(t, 2, seen[k.PublicKey()], "reservations should spread evenly")
	}
}

func TestReserve_SkipsCritical(t *testing.T) {
	p, rpc, keys := newTestPool(t, 2)
	rpc.SetBalance(keys[0].PublicKey().String(), 0)
	rpc.SetBalance(keys[1].PublicKey().String(), domain.LamportsPerSOL)
	require.NoError(t, p.Refresh(context.Background()))

	for i := 0; i < 5; i++ {
		pub, err := p.Reserve()
		require.NoError(t, err)
		assert.Equal(t, keys[1].PublicKey(), pub)
	}
}

func TestReserve_PrefersHealthyOverWarning(t *testing.T) {
	p, rpc, keys := newTestPool(t, 2)
	cfg := DefaultConfig()
	rpc.SetBalance(keys[0].PublicKey().String(), cfg.CriticalLamports)
	rpc.SetBalance(keys[1].PublicKey().String(), cfg.WarningLamports)
	require.NoError(t, p.Refresh(context.Background()))

	for i := 0; i < 3; i++ {
		pub, err := p.Reserve()
		require.NoError(t, err)
		assert.Equal(t, keys[1].PublicKey(), pub)
	}
}

func TestReserve_AllCritical(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	// unset balances read as zero
	require.NoError(t, p.Refresh(context.Background()))

	_, err := p.Reserve()
	assert.ErrorIs(t, err, ErrNoAvailableFeePayer)
}

func TestRefresh_ForeignAssetIsCritical(t *testing.T) {
	p, rpc, keys := newTestPool(t, 1)
	pub := keys[0].PublicKey().String()
	rpc.SetBalance(pub, 10*domain.LamportsPerSOL)
	rpc.TokenAccounts[pub] = []solana.TokenAccount{
		{Address: "acct", Mint: "SomeMint", Owner: pub, Amount: 5},
	}

	require.NoError(t, p.Refresh(context.Background()))

	status := p.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "critical", status[0].Health)
	assert.True(t, status[0].ForeignAsset)

	_, err := p.Reserve()
	assert.ErrorIs(t, err, ErrNoAvailableFeePayer)
}

func TestRefresh_EmptyTokenAccountIgnored(t *testing.T) {
	p, rpc, keys := newTestPool(t, 1)
	pub := keys[0].PublicKey().String()
	rpc.SetBalance(pub, 10*domain.LamportsPerSOL)
	rpc.TokenAccounts[pub] = []solana.TokenAccount{
		{Address: "acct", Mint: "SomeMint", Owner: pub, Amount: 0},
	}

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, "healthy", p.Status()[0].Health)
}

func TestRefresh_FailureKeepsSnapshot(t *testing.T) {
	p, rpc, keys := newTestPool(t, 1)
	pub := keys[0].PublicKey().String()
	rpc.SetBalance(pub, 2*domain.LamportsPerSOL)
	require.NoError(t, p.Refresh(context.Background()))

	rpc.Err = errors.New("node down")
	assert.Error(t, p.Refresh(context.Background()))

	bal, ok := p.Balance(keys[0].PublicKey())
	require.True(t, ok)
	assert.Equal(t, uint64(2*domain.LamportsPerSOL), bal)
	assert.Equal(t, "healthy", p.Status()[0].Health)
}

func TestRelease_NeverNegative(t *testing.T) {
	p, _, keys := newTestPool(t, 1)
	pub := keys[0].PublicKey()

	p.Release(pub)
	assert.Equal(t, 0, p.Status()[0].Reservations)

	_, err := p.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status()[0].Reservations)

	p.Release(pub)
	p.Release(pub)
	assert.Equal(t, 0, p.Status()[0].Reservations)
}

func TestReserve_ConcurrentBalanced(t *testing.T) {
	p, _, _ := newTestPool(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Reserve()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range p.Status() {
		assert.Equal(t, 25, s.Reservations)
		total += s.Reservations
	}
	assert.Equal(t, 100, total)
}

func TestSigner(t *testing.T) {
	p, _, keys := newTestPool(t, 1)

	k, err := p.Signer(keys[0].PublicKey())
	require.NoError(t, err)
	assert.Equal(t, keys[0], k)
	assert.True(t, p.Owns(keys[0].PublicKey()))

	other := testKeys(t, 1)[0]
	_, err = p.Signer(other.PublicKey())
	assert.ErrorIs(t, err, ErrUnknownFeePayer)
	assert.False(t, p.Owns(other.PublicKey()))
}

func TestSummary(t *testing.T) {
	p, rpc, keys := newTestPool(t, 3)
	cfg := DefaultConfig()
	rpc.SetBalance(keys[0].PublicKey().String(), cfg.WarningLamports)
	rpc.SetBalance(keys[1].PublicKey().String(), cfg.CriticalLamports)
	require.NoError(t, p.Refresh(context.Background()))

	assert.Equal(t, Summary{Healthy: 1, Warning: 1, Critical: 1}, p.Summary())
}

func TestLoadKey(t *testing.T) {
	k := testKeys(t, 1)[0]

	got, err := LoadKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), got.PublicKey())

	_, err = LoadKey("not-a-key")
	assert.Error(t, err)
}
