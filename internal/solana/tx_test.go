package solana

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var (
	testMint  = solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testOwner = solanago.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
)

// tokenAccountData builds base64 account data with the SPL base layout.
func tokenAccountData(t *testing.T, mint, owner solanago.PublicKey, amount uint64) string {
	t.Helper()
	buf := make([]byte, 165)
	copy(buf[0:32], mint[:])
	copy(buf[32:64], owner[:])
	binary.LittleEndian.PutUint64(buf[64:72], amount)
	return base64.StdEncoding.EncodeToString(buf)
}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	return k
}

func TestParseTokenAccount(t *testing.T) {
	acc, err := ParseTokenAccount(tokenAccountData(t, testMint, testOwner, 123456789))
	if err != nil {
		t.Fatalf("ParseTokenAccount: %v", err)
	}

	if acc.Mint != testMint.String() {
		t.Errorf("mint mismatch: %s", acc.Mint)
	}
	if acc.Owner != testOwner.String() {
		t.Errorf("owner mismatch: %s", acc.Owner)
	}
	if acc.Amount != 123456789 {
		t.Errorf("amount mismatch: %d", acc.Amount)
	}
}

func TestParseTokenAccount_Short(t *testing.T) {
	_, err := ParseTokenAccount(base64.StdEncoding.EncodeToString(make([]byte, 40)))
	if err == nil {
		t.Fatal("expected error for short data")
	}
}

func TestDecodeAndCoSign(t *testing.T) {
	feePayer := newKey(t)
	user := newKey(t)

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(1000, user.PublicKey(), testOwner).Build(),
		},
		solanago.Hash{1, 2, 3},
		solanago.TransactionPayer(feePayer.PublicKey()),
	)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
	if err := CoSign(tx, user); err != nil {
		t.Fatalf("user sign: %v", err)
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("EncodeTransaction: %v", err)
	}

	decoded, err := DecodeTransaction(encoded)
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}

	if !FeePayer(decoded).Equals(feePayer.PublicKey()) {
		t.Errorf("fee payer mismatch: %s", FeePayer(decoded))
	}
	if !IsEmptySignature(decoded.Signatures[0]) {
		t.Error("fee payer slot should be empty before co-signing")
	}

	userIdx := SignerIndex(decoded, user.PublicKey())
	if userIdx != 1 {
		t.Fatalf("expected user at signer index 1, got %d", userIdx)
	}

	msg, err := decoded.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	if !VerifySignature(user.PublicKey(), msg, decoded.Signatures[userIdx]) {
		t.Error("user signature should verify")
	}

	if err := CoSign(decoded, feePayer); err != nil {
		t.Fatalf("CoSign: %v", err)
	}
	if !VerifySignature(feePayer.PublicKey(), msg, decoded.Signatures[0]) {
		t.Error("fee payer signature should verify after co-signing")
	}

	if SignerIndex(decoded, testOwner) != -1 {
		t.Error("non-signer should have index -1")
	}
}

func TestDecodeTransaction_Garbage(t *testing.T) {
	if _, err := DecodeTransaction("not base64!"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := DecodeTransaction(base64.StdEncoding.EncodeToString([]byte{0xff, 0x01})); err == nil {
		t.Error("expected decode error")
	}
}

func TestIsOnCurve(t *testing.T) {
	if !IsOnCurve(newKey(t).PublicKey()) {
		t.Error("wallet key should be on curve")
	}

	ata, _, err := solanago.FindAssociatedTokenAddress(testOwner, testMint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress: %v", err)
	}
	if IsOnCurve(ata) {
		t.Error("associated token address should be off curve")
	}
}

func TestAssociatedTokenAddress(t *testing.T) {
	want, _, err := solanago.FindAssociatedTokenAddress(testOwner, testMint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress: %v", err)
	}
	got, err := AssociatedTokenAddress(testOwner, testMint, TokenProgramID)
	if err != nil {
		t.Fatalf("AssociatedTokenAddress: %v", err)
	}
	if got != want {
		t.Errorf("AssociatedTokenAddress = %s, want %s", got, want)
	}

	other, err := AssociatedTokenAddress(testOwner, testMint, Token2022ProgramID)
	if err != nil {
		t.Fatalf("AssociatedTokenAddress: %v", err)
	}
	if other == got {
		t.Error("token-2022 account should differ from the classic one")
	}
}
