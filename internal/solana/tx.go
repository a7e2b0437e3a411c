package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Well-known program ids.
var (
	SystemProgramID          = solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	TokenProgramID           = solanago.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = solanago.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = solanago.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID   = solanago.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	JupiterV6ProgramID       = solanago.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
)

// ErrShortAccountData is returned when token account data is smaller than the base layout.
var ErrShortAccountData = errors.New("token account data too short")

// tokenAccountBaseLen is mint(32) | owner(32) | amount(8).
const tokenAccountBaseLen = 72

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(encoded string) (*solanago.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 || int(tx.Message.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, fmt.Errorf("decode transaction: signature count does not match header")
	}
	return tx, nil
}

// EncodeTransaction serializes a transaction to base64 wire format.
func EncodeTransaction(tx *solanago.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FeePayer returns the transaction's declared fee payer (first account key).
func FeePayer(tx *solanago.Transaction) solanago.PublicKey {
	return tx.Message.AccountKeys[0]
}

// SignerIndex returns the signature slot of key, or -1 if key is not a required signer.
func SignerIndex(tx *solanago.Transaction, key solanago.PublicKey) int {
	n := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(key) {
			return i
		}
	}
	return -1
}

// IsEmptySignature reports whether a signature slot is still unset.
func IsEmptySignature(sig solanago.Signature) bool {
	return sig == solanago.Signature{}
}

// VerifySignature checks sig over the serialized message for key.
func VerifySignature(key solanago.PublicKey, message []byte, sig solanago.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(key[:]), message, sig[:])
}

// CoSign signs the message with signer and stores the signature in signer's slot.
func CoSign(tx *solanago.Transaction, signer solanago.PrivateKey) error {
	idx := SignerIndex(tx, signer.PublicKey())
	if idx < 0 {
		return fmt.Errorf("co-sign: %s is not a required signer", signer.PublicKey())
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("co-sign: marshal message: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("co-sign: %w", err)
	}
	tx.Signatures[idx] = sig
	return nil
}

// AssociatedTokenAddress derives owner's associated token account for mint under
// the given token program.
func AssociatedTokenAddress(owner, mint, tokenProgram solanago.PublicKey) (solanago.PublicKey, error) {
	addr, _, err := solanago.FindProgramAddress([][]byte{
		owner[:],
		tokenProgram[:],
		mint[:],
	}, AssociatedTokenProgramID)
	return addr, err
}

// IsOnCurve reports whether key is a valid ed25519 point, i.e. a key a wallet can sign for.
// Program derived addresses are off the curve.
func IsOnCurve(key solanago.PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}

// ParseTokenAccount decodes the base layout of an SPL or Token-2022 account.
// Token account layout: mint(32) | owner(32) | amount(8) | ...
func ParseTokenAccount(data string) (*TokenAccount, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode token account data: %w", err)
	}
	if len(decoded) < tokenAccountBaseLen {
		return nil, fmt.Errorf("%w: %d", ErrShortAccountData, len(decoded))
	}

	amount, err := bin.NewBinDecoder(decoded[64:72]).ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("decode token amount: %w", err)
	}

	return &TokenAccount{
		Mint:   base58.Encode(decoded[:32]),
		Owner:  base58.Encode(decoded[32:64]),
		Amount: amount,
	}, nil
}
