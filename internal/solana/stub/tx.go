package stub

import (
	solanago "github.com/gagliardetto/solana-go"

	"solana-gas-relay/internal/solana"
)

// TestBlockhash is the recent blockhash used by UserTransaction.
var TestBlockhash = solanago.Hash{7, 7, 7}

// UserTransaction builds a transaction paid by feePayer and signed only by user,
// leaving the fee payer's signature slot empty.
func UserTransaction(feePayer solanago.PublicKey, user solanago.PrivateKey, instrs ...solanago.Instruction) (*solanago.Transaction, error) {
	tx, err := solanago.NewTransaction(instrs, TestBlockhash, solanago.TransactionPayer(feePayer))
	if err != nil {
		return nil, err
	}
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
	if err := solana.CoSign(tx, user); err != nil {
		return nil, err
	}
	return tx, nil
}

// EncodedUserTransaction is UserTransaction serialized to base64.
func EncodedUserTransaction(feePayer solanago.PublicKey, user solanago.PrivateKey, instrs ...solanago.Instruction) (string, error) {
	tx, err := UserTransaction(feePayer, user, instrs...)
	if err != nil {
		return "", err
	}
	return solana.EncodeTransaction(tx)
}
