package validator

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/solana"
)

// Instruction discriminators.
const (
	systemTransfer       = 2  // u32 LE
	tokenTransfer        = 3  // u8
	tokenTransferChecked = 12 // u8
)

// FeePaid sums the amounts the transaction moves into the treasury in
// paymentMint. Native payments are system transfers to the treasury wallet;
// token payments are Transfer/TransferChecked into the treasury's associated
// token account. Transfers funded by the fee payer are not counted.
func FeePaid(tx *solanago.Transaction, paymentMint string, treasury, feePayer solanago.PublicKey) (uint64, error) {
	var native bool
	var mint solanago.PublicKey
	if paymentMint == domain.NativeMint {
		native = true
	} else {
		m, err := solanago.PublicKeyFromBase58(paymentMint)
		if err != nil {
			return 0, fmt.Errorf("invalid payment mint %q", paymentMint)
		}
		mint = m
	}

	var destinations []solanago.PublicKey
	if !native {
		var err error
		destinations, err = TreasuryTokenAccounts(treasury, mint)
		if err != nil {
			return 0, err
		}
	}

	var total uint64
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(ix.ProgramIDIndex)
		if err != nil {
			continue
		}
		accounts := resolveAccounts(tx, ix.Accounts)

		switch {
		case native && program.Equals(solana.SystemProgramID):
			amount, ok := decodeSystemTransfer(ix.Data, accounts, treasury, feePayer)
			if ok {
				total += amount
			}
		case !native && (program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID)):
			amount, ok := decodeTokenTransfer(ix.Data, accounts, mint, destinations, feePayer)
			if ok {
				total += amount
			}
		}
	}
	return total, nil
}

// TreasuryTokenAccounts returns the treasury's associated token accounts for
// mint under both token programs.
func TreasuryTokenAccounts(treasury, mint solanago.PublicKey) ([]solanago.PublicKey, error) {
	var out []solanago.PublicKey
	for _, program := range []solanago.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		addr, err := solana.AssociatedTokenAddress(treasury, mint, program)
		if err != nil {
			return nil, fmt.Errorf("derive treasury token account: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// resolveAccounts maps instruction account indexes to static account keys.
// Indexes into address lookup tables resolve to the zero key.
func resolveAccounts(tx *solanago.Transaction, idx []uint16) []solanago.PublicKey {
	out := make([]solanago.PublicKey, len(idx))
	for i, j := range idx {
		if int(j) < len(tx.Message.AccountKeys) {
			out[i] = tx.Message.AccountKeys[j]
		}
	}
	return out
}

// decodeSystemTransfer reads Transfer { lamports: u64 } with accounts [from, to].
func decodeSystemTransfer(data []byte, accounts []solanago.PublicKey, treasury, feePayer solanago.PublicKey) (uint64, bool) {
	if len(accounts) < 2 || !accounts[1].Equals(treasury) || accounts[0].Equals(feePayer) {
		return 0, false
	}
	dec := bin.NewBinDecoder(data)
	kind, err := dec.ReadUint32(bin.LE)
	if err != nil || kind != systemTransfer {
		return 0, false
	}
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return 0, false
	}
	return lamports, true
}

// decodeTokenTransfer reads Transfer { amount: u64 } with accounts
// [source, destination, owner] or TransferChecked { amount: u64, decimals: u8 }
// with accounts [source, mint, destination, owner].
func decodeTokenTransfer(data []byte, accounts []solanago.PublicKey, mint solanago.PublicKey, destinations []solanago.PublicKey, feePayer solanago.PublicKey) (uint64, bool) {
	dec := bin.NewBinDecoder(data)
	kind, err := dec.ReadUint8()
	if err != nil {
		return 0, false
	}

	var dest, owner solanago.PublicKey
	switch kind {
	case tokenTransfer:
		if len(accounts) < 3 {
			return 0, false
		}
		dest, owner = accounts[1], accounts[2]
	case tokenTransferChecked:
		if len(accounts) < 4 || !accounts[1].Equals(mint) {
			return 0, false
		}
		dest, owner = accounts[2], accounts[3]
	default:
		return 0, false
	}

	if owner.Equals(feePayer) || !contains(destinations, dest) {
		return 0, false
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return 0, false
	}
	return amount, true
}

func contains(keys []solanago.PublicKey, k solanago.PublicKey) bool {
	for _, c := range keys {
		if c.Equals(k) {
			return true
		}
	}
	return false
}
