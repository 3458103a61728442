package escrow

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/signature"
	"EscrowLedger/internal/token"
	"errors"
)

var (
	ErrInvalidAmount  = errors.New("amount must be positive and within ledger range")
	ErrSameAsset      = errors.New("offered and requested assets must differ")
	ErrAssetMismatch  = errors.New("asset does not match escrow terms")
	ErrTermsMismatch  = errors.New("signed amounts do not match escrow terms")
	ErrSelfTake       = errors.New("maker cannot take own escrow")
	ErrEscrowExists   = errors.New("escrow already exists for maker and seed")
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrUnauthorized   = errors.New("only the maker may refund")
	ErrWrongProgram   = errors.New("instruction addressed to another program")
	ErrCorruptEscrow  = errors.New("escrow state is inconsistent")
)

// Kind groups errors by how a caller should react to them.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindAuthorization
	KindNotFound
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindResource:
		return "resource"
	default:
		return "internal"
	}
}

// Classify maps any error returned by the ledger stack to its Kind.
// Unrecognized errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrCorruptEscrow):
		return KindInternal
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAsset),
		errors.Is(err, ErrAssetMismatch),
		errors.Is(err, ErrTermsMismatch),
		errors.Is(err, ErrSelfTake),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, ledger.ErrDecimalsMismatch),
		errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrAmountOverflow):
		return KindValidation
	case errors.Is(err, ErrEscrowExists):
		return KindConflict
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrWrongProgram),
		errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, token.ErrOwnerMismatch),
		errors.Is(err, authority.ErrInvalidSigner):
		return KindAuthorization
	case errors.Is(err, ErrEscrowNotFound):
		return KindNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrBalanceOverflow):
		return KindResource
	default:
		return KindInternal
	}
}
