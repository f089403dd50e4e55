package core

import (
	"errors"

	"github.com/jo-hoe/pixelmarket/internal/upload"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrAmountMismatch        = errors.New("amount does not match image price")
	ErrSelfPurchase          = errors.New("buyer owns the image")
	ErrImageNotFound         = errors.New("image not found")
	ErrProfileNotFound       = errors.New("profile not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionNotSettled = errors.New("transaction not completed")
	ErrTokenNotFound         = errors.New("token not found")
	ErrTokenAlreadyUsed      = errors.New("token already used")
	ErrTokenExpired          = errors.New("token expired")
	ErrPaymentRefConflict    = errors.New("payment reference already used for a different purchase")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrInvalidReference      = errors.New("invalid asset reference")
	ErrReferenceExpired      = errors.New("asset reference expired")
)

// Kind groups domain errors by how a caller should react to them
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// KindOf classifies err by the first domain sentinel found in its chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrSelfPurchase),
		errors.Is(err, ErrInvalidReference):
		return KindValidation
	case errors.Is(err, ErrImageNotFound),
		errors.Is(err, ErrProfileNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrTransactionNotSettled),
		errors.Is(err, ErrTokenNotFound):
		return KindNotFound
	case errors.Is(err, ErrTokenAlreadyUsed),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrPaymentRefConflict),
		errors.Is(err, ErrReferenceExpired):
		return KindConflict
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, upload.ErrUploadFailed):
		return KindUnavailable
	default:
		return KindInternal
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrAmountMismatch, "amount_mismatch"},
	{ErrSelfPurchase, "self_purchase"},
	{ErrImageNotFound, "image_not_found"},
	{ErrProfileNotFound, "profile_not_found"},
	{ErrTransactionNotFound, "transaction_not_found"},
	{ErrTransactionNotSettled, "transaction_not_settled"},
	{ErrTokenNotFound, "token_not_found"},
	{ErrTokenExpired, "token_expired"},
	{ErrTokenAlreadyUsed, "token_already_used"},
	{ErrPaymentRefConflict, "payment_ref_conflict"},
	{ErrInvalidReference, "invalid_reference"},
	{ErrReferenceExpired, "reference_expired"},
	{ErrStorageUnavailable, "storage_unavailable"},
	{upload.ErrUploadFailed, "upload_failed"},
}

// ErrorCode returns the stable machine-readable code for err, "internal" if
// it carries no domain sentinel.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
