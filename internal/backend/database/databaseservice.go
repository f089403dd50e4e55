package database

import (
	"context"
	"time"
)

// TokenStore persists download tokens. ClaimToken must be a single atomic
// check-and-set against the backing store.
type TokenStore interface {
	// CreateToken inserts a token. It returns ErrAlreadyExists when a token for
	// the same transaction (or with the same value) is already stored.
	CreateToken(ctx context.Context, token *DownloadToken) error
	FindTokenByValue(ctx context.Context, value string) (*DownloadToken, error)
	FindTokenByTransaction(ctx context.Context, transactionID string) (*DownloadToken, error)
	// ClaimToken marks the token used if it exists, is unused and has not
	// expired at now. Failures are ErrNotFound, ErrTokenExpired or ErrTokenUsed,
	// with expiry taking precedence over the used flag.
	ClaimToken(ctx context.Context, value string, now time.Time) (*DownloadToken, error)
	Close() error
}

type DatabaseService interface {
	CreateDatabase(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	CreateProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	// UpdateProfile changes display name and bio only; balance is never written here.
	UpdateProfile(ctx context.Context, profile *Profile) error
	// CreditProfile is a standalone balance write. Purchases credit sellers
	// through SettleTransaction instead.
	CreditProfile(ctx context.Context, id string, amount int64) error

	CreateImage(ctx context.Context, image *Image) error
	GetImage(ctx context.Context, id string) (*Image, error)
	UpdateImagePrice(ctx context.Context, id string, price int64) error
	// IncrementDownloads is a standalone counter write. Settlement increments
	// the counter inside SettleTransaction.
	IncrementDownloads(ctx context.Context, id string) error

	// CreateTransaction stores tx as given. Settlement never goes through here;
	// it inserts completed transactions with SettleTransaction.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindTransactionByPaymentRef(ctx context.Context, ref string) (*Transaction, error)
	// MarkTransactionFailed moves a pending transaction to failed. Transactions
	// in any other state are left untouched and ErrNotFound is returned. The
	// settlement flow has no pending stage, so only records written through
	// CreateTransaction can reach this state change.
	MarkTransactionFailed(ctx context.Context, id string) error

	// SettleTransaction inserts tx as completed, credits tx.Amount to the seller
	// and increments the image download counter in one atomic unit. Either all
	// three writes are applied or none.
	SettleTransaction(ctx context.Context, tx *Transaction) error

	TokenStore
}
