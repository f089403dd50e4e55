package database

import "time"

// TransactionStatus is the lifecycle state of a purchase transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Profile is a marketplace participant. Balance is held in minor currency units
// and only changes through CreditProfile or SettleTransaction.
type Profile struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Bio         string    `db:"bio" json:"bio"`
	Balance     int64     `db:"balance" json:"balance"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Image is a priced listing owned by a profile
type Image struct {
	ID           string    `db:"id" json:"id"`
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	Price        int64     `db:"price" json:"price"`
	Downloads    int64     `db:"downloads" json:"downloads"`
	Title        string    `db:"title" json:"title"`
	Description  string    `db:"description" json:"description"`
	Category     string    `db:"category" json:"category"`
	AssetURL     string    `db:"asset_url" json:"asset_url"`
	ThumbnailURL string    `db:"thumbnail_url" json:"thumbnail_url"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction records a single sale. PaymentRef is the opaque reference of the
// external payment and is unique across all transactions.
type Transaction struct {
	ID         string            `db:"id" json:"id"`
	BuyerID    string            `db:"buyer_id" json:"buyer_id"`
	SellerID   string            `db:"seller_id" json:"seller_id"`
	ImageID    string            `db:"image_id" json:"image_id"`
	Amount     int64             `db:"amount" json:"amount"`
	Status     TransactionStatus `db:"status" json:"status"`
	PaymentRef string            `db:"payment_ref" json:"payment_ref"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// DownloadToken is a single-use credential bound to one completed transaction
type DownloadToken struct {
	ID            string     `db:"id" json:"id"`
	TransactionID string     `db:"transaction_id" json:"transaction_id"`
	BuyerID       string     `db:"buyer_id" json:"buyer_id"`
	ImageID       string     `db:"image_id" json:"image_id"`
	Value         string     `db:"value" json:"value"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	Used          bool       `db:"used" json:"used"`
	UsedAt        *time.Time `db:"used_at" json:"used_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Expired reports whether the token can no longer be claimed at now
func (t *DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
