package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	bio TEXT NOT NULL DEFAULT '',
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES profiles(id),
	price BIGINT NOT NULL CHECK (price >= 0),
	downloads BIGINT NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	asset_url TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	buyer_id TEXT NOT NULL REFERENCES profiles(id),
	seller_id TEXT NOT NULL REFERENCES profiles(id),
	image_id TEXT NOT NULL REFERENCES images(id),
	amount BIGINT NOT NULL CHECK (amount >= 0),
	status TEXT NOT NULL,
	payment_ref TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS download_tokens (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
	buyer_id TEXT NOT NULL,
	image_id TEXT NOT NULL,
	value TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	used BOOLEAN NOT NULL DEFAULT FALSE,
	used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresDatabase struct {
	pool *pgxpool.Pool
}

func NewPostgresDatabase(ctx context.Context, connectionString string) (*PostgresDatabase, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresDatabase{pool: pool}, nil
}

func (p *PostgresDatabase) CreateDatabase(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *PostgresDatabase) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresDatabase) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDatabase) CreateProfile(ctx context.Context, pr *Profile) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO profiles ("+profileColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		pr.ID, pr.DisplayName, pr.Bio, pr.Balance, pr.CreatedAt, pr.UpdatedAt)
	return mapPostgresError(err)
}

func (p *PostgresDatabase) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var pr Profile
	err := p.pool.QueryRow(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", id).
		Scan(&pr.ID, &pr.DisplayName, &pr.Bio, &pr.Balance, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return &pr, nil
}

func (p *PostgresDatabase) UpdateProfile(ctx context.Context, pr *Profile) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE profiles SET display_name = $1, bio = $2, updated_at = $3 WHERE id = $4",
		pr.DisplayName, pr.Bio, pr.UpdatedAt, pr.ID)
	return expectOneTag(tag, err)
}

func (p *PostgresDatabase) CreditProfile(ctx context.Context, id string, amount int64) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE profiles SET balance = balance + $1, updated_at = now() WHERE id = $2", amount, id)
	return expectOneTag(tag, err)
}

func (p *PostgresDatabase) CreateImage(ctx context.Context, img *Image) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO images ("+imageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		img.ID, img.OwnerID, img.Price, img.Downloads, img.Title, img.Description, img.Category,
		img.AssetURL, img.ThumbnailURL, img.CreatedAt, img.UpdatedAt)
	return mapPostgresError(err)
}

func (p *PostgresDatabase) GetImage(ctx context.Context, id string) (*Image, error) {
	var img Image
	err := p.pool.QueryRow(ctx, "SELECT "+imageColumns+" FROM images WHERE id = $1", id).
		Scan(&img.ID, &img.OwnerID, &img.Price, &img.Downloads, &img.Title, &img.Description,
			&img.Category, &img.AssetURL, &img.ThumbnailURL, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return &img, nil
}

func (p *PostgresDatabase) UpdateImagePrice(ctx context.Context, id string, price int64) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE images SET price = $1, updated_at = now() WHERE id = $2", price, id)
	return expectOneTag(tag, err)
}

func (p *PostgresDatabase) IncrementDownloads(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, "UPDATE images SET downloads = downloads + 1 WHERE id = $1", id)
	return expectOneTag(tag, err)
}

func (p *PostgresDatabase) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := p.pool.Exec(ctx, insertPostgresTransaction, postgresTransactionArgs(t)...)
	return mapPostgresError(err)
}

func (p *PostgresDatabase) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return scanPostgresTransaction(p.pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

func (p *PostgresDatabase) FindTransactionByPaymentRef(ctx context.Context, ref string) (*Transaction, error) {
	return scanPostgresTransaction(p.pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE payment_ref = $1", ref))
}

func (p *PostgresDatabase) MarkTransactionFailed(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3",
		string(StatusFailed), id, string(StatusPending))
	return expectOneTag(tag, err)
}

func (p *PostgresDatabase) SettleTransaction(ctx context.Context, t *Transaction) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	settled := *t
	settled.Status = StatusCompleted
	if _, err := tx.Exec(ctx, insertPostgresTransaction, postgresTransactionArgs(&settled)...); err != nil {
		return mapPostgresError(err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE profiles SET balance = balance + $1, updated_at = $2 WHERE id = $3",
		t.Amount, t.CreatedAt, t.SellerID)
	if err := expectOneTag(tag, err); err != nil {
		return fmt.Errorf("credit seller %s: %w", t.SellerID, err)
	}

	tag, err = tx.Exec(ctx,
		"UPDATE images SET downloads = downloads + 1 WHERE id = $1 AND price = $2",
		t.ImageID, t.Amount)
	if err := expectOneTag(tag, err); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		var exists int
		if scanErr := tx.QueryRow(ctx, "SELECT 1 FROM images WHERE id = $1", t.ImageID).Scan(&exists); scanErr == nil {
			return ErrPriceChanged
		}
		return fmt.Errorf("image %s: %w", t.ImageID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.Status = StatusCompleted
	return nil
}

func (p *PostgresDatabase) CreateToken(ctx context.Context, tok *DownloadToken) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO download_tokens ("+tokenColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		tok.ID, tok.TransactionID, tok.BuyerID, tok.ImageID, tok.Value,
		tok.ExpiresAt, tok.Used, tok.UsedAt, tok.CreatedAt)
	return mapPostgresError(err)
}

func (p *PostgresDatabase) FindTokenByValue(ctx context.Context, value string) (*DownloadToken, error) {
	return scanPostgresToken(p.pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM download_tokens WHERE value = $1", value))
}

func (p *PostgresDatabase) FindTokenByTransaction(ctx context.Context, transactionID string) (*DownloadToken, error) {
	return scanPostgresToken(p.pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM download_tokens WHERE transaction_id = $1", transactionID))
}

func (p *PostgresDatabase) ClaimToken(ctx context.Context, value string, now time.Time) (*DownloadToken, error) {
	tok, err := scanPostgresToken(p.pool.QueryRow(ctx,
		"UPDATE download_tokens SET used = TRUE, used_at = $1 WHERE value = $2 AND NOT used AND expires_at > $1 RETURNING "+tokenColumns,
		now, value))
	if !errors.Is(err, ErrNotFound) {
		return tok, err
	}

	current, err := p.FindTokenByValue(ctx, value)
	if err != nil {
		return nil, err
	}
	return nil, classifyClaimFailure(current, now)
}

const insertPostgresTransaction = "INSERT INTO transactions (" + transactionColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

func postgresTransactionArgs(t *Transaction) []any {
	return []any{t.ID, t.BuyerID, t.SellerID, t.ImageID, t.Amount, string(t.Status), t.PaymentRef, t.CreatedAt}
}

func scanPostgresTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var status string
	if err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ImageID, &t.Amount, &status, &t.PaymentRef, &t.CreatedAt); err != nil {
		return nil, mapPostgresError(err)
	}
	t.Status = TransactionStatus(status)
	return &t, nil
}

func scanPostgresToken(row pgx.Row) (*DownloadToken, error) {
	var tok DownloadToken
	if err := row.Scan(&tok.ID, &tok.TransactionID, &tok.BuyerID, &tok.ImageID, &tok.Value,
		&tok.ExpiresAt, &tok.Used, &tok.UsedAt, &tok.CreatedAt); err != nil {
		return nil, mapPostgresError(err)
	}
	return &tok, nil
}

func expectOneTag(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
