package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	bio TEXT NOT NULL DEFAULT '',
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES profiles(id),
	price INTEGER NOT NULL CHECK (price >= 0),
	downloads INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	asset_url TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	buyer_id TEXT NOT NULL REFERENCES profiles(id),
	seller_id TEXT NOT NULL REFERENCES profiles(id),
	image_id TEXT NOT NULL REFERENCES images(id),
	amount INTEGER NOT NULL CHECK (amount >= 0),
	status TEXT NOT NULL,
	payment_ref TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS download_tokens (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
	buyer_id TEXT NOT NULL,
	image_id TEXT NOT NULL,
	value TEXT NOT NULL UNIQUE,
	expires_at INTEGER NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	used_at INTEGER,
	created_at INTEGER NOT NULL
);
`

const (
	profileColumns     = "id, display_name, bio, balance, created_at, updated_at"
	imageColumns       = "id, owner_id, price, downloads, title, description, category, asset_url, thumbnail_url, created_at, updated_at"
	transactionColumns = "id, buyer_id, seller_id, image_id, amount, status, payment_ref, created_at"
	tokenColumns       = "id, transaction_id, buyer_id, image_id, value, expires_at, used, used_at, created_at"
)

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite", sqliteDSN(connectionString))
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is its own database
	if isSQLiteMemory(connectionString) {
		db.SetMaxOpenConns(1)
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func isSQLiteMemory(connectionString string) bool {
	return connectionString == ":memory:" || strings.Contains(connectionString, "mode=memory")
}

// sqliteDSN adds the pragmas needed for concurrent writers on file databases.
func sqliteDSN(connectionString string) string {
	if isSQLiteMemory(connectionString) || strings.Contains(connectionString, "?") {
		return connectionString
	}
	return connectionString + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (s *SQLiteDatabase) CreateDatabase(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO profiles ("+profileColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, p.DisplayName, p.Bio, p.Balance, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	return mapSQLiteError(err)
}

func (s *SQLiteDatabase) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = ?", id)
	return scanSQLiteProfile(row)
}

func (s *SQLiteDatabase) UpdateProfile(ctx context.Context, p *Profile) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET display_name = ?, bio = ?, updated_at = ? WHERE id = ?",
		p.DisplayName, p.Bio, toMillis(p.UpdatedAt), p.ID)
	return expectOneRow(res, err)
}

func (s *SQLiteDatabase) CreditProfile(ctx context.Context, id string, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET balance = balance + ?, updated_at = ? WHERE id = ?",
		amount, toMillis(time.Now()), id)
	return expectOneRow(res, err)
}

func (s *SQLiteDatabase) CreateImage(ctx context.Context, img *Image) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO images ("+imageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		img.ID, img.OwnerID, img.Price, img.Downloads, img.Title, img.Description, img.Category,
		img.AssetURL, img.ThumbnailURL, toMillis(img.CreatedAt), toMillis(img.UpdatedAt))
	return mapSQLiteError(err)
}

func (s *SQLiteDatabase) GetImage(ctx context.Context, id string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM images WHERE id = ?", id)
	return scanSQLiteImage(row)
}

func (s *SQLiteDatabase) UpdateImagePrice(ctx context.Context, id string, price int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE images SET price = ?, updated_at = ? WHERE id = ?",
		price, toMillis(time.Now()), id)
	return expectOneRow(res, err)
}

func (s *SQLiteDatabase) IncrementDownloads(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE images SET downloads = downloads + 1 WHERE id = ?", id)
	return expectOneRow(res, err)
}

func (s *SQLiteDatabase) CreateTransaction(ctx context.Context, tx *Transaction) error {
	return insertSQLiteTransaction(ctx, s.db, tx)
}

func (s *SQLiteDatabase) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	return scanSQLiteTransaction(row)
}

func (s *SQLiteDatabase) FindTransactionByPaymentRef(ctx context.Context, ref string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE payment_ref = ?", ref)
	return scanSQLiteTransaction(row)
}

func (s *SQLiteDatabase) MarkTransactionFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET status = ? WHERE id = ? AND status = ?",
		StatusFailed, id, StatusPending)
	return expectOneRow(res, err)
}

func (s *SQLiteDatabase) SettleTransaction(ctx context.Context, t *Transaction) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	settled := *t
	settled.Status = StatusCompleted
	if err = insertSQLiteTransaction(ctx, tx, &settled); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE profiles SET balance = balance + ?, updated_at = ? WHERE id = ?",
		t.Amount, toMillis(t.CreatedAt), t.SellerID)
	if err = expectOneRow(res, err); err != nil {
		return fmt.Errorf("credit seller %s: %w", t.SellerID, err)
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE images SET downloads = downloads + 1 WHERE id = ? AND price = ?",
		t.ImageID, t.Amount)
	if err = expectOneRow(res, err); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		var exists int
		if scanErr := tx.QueryRowContext(ctx, "SELECT 1 FROM images WHERE id = ?", t.ImageID).Scan(&exists); scanErr == nil {
			err = ErrPriceChanged
			return err
		}
		return fmt.Errorf("image %s: %w", t.ImageID, err)
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	t.Status = StatusCompleted
	return nil
}

func (s *SQLiteDatabase) CreateToken(ctx context.Context, tok *DownloadToken) error {
	var usedAt any
	if tok.UsedAt != nil {
		usedAt = toMillis(*tok.UsedAt)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO download_tokens ("+tokenColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tok.ID, tok.TransactionID, tok.BuyerID, tok.ImageID, tok.Value,
		toMillis(tok.ExpiresAt), tok.Used, usedAt, toMillis(tok.CreatedAt))
	return mapSQLiteError(err)
}

func (s *SQLiteDatabase) FindTokenByValue(ctx context.Context, value string) (*DownloadToken, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM download_tokens WHERE value = ?", value)
	return scanSQLiteToken(row)
}

func (s *SQLiteDatabase) FindTokenByTransaction(ctx context.Context, transactionID string) (*DownloadToken, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM download_tokens WHERE transaction_id = ?", transactionID)
	return scanSQLiteToken(row)
}

func (s *SQLiteDatabase) ClaimToken(ctx context.Context, value string, now time.Time) (*DownloadToken, error) {
	row := s.db.QueryRowContext(ctx,
		"UPDATE download_tokens SET used = 1, used_at = ? WHERE value = ? AND used = 0 AND expires_at > ? RETURNING "+tokenColumns,
		toMillis(now), value, toMillis(now))
	tok, err := scanSQLiteToken(row)
	if !errors.Is(err, ErrNotFound) {
		return tok, err
	}

	current, err := s.FindTokenByValue(ctx, value)
	if err != nil {
		return nil, err
	}
	return nil, classifyClaimFailure(current, now)
}

// classifyClaimFailure explains why a conditional claim matched no row.
func classifyClaimFailure(tok *DownloadToken, now time.Time) error {
	if tok.Expired(now) {
		return ErrTokenExpired
	}
	// unexpired and unmatched means another claim got there first
	return ErrTokenUsed
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertSQLiteTransaction(ctx context.Context, db execer, t *Transaction) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.BuyerID, t.SellerID, t.ImageID, t.Amount, t.Status, t.PaymentRef, toMillis(t.CreatedAt))
	return mapSQLiteError(err)
}

func scanSQLiteProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var created, updated int64
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Bio, &p.Balance, &created, &updated); err != nil {
		return nil, mapSQLiteError(err)
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &p, nil
}

func scanSQLiteImage(row rowScanner) (*Image, error) {
	var img Image
	var created, updated int64
	if err := row.Scan(&img.ID, &img.OwnerID, &img.Price, &img.Downloads, &img.Title, &img.Description,
		&img.Category, &img.AssetURL, &img.ThumbnailURL, &created, &updated); err != nil {
		return nil, mapSQLiteError(err)
	}
	img.CreatedAt, img.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &img, nil
}

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var created int64
	if err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ImageID, &t.Amount, &t.Status, &t.PaymentRef, &created); err != nil {
		return nil, mapSQLiteError(err)
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

func scanSQLiteToken(row rowScanner) (*DownloadToken, error) {
	var tok DownloadToken
	var expires, created int64
	var usedAt sql.NullInt64
	if err := row.Scan(&tok.ID, &tok.TransactionID, &tok.BuyerID, &tok.ImageID, &tok.Value,
		&expires, &tok.Used, &usedAt, &created); err != nil {
		return nil, mapSQLiteError(err)
	}
	tok.ExpiresAt, tok.CreatedAt = fromMillis(expires), fromMillis(created)
	if usedAt.Valid {
		at := fromMillis(usedAt.Int64)
		tok.UsedAt = &at
	}
	return &tok, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return mapSQLiteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
