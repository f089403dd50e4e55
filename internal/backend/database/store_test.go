package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// storeSuite runs the behaviour shared by every DatabaseService backend.
func storeSuite(t *testing.T, newDB func(t *testing.T) DatabaseService) {
	t.Run("profile roundtrip", func(t *testing.T) { testProfileRoundtrip(t, newDB(t)) })
	t.Run("update profile keeps balance", func(t *testing.T) { testUpdateProfileKeepsBalance(t, newDB(t)) })
	t.Run("image price and downloads", func(t *testing.T) { testImagePriceAndDownloads(t, newDB(t)) })
	t.Run("settle applies all writes", func(t *testing.T) { testSettleAppliesAllWrites(t, newDB(t)) })
	t.Run("settle duplicate payment ref", func(t *testing.T) { testSettleDuplicatePaymentRef(t, newDB(t)) })
	t.Run("settle price changed rolls back", func(t *testing.T) { testSettlePriceChanged(t, newDB(t)) })
	t.Run("settle missing seller rolls back", func(t *testing.T) { testSettleMissingSeller(t, newDB(t)) })
	t.Run("concurrent settle", func(t *testing.T) { testConcurrentSettle(t, newDB(t)) })
	t.Run("mark failed only from pending", func(t *testing.T) { testMarkFailed(t, newDB(t)) })
	t.Run("token unique per transaction", func(t *testing.T) { testTokenUniquePerTransaction(t, newDB(t)) })
	t.Run("claim token", func(t *testing.T) { testClaimToken(t, newDB(t)) })
	t.Run("claim expired used token", func(t *testing.T) { testClaimExpiredUsedToken(t, newDB(t)) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, newDB(t)) })
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedProfile(t *testing.T, ds DatabaseService, id string) {
	t.Helper()
	p := &Profile{ID: id, DisplayName: "user " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
	if err := ds.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("CreateProfile(%s) error: %v", id, err)
	}
}

func seedImage(t *testing.T, ds DatabaseService, id, owner string, price int64) {
	t.Helper()
	img := &Image{ID: id, OwnerID: owner, Price: price, Title: "image " + id, CreatedAt: testEpoch, UpdatedAt: testEpoch}
	if err := ds.CreateImage(context.Background(), img); err != nil {
		t.Fatalf("CreateImage(%s) error: %v", id, err)
	}
}

func seedMarket(t *testing.T, ds DatabaseService) {
	t.Helper()
	seedProfile(t, ds, "seller")
	seedProfile(t, ds, "buyer")
	seedImage(t, ds, "img", "seller", 1599)
}

func newSale(id, ref string, amount int64) *Transaction {
	return &Transaction{
		ID:         id,
		BuyerID:    "buyer",
		SellerID:   "seller",
		ImageID:    "img",
		Amount:     amount,
		Status:     StatusPending,
		PaymentRef: ref,
		CreatedAt:  testEpoch,
	}
}

func settleOne(t *testing.T, ds DatabaseService, id, ref string) *Transaction {
	t.Helper()
	tx := newSale(id, ref, 1599)
	if err := ds.SettleTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SettleTransaction(%s) error: %v", id, err)
	}
	return tx
}

func newToken(txID, value string, expires time.Time) *DownloadToken {
	return &DownloadToken{
		ID:            "tok-" + txID,
		TransactionID: txID,
		BuyerID:       "buyer",
		ImageID:       "img",
		Value:         value,
		ExpiresAt:     expires,
		CreatedAt:     testEpoch,
	}
}

func testProfileRoundtrip(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedProfile(t, ds, "p1")

	got, err := ds.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile error: %v", err)
	}
	if got.DisplayName != "user p1" || got.Balance != 0 {
		t.Errorf("unexpected profile %+v", got)
	}
	if !got.CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testEpoch)
	}

	if _, err := ds.GetProfile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile(missing) err = %v, want ErrNotFound", err)
	}
	if err := ds.CreateProfile(ctx, &Profile{ID: "p1", DisplayName: "dup", CreatedAt: testEpoch, UpdatedAt: testEpoch}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate CreateProfile err = %v, want ErrAlreadyExists", err)
	}
	if err := ds.CreditProfile(ctx, "missing", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreditProfile(missing) err = %v, want ErrNotFound", err)
	}
}

func testUpdateProfileKeepsBalance(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedProfile(t, ds, "p1")
	if err := ds.CreditProfile(ctx, "p1", 250); err != nil {
		t.Fatalf("CreditProfile error: %v", err)
	}

	update := &Profile{ID: "p1", DisplayName: "renamed", Bio: "hello", Balance: 999999, UpdatedAt: testEpoch.Add(time.Hour)}
	if err := ds.UpdateProfile(ctx, update); err != nil {
		t.Fatalf("UpdateProfile error: %v", err)
	}

	got, err := ds.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile error: %v", err)
	}
	if got.DisplayName != "renamed" || got.Bio != "hello" {
		t.Errorf("profile fields not updated: %+v", got)
	}
	if got.Balance != 250 {
		t.Errorf("Balance = %d, want 250", got.Balance)
	}
}

func testImagePriceAndDownloads(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)

	if err := ds.UpdateImagePrice(ctx, "img", 2000); err != nil {
		t.Fatalf("UpdateImagePrice error: %v", err)
	}
	if err := ds.IncrementDownloads(ctx, "img"); err != nil {
		t.Fatalf("IncrementDownloads error: %v", err)
	}
	img, err := ds.GetImage(ctx, "img")
	if err != nil {
		t.Fatalf("GetImage error: %v", err)
	}
	if img.Price != 2000 || img.Downloads != 1 {
		t.Errorf("image = %+v, want price 2000 and 1 download", img)
	}
	if err := ds.UpdateImagePrice(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateImagePrice(missing) err = %v, want ErrNotFound", err)
	}
}

func testSettleAppliesAllWrites(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	tx := settleOne(t, ds, "tx1", "pay-1")

	if tx.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", tx.Status)
	}
	seller, _ := ds.GetProfile(ctx, "seller")
	if seller.Balance != 1599 {
		t.Errorf("seller balance = %d, want 1599", seller.Balance)
	}
	img, _ := ds.GetImage(ctx, "img")
	if img.Downloads != 1 {
		t.Errorf("downloads = %d, want 1", img.Downloads)
	}
	stored, err := ds.FindTransactionByPaymentRef(ctx, "pay-1")
	if err != nil {
		t.Fatalf("FindTransactionByPaymentRef error: %v", err)
	}
	if stored.ID != "tx1" || stored.Status != StatusCompleted || stored.Amount != 1599 {
		t.Errorf("stored transaction = %+v", stored)
	}
}

func testSettleDuplicatePaymentRef(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	settleOne(t, ds, "tx1", "pay-1")

	err := ds.SettleTransaction(ctx, newSale("tx2", "pay-1", 1599))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second settle err = %v, want ErrAlreadyExists", err)
	}
	seller, _ := ds.GetProfile(ctx, "seller")
	if seller.Balance != 1599 {
		t.Errorf("seller balance = %d, want 1599 after duplicate", seller.Balance)
	}
	img, _ := ds.GetImage(ctx, "img")
	if img.Downloads != 1 {
		t.Errorf("downloads = %d, want 1 after duplicate", img.Downloads)
	}
}

func testSettlePriceChanged(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)

	err := ds.SettleTransaction(ctx, newSale("tx1", "pay-1", 999))
	if !errors.Is(err, ErrPriceChanged) {
		t.Fatalf("settle err = %v, want ErrPriceChanged", err)
	}
	if _, err := ds.GetTransaction(ctx, "tx1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("transaction persisted after rollback: err = %v", err)
	}
	seller, _ := ds.GetProfile(ctx, "seller")
	if seller.Balance != 0 {
		t.Errorf("seller balance = %d, want 0 after rollback", seller.Balance)
	}
}

func testSettleMissingSeller(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)

	tx := newSale("tx1", "pay-1", 1599)
	tx.SellerID = "ghost"
	if err := ds.SettleTransaction(ctx, tx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("settle err = %v, want ErrNotFound", err)
	}
	if _, err := ds.FindTransactionByPaymentRef(ctx, "pay-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("transaction persisted after rollback: err = %v", err)
	}
	img, _ := ds.GetImage(ctx, "img")
	if img.Downloads != 0 {
		t.Errorf("downloads = %d, want 0 after rollback", img.Downloads)
	}
}

func testConcurrentSettle(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- ds.SettleTransaction(ctx, newSale(fmt.Sprintf("tx%d", i), fmt.Sprintf("pay-%d", i), 1599))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent settle error: %v", err)
		}
	}

	seller, _ := ds.GetProfile(ctx, "seller")
	if seller.Balance != n*1599 {
		t.Errorf("seller balance = %d, want %d", seller.Balance, n*1599)
	}
	img, _ := ds.GetImage(ctx, "img")
	if img.Downloads != n {
		t.Errorf("downloads = %d, want %d", img.Downloads, n)
	}
}

func testMarkFailed(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)

	if err := ds.CreateTransaction(ctx, newSale("pending", "pay-p", 1599)); err != nil {
		t.Fatalf("CreateTransaction error: %v", err)
	}
	if err := ds.MarkTransactionFailed(ctx, "pending"); err != nil {
		t.Fatalf("MarkTransactionFailed error: %v", err)
	}
	got, _ := ds.GetTransaction(ctx, "pending")
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}

	settleOne(t, ds, "done", "pay-d")
	if err := ds.MarkTransactionFailed(ctx, "done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkTransactionFailed(completed) err = %v, want ErrNotFound", err)
	}
	got, _ = ds.GetTransaction(ctx, "done")
	if got.Status != StatusCompleted {
		t.Errorf("completed transaction changed to %q", got.Status)
	}
}

func testTokenUniquePerTransaction(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	settleOne(t, ds, "tx1", "pay-1")

	if err := ds.CreateToken(ctx, newToken("tx1", "value-a", testEpoch.Add(time.Hour))); err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}
	second := newToken("tx1", "value-b", testEpoch.Add(time.Hour))
	second.ID = "tok-other"
	if err := ds.CreateToken(ctx, second); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateToken err = %v, want ErrAlreadyExists", err)
	}

	got, err := ds.FindTokenByTransaction(ctx, "tx1")
	if err != nil {
		t.Fatalf("FindTokenByTransaction error: %v", err)
	}
	if got.Value != "value-a" || got.Used {
		t.Errorf("token = %+v", got)
	}
	if _, err := ds.FindTokenByValue(ctx, "value-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindTokenByValue(value-b) err = %v, want ErrNotFound", err)
	}
}

func testClaimToken(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	settleOne(t, ds, "tx1", "pay-1")
	expires := testEpoch.Add(time.Hour)
	if err := ds.CreateToken(ctx, newToken("tx1", "value-a", expires)); err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}

	now := testEpoch.Add(time.Minute)
	tok, err := ds.ClaimToken(ctx, "value-a", now)
	if err != nil {
		t.Fatalf("ClaimToken error: %v", err)
	}
	if !tok.Used || tok.UsedAt == nil || !tok.UsedAt.Equal(now) {
		t.Errorf("claimed token = %+v", tok)
	}
	if tok.TransactionID != "tx1" || tok.ImageID != "img" {
		t.Errorf("claimed token bindings = %+v", tok)
	}

	if _, err := ds.ClaimToken(ctx, "value-a", now); !errors.Is(err, ErrTokenUsed) {
		t.Errorf("second ClaimToken err = %v, want ErrTokenUsed", err)
	}
	if _, err := ds.ClaimToken(ctx, "nope", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClaimToken(unknown) err = %v, want ErrNotFound", err)
	}
}

func testClaimExpiredUsedToken(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	settleOne(t, ds, "tx1", "pay-1")
	expires := testEpoch.Add(time.Hour)
	if err := ds.CreateToken(ctx, newToken("tx1", "value-a", expires)); err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}

	// exactly at expiry the token is no longer valid
	if _, err := ds.ClaimToken(ctx, "value-a", expires); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ClaimToken at expiry err = %v, want ErrTokenExpired", err)
	}
	if _, err := ds.ClaimToken(ctx, "value-a", testEpoch); err != nil {
		t.Fatalf("ClaimToken error: %v", err)
	}
	// used and expired reports expiry
	if _, err := ds.ClaimToken(ctx, "value-a", expires.Add(time.Second)); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ClaimToken used+expired err = %v, want ErrTokenExpired", err)
	}
}

func testConcurrentClaim(t *testing.T, ds DatabaseService) {
	ctx := context.Background()
	seedMarket(t, ds)
	settleOne(t, ds, "tx1", "pay-1")
	if err := ds.CreateToken(ctx, newToken("tx1", "value-a", testEpoch.Add(time.Hour))); err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	var won, used atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ds.ClaimToken(ctx, "value-a", testEpoch.Add(time.Minute))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrTokenUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Errorf("successful claims = %d, want 1", won.Load())
	}
	if used.Load() != n-1 {
		t.Errorf("already-used claims = %d, want %d", used.Load(), n-1)
	}
}
