package core

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
	"golang.org/x/sync/errgroup"
)

// testClock is a settable time source for token expiry tests.
type testClock struct {
	now atomic.Int64
}

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.Set(t)
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *testClock) Set(t time.Time)         { c.now.Store(t.UnixNano()) }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

var clockEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func settledPurchase(t *testing.T, s *CoreService) *PurchaseResult {
	t.Helper()
	_, buyer, image := seedListing(t, s, 1599)
	result, err := s.Purchase(context.Background(), buyer.ID, image.ID, 1599, "pay-1")
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if result.Token == nil {
		t.Fatal("Purchase returned no token")
	}
	return result
}

func TestIssueToken_Idempotent(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	ctx := context.Background()
	result := settledPurchase(t, s)

	var g errgroup.Group
	values := make([]string, 10)
	for i := range values {
		g.Go(func() error {
			token, err := s.IssueToken(ctx, result.Transaction.ID)
			if err != nil {
				return err
			}
			values[i] = token.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	for _, v := range values {
		if v != result.Token.Value {
			t.Fatalf("IssueToken returned %q, want %q", v, result.Token.Value)
		}
	}
}

func TestIssueToken_Errors(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	ctx := context.Background()
	_, buyer, image := seedListing(t, s, 100)

	if _, err := s.IssueToken(ctx, "missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("missing transaction err = %v, want ErrTransactionNotFound", err)
	}

	pending := &database.Transaction{
		ID:         "tx-pending",
		BuyerID:    buyer.ID,
		SellerID:   image.OwnerID,
		ImageID:    image.ID,
		Amount:     100,
		Status:     database.StatusPending,
		PaymentRef: "pay-pending",
		CreatedAt:  clockEpoch,
	}
	if err := s.db.CreateTransaction(ctx, pending); err != nil {
		t.Fatalf("CreateTransaction error: %v", err)
	}
	if _, err := s.IssueToken(ctx, pending.ID); !errors.Is(err, ErrTransactionNotSettled) {
		t.Errorf("pending transaction err = %v, want ErrTransactionNotSettled", err)
	}
}

func TestIssueToken_ExpiryFromConfig(t *testing.T) {
	config := newTestConfig()
	config.Tokens.TTL = 2 * time.Hour
	s, _ := newTestService(t, config, nil)
	clock := newTestClock(clockEpoch)
	s.now = clock.Now

	result := settledPurchase(t, s)
	if want := clockEpoch.Add(2 * time.Hour); !result.Token.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", result.Token.ExpiresAt, want)
	}
	if len(result.Token.Value) != 43 {
		t.Errorf("token value length = %d, want 43", len(result.Token.Value))
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	ctx := context.Background()
	result := settledPurchase(t, s)

	const workers = 16
	var wins, used atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := s.Redeem(ctx, result.Token.Value)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrTokenAlreadyUsed):
				used.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected Redeem error: %v", err)
	}
	if wins.Load() != 1 || used.Load() != workers-1 {
		t.Errorf("wins = %d, used = %d, want 1 and %d", wins.Load(), used.Load(), workers-1)
	}
}

func TestRedeem_Expired(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	clock := newTestClock(clockEpoch)
	s.now = clock.Now
	result := settledPurchase(t, s)

	clock.Advance(24 * time.Hour)
	if _, err := s.Redeem(context.Background(), result.Token.Value); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if ErrorCode(ErrTokenExpired) != "token_expired" {
		t.Errorf("ErrorCode = %s", ErrorCode(ErrTokenExpired))
	}
}

func TestRedeem_UnknownAndBlank(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)

	if _, err := s.Redeem(context.Background(), "no-such-token"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("unknown token err = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.Redeem(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank token err = %v, want ErrInvalidInput", err)
	}
}

func TestRedeem_ReferenceResolves(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	clock := newTestClock(clockEpoch)
	s.now = clock.Now
	ctx := context.Background()
	result := settledPurchase(t, s)

	ref, err := s.Redeem(ctx, result.Token.Value)
	if err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	prefix := "https://market.test/api/assets/" + result.Transaction.ImageID + "?ref="
	if !strings.HasPrefix(ref.URL, prefix) {
		t.Fatalf("URL = %q, want prefix %q", ref.URL, prefix)
	}
	if want := clockEpoch.Add(5 * time.Minute); !ref.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", ref.ExpiresAt, want)
	}

	signed, err := url.QueryUnescape(strings.TrimPrefix(ref.URL, prefix))
	if err != nil {
		t.Fatalf("QueryUnescape error: %v", err)
	}
	assetURL, err := s.ResolveAsset(ctx, ref.ImageID, signed)
	if err != nil {
		t.Fatalf("ResolveAsset error: %v", err)
	}
	if assetURL != "https://storage.test/"+ref.ImageID {
		t.Errorf("asset URL = %q", assetURL)
	}

	if _, err := s.ResolveAsset(ctx, "other-image", signed); !errors.Is(err, ErrInvalidReference) {
		t.Errorf("wrong image err = %v, want ErrInvalidReference", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := s.ResolveAsset(ctx, ref.ImageID, signed); !errors.Is(err, ErrReferenceExpired) {
		t.Errorf("expired reference err = %v, want ErrReferenceExpired", err)
	}
}

func TestPeek(t *testing.T) {
	s, _ := newTestService(t, newTestConfig(), nil)
	clock := newTestClock(clockEpoch)
	s.now = clock.Now
	ctx := context.Background()
	result := settledPurchase(t, s)
	value := result.Token.Value

	assertState := func(want string) {
		t.Helper()
		status, err := s.Peek(ctx, value)
		if err != nil {
			t.Fatalf("Peek error: %v", err)
		}
		if status.State != want {
			t.Errorf("state = %s, want %s", status.State, want)
		}
	}

	assertState(TokenStateValid)
	// peeking never consumes
	assertState(TokenStateValid)

	if _, err := s.Redeem(ctx, value); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	assertState(TokenStateUsed)

	clock.Advance(48 * time.Hour)
	assertState(TokenStateExpired)

	if _, err := s.Peek(ctx, "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("missing token err = %v, want ErrTokenNotFound", err)
	}
}
