package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
)

// PurchaseResult is the outcome of a settled purchase. Token is nil when the
// settlement committed but issuing the download token failed; it can be
// obtained later through IssueToken.
type PurchaseResult struct {
	Transaction *database.Transaction
	Token       *database.DownloadToken
	// Created is false when the payment reference had already been settled.
	Created bool
}

// Purchase settles the payment and issues the download token for it.
func (s *CoreService) Purchase(ctx context.Context, buyerID, imageID string, amount int64, paymentRef string) (*PurchaseResult, error) {
	tx, created, err := s.settle(ctx, buyerID, imageID, amount, paymentRef)
	if err != nil {
		return nil, err
	}

	result := &PurchaseResult{Transaction: tx, Created: created}
	token, err := s.IssueToken(ctx, tx.ID)
	if err != nil {
		slog.Error("token issuance failed after settlement", "transaction_id", tx.ID, "error", err)
		return result, nil
	}
	result.Token = token
	return result, nil
}

// Settle records a completed sale, credits the seller and counts the download
// in one atomic unit. Settling the same payment reference again returns the
// transaction created the first time.
func (s *CoreService) Settle(ctx context.Context, buyerID, imageID string, amount int64, paymentRef string) (*database.Transaction, error) {
	tx, _, err := s.settle(ctx, buyerID, imageID, amount, paymentRef)
	return tx, err
}

func (s *CoreService) settle(ctx context.Context, buyerID, imageID string, amount int64, paymentRef string) (*database.Transaction, bool, error) {
	tx, created, err := s.doSettle(ctx, buyerID, imageID, amount, paymentRef)
	switch {
	case err != nil:
		s.metrics.Settlement(ErrorCode(err))
		slog.Warn("settlement rejected",
			"buyer_id", buyerID, "image_id", imageID, "amount", amount, "payment_ref", paymentRef, "error", err)
	case created:
		s.metrics.Settlement("settled")
		slog.Info("settlement completed",
			"transaction_id", tx.ID, "buyer_id", buyerID, "seller_id", tx.SellerID,
			"image_id", imageID, "amount", s.money.FormatAmount(amount), "currency", s.money.Code)
	default:
		s.metrics.Settlement("replayed")
		slog.Info("settlement replayed", "transaction_id", tx.ID, "payment_ref", paymentRef)
	}
	return tx, created, err
}

func (s *CoreService) doSettle(ctx context.Context, buyerID, imageID string, amount int64, paymentRef string) (*database.Transaction, bool, error) {
	if err := validateSettleInput(buyerID, imageID, amount, paymentRef); err != nil {
		return nil, false, err
	}

	existing, err := s.db.FindTransactionByPaymentRef(ctx, paymentRef)
	switch {
	case err == nil:
		tx, err := replay(existing, buyerID, imageID, amount)
		return tx, false, err
	case !errors.Is(err, database.ErrNotFound):
		return nil, false, storageError(err)
	}

	image, err := s.GetImage(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.GetProfile(ctx, buyerID); err != nil {
		return nil, false, err
	}
	if _, err := s.GetProfile(ctx, image.OwnerID); err != nil {
		return nil, false, err
	}
	if amount != image.Price {
		return nil, false, fmt.Errorf("%w: paid %s, price is %s", ErrAmountMismatch,
			s.money.FormatAmount(amount), s.money.FormatAmount(image.Price))
	}
	if buyerID == image.OwnerID && !s.config.Settlement.AllowSelfPurchase {
		return nil, false, ErrSelfPurchase
	}

	tx := &database.Transaction{
		ID:         newID(),
		BuyerID:    buyerID,
		SellerID:   image.OwnerID,
		ImageID:    imageID,
		Amount:     amount,
		Status:     database.StatusPending,
		PaymentRef: paymentRef,
		CreatedAt:  s.now(),
	}
	err = s.db.SettleTransaction(ctx, tx)
	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, database.ErrAlreadyExists):
		// lost the race against a concurrent settle with the same reference
		winner, findErr := s.db.FindTransactionByPaymentRef(ctx, paymentRef)
		if findErr != nil {
			return nil, false, storageError(findErr)
		}
		tx, err := replay(winner, buyerID, imageID, amount)
		return tx, false, err
	case errors.Is(err, database.ErrPriceChanged):
		return nil, false, fmt.Errorf("%w: price changed during settlement", ErrAmountMismatch)
	case errors.Is(err, database.ErrNotFound):
		if _, imgErr := s.db.GetImage(ctx, imageID); errors.Is(imgErr, database.ErrNotFound) {
			return nil, false, ErrImageNotFound
		}
		return nil, false, ErrProfileNotFound
	default:
		return nil, false, storageError(err)
	}
}

func validateSettleInput(buyerID, imageID string, amount int64, paymentRef string) error {
	switch {
	case strings.TrimSpace(buyerID) == "":
		return fmt.Errorf("%w: buyer id is required", ErrInvalidInput)
	case strings.TrimSpace(imageID) == "":
		return fmt.Errorf("%w: image id is required", ErrInvalidInput)
	case strings.TrimSpace(paymentRef) == "":
		return fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	case amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// replay returns an already settled transaction if it describes the same
// purchase as the retried request.
func replay(existing *database.Transaction, buyerID, imageID string, amount int64) (*database.Transaction, error) {
	if existing.BuyerID != buyerID || existing.ImageID != imageID || existing.Amount != amount {
		return nil, ErrPaymentRefConflict
	}
	if existing.Status != database.StatusCompleted {
		return nil, fmt.Errorf("%w: reference belongs to a %s transaction", ErrPaymentRefConflict, existing.Status)
	}
	return existing, nil
}
