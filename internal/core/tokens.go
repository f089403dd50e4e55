package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
)

const (
	TokenStateValid   = "valid"
	TokenStateUsed    = "used"
	TokenStateExpired = "expired"
)

// ImageReference is handed to the buyer on a successful redemption. URL
// points at the asset endpoint and carries a short-lived signed reference.
type ImageReference struct {
	ImageID       string    `json:"image_id"`
	TransactionID string    `json:"transaction_id"`
	URL           string    `json:"url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TokenStatus is the read-only view returned by Peek.
type TokenStatus struct {
	Token *database.DownloadToken
	State string
}

// IssueToken returns the download token of a completed transaction, creating
// it on first use. There is at most one token per transaction.
func (s *CoreService) IssueToken(ctx context.Context, transactionID string) (*database.DownloadToken, error) {
	tx, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != database.StatusCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrTransactionNotSettled, tx.ID, tx.Status)
	}

	existing, err := s.tokens.FindTokenByTransaction(ctx, tx.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, storageError(err)
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}
	now := s.now()
	token := &database.DownloadToken{
		ID:            newID(),
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		ImageID:       tx.ImageID,
		Value:         value,
		ExpiresAt:     now.Add(s.config.Tokens.TTL),
		CreatedAt:     now,
	}
	err = s.tokens.CreateToken(ctx, token)
	if errors.Is(err, database.ErrAlreadyExists) {
		winner, findErr := s.tokens.FindTokenByTransaction(ctx, tx.ID)
		if findErr != nil {
			return nil, storageError(findErr)
		}
		return winner, nil
	}
	if err != nil {
		return nil, storageError(err)
	}
	slog.Info("download token issued", "transaction_id", tx.ID, "token_id", token.ID, "expires_at", token.ExpiresAt)
	return token, nil
}

// Redeem consumes the token and returns a signed reference to the purchased
// image. Of any number of concurrent redemptions of one token exactly one
// succeeds.
func (s *CoreService) Redeem(ctx context.Context, value string) (*ImageReference, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}

	now := s.now()
	token, err := s.tokens.ClaimToken(ctx, value, now)
	if err != nil {
		err = mapClaimError(err)
		s.metrics.Redemption(ErrorCode(err))
		slog.Warn("token redemption rejected", "error", err)
		return nil, err
	}

	expiresAt := now.Add(s.config.Signing.ReferenceTTL)
	ref, err := s.signer.Sign(AssetClaims{
		ImageID:       token.ImageID,
		TransactionID: token.TransactionID,
		Exp:           expiresAt.Unix(),
	})
	if err != nil {
		s.metrics.Redemption("internal")
		return nil, fmt.Errorf("failed to sign asset reference: %w", err)
	}

	s.metrics.Redemption("redeemed")
	slog.Info("token redeemed", "token_id", token.ID, "transaction_id", token.TransactionID, "image_id", token.ImageID)
	return &ImageReference{
		ImageID:       token.ImageID,
		TransactionID: token.TransactionID,
		URL:           s.assetURL(token.ImageID, ref),
		ExpiresAt:     expiresAt,
	}, nil
}

func mapClaimError(err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return ErrTokenNotFound
	case errors.Is(err, database.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, database.ErrTokenUsed):
		return ErrTokenAlreadyUsed
	default:
		return storageError(err)
	}
}

// Peek reports the state of a token without consuming it.
func (s *CoreService) Peek(ctx context.Context, value string) (*TokenStatus, error) {
	token, err := s.tokens.FindTokenByValue(ctx, value)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}

	state := TokenStateValid
	switch {
	case token.Expired(s.now()):
		state = TokenStateExpired
	case token.Used:
		state = TokenStateUsed
	}
	return &TokenStatus{Token: token, State: state}, nil
}

// ResolveAsset verifies a signed reference for imageID and returns the
// storage URL of the asset.
func (s *CoreService) ResolveAsset(ctx context.Context, imageID, ref string) (string, error) {
	claims, err := s.signer.Verify(ref, s.now())
	if err != nil {
		return "", err
	}
	if claims.ImageID != imageID {
		return "", fmt.Errorf("%w: reference is for another image", ErrInvalidReference)
	}
	image, err := s.GetImage(ctx, imageID)
	if err != nil {
		return "", err
	}
	return image.AssetURL, nil
}

func (s *CoreService) assetURL(imageID, ref string) string {
	base := strings.TrimSuffix(s.config.Signing.PublicBaseURL, "/")
	return base + "/api/assets/" + url.PathEscape(imageID) + "?ref=" + url.QueryEscape(ref)
}
