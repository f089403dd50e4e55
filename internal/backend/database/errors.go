package database

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrPriceChanged is returned by SettleTransaction when the image price no
	// longer equals the settled amount at commit time.
	ErrPriceChanged = errors.New("image price changed")
	ErrTokenUsed    = errors.New("token already used")
	ErrTokenExpired = errors.New("token expired")
)
