package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrIntentNotFound     = errors.New("intent not found")
	ErrTabNotFound        = errors.New("tab not found")
	ErrInvalidTransition  = errors.New("invalid intent status transition")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrUnknownTrader      = errors.New("unknown trader")
	ErrMissingCertificate = errors.New("missing guarantee certificate")

	ErrNoBidsReceived          = errors.New("no bids received")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrGuaranteeIssuanceFailed = errors.New("guarantee issuance failed")
	ErrSettlementCallFailed    = errors.New("settlement call failed")
	ErrDoubleSettlement        = errors.New("tab already settling")
)
