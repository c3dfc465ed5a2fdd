package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidState      = errors.New("invalid state")
	ErrCapacityExceeded  = errors.New("sold out")
	ErrPaymentMismatch   = errors.New("paid amount does not match ticket price")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrPayoutFailed      = errors.New("payout failed")
)
