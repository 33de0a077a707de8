package consts

import "errors"

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageExists    = errors.New("message already exists")
	ErrMalformedMessage = errors.New("malformed message")

	ErrRuleInvalid  = errors.New("invalid rule")
	ErrRuleNotFound = errors.New("rule not found")
	ErrSieveInvalid = errors.New("invalid sieve script")

	ErrStoreClosed            = errors.New("store closed")
	ErrDBCommitFailed         = errors.New("commit failed")
	ErrDBBeginTransactionFail = errors.New("start transaction failed")

	ErrRelayNotConfigured = errors.New("relay not configured")
)
