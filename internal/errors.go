package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("not found")
	ErrNoProvider          = errors.New("no available provider")
	ErrPermitExhausted     = errors.New("provider concurrency limit reached")
	ErrUpstream            = errors.New("upstream provider error")
	ErrBalanceCheck        = errors.New("balance check failed")
	ErrInvalidKey          = errors.New("api key invalid or expired")
	ErrInsufficientBalance = errors.New("insufficient balance")
)
