package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits means no configured tier was affordable. No call was made.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAllTiersUnavailable means every candidate tier failed or is cooling down.
	ErrAllTiersUnavailable = errors.New("all model tiers unavailable")
	// ErrEmptyResponse means a backend answered without any text. The router
	// treats it like any other tier failure.
	ErrEmptyResponse = errors.New("empty response")
)

// TierError is a transport or timeout failure of a single tier.
type TierError struct {
	Tier Tier
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("tier %s: %v", e.Tier, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}
