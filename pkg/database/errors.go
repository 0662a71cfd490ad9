// Package database sentinel errors for repository operations. Every
// repository returns one of these (never nil, nil) when a lookup misses,
// letting callers branch with errors.Is instead of checking sql.ErrNoRows
// directly.
package database

import "errors"

var (
	ErrNotFound            = errors.New("entity not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrMeterNotFound       = errors.New("meter not found")
	ErrReadingNotFound     = errors.New("meter reading not found")
	ErrReadingDuplicate    = errors.New("meter reading already recorded for this timestamp")
	ErrEpochNotFound       = errors.New("epoch not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrMatchNotFound       = errors.New("match not found")
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrOperationNotFound   = errors.New("blockchain operation not found")
	ErrOperationDuplicate  = errors.New("blockchain operation already exists for this fingerprint")
	ErrMarketParamsMissing = errors.New("market parameters row is missing")
)
