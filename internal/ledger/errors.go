package ledger

import (
	"errors"
	"fmt"
)

// Caller-context errors. Surfaced immediately, never retried.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNoActiveTenant = errors.New("no active tenant")
)

var (
	// ErrValidation is returned for malformed rows, mutations and queries,
	// before anything is written.
	ErrValidation = errors.New("validation error")

	// ErrMutationDenied is returned for every update or delete of a ledger
	// row, whatever the caller's privileges.
	ErrMutationDenied = errors.New("mutation denied: ledger rows are append-only")

	// ErrChainConflict is returned when another writer took the chain tail
	// first. It is the only retryable error.
	ErrChainConflict = errors.New("chain conflict: tail moved during append")

	// ErrIntegrityViolation marks a broken hash chain. Never auto-recovered.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrUnverifiedRange is returned when sealing a range that has not
	// passed verification.
	ErrUnverifiedRange = errors.New("unverified range")

	// ErrNotFound is returned when a row, record or seal does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is transient and safe to retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainConflict)
}

// Violation reasons reported by the chain verifier.
const (
	ReasonHashMismatch  = "hash_mismatch"
	ReasonLinkMismatch  = "link_mismatch"
	ReasonSequenceGap   = "sequence_gap"
	ReasonGenesisLinked = "genesis_not_sentinel"
	ReasonTenantLeak    = "tenant_mismatch"
)

// IntegrityViolation identifies the row at which a chain stops verifying.
type IntegrityViolation struct {
	Chain  Chain  `json:"chain"`
	RowID  string `json:"row_id"`
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (v *IntegrityViolation) Error() string {
	msg := fmt.Sprintf("integrity violation in %s at row %s (seq %d): %s", v.Chain, v.RowID, v.Seq, v.Reason)
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}

// Unwrap lets errors.Is match ErrIntegrityViolation.
func (v *IntegrityViolation) Unwrap() error { return ErrIntegrityViolation }
