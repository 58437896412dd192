package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the sentinel PreviousHash of the first row in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Chain names one chained table. The set is closed: each value maps to a
// table with a compile-time-known schema.
type Chain string

const (
	ChainAuditEvents      Chain = "audit_events"
	ChainEquityEntries    Chain = "equity_entries"
	ChainAutomationEvents Chain = "automation_events"
)

// Chains lists every chained table in a stable order.
func Chains() []Chain {
	return []Chain{ChainAuditEvents, ChainEquityEntries, ChainAutomationEvents}
}

// ParseChain converts a table name into a Chain.
func ParseChain(s string) (Chain, error) {
	for _, c := range Chains() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown chain %q", ErrValidation, s)
}

// Row is a single immutable ledger record.
type Row struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Chain        Chain           `json:"chain"`
	TenantID     string          `json:"tenant_id"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	TargetType   string          `json:"target_type"`
	TargetID     string          `json:"target_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Now returns the current UTC time truncated to the precision PostgreSQL
// timestamptz stores, so a row's digest survives a database round trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Validate checks the structural rules the store enforces on append.
func (r *Row) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil row", ErrValidation)
	case r.ID == "":
		return fmt.Errorf("%w: row id is required", ErrValidation)
	case r.Seq <= 0:
		return fmt.Errorf("%w: row seq must be positive, got %d", ErrValidation, r.Seq)
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	case r.ActorID == "":
		return fmt.Errorf("%w: actor id is required", ErrValidation)
	case r.Action == "":
		return fmt.Errorf("%w: action is required", ErrValidation)
	case r.Hash == "":
		return fmt.Errorf("%w: hash must not be empty", ErrValidation)
	case r.PreviousHash == "":
		return fmt.Errorf("%w: previous hash must not be empty", ErrValidation)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is required", ErrValidation)
	}
	if _, err := ParseChain(string(r.Chain)); err != nil {
		return err
	}
	return nil
}

// IsGenesis reports whether the row is the first of its chain.
func (r *Row) IsGenesis() bool { return r.Seq == 1 }

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &cp
}
