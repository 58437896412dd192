// Package store is the Ledger Store: append-only chained tables with
// structural tamper resistance, plus the tenant-qualified domain tables the
// Scoped Access Gate writes alongside them.
//
// Two implementations of Store are provided:
//   - MemoryStore: in-process, for tests and single-process development.
//   - PostgresStore: durable; append-only rules are enforced by triggers.
//
// Application code must not import this package directly; go through
// internal/gate. cmd/boundarylint enforces that.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
)

// DefaultBatchSize is the number of rows ScanRows fetches per round trip.
const DefaultBatchSize = 500

// Record is one row of a tenant-qualified domain table.
type Record struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	TenantID  string         `json:"tenant_id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Filter is an equality predicate on a record field. Column "id" matches the
// record id; any other column matches a key inside Fields.
type Filter struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// RecordQuery selects records of one table for one tenant. TenantID is
// mandatory; stores reject a query without it.
type RecordQuery struct {
	Table      string
	TenantID   string
	Filters    []Filter
	Limit      int
	Descending bool
}

// SealRecord is the persisted form of an evidence seal.
type SealRecord struct {
	ID         string       `json:"id"`
	Chain      ledger.Chain `json:"chain"`
	RangeStart string       `json:"range_start"`
	RangeEnd   string       `json:"range_end"`
	RowCount   int64        `json:"row_count"`
	SealHash   string       `json:"seal_hash"`
	Signature  string       `json:"signature"`
	KeyID      string       `json:"key_id"`
	SealedAt   time.Time    `json:"sealed_at"`
}

// Tx is the unit of work the gate runs a domain mutation and its ledger row
// in. Either everything staged in a Tx becomes visible, or nothing does.
type Tx interface {
	// TailRow returns the most recent row of chain as seen by this
	// transaction, or nil when the chain is empty.
	TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error)

	// AppendRow appends a fully formed row. It fails with ErrValidation when
	// the row is malformed and with ErrChainConflict when row.Seq is taken.
	// It does not check that PreviousHash links to an existing row.
	AppendRow(ctx context.Context, row *ledger.Row) error

	InsertRecord(ctx context.Context, rec *Record) error
	UpdateRecord(ctx context.Context, table, tenantID, id string, fields map[string]any) (*Record, error)
	DeleteRecord(ctx context.Context, table, tenantID, id string) (*Record, error)
}

// RowReader is the read side of the chained tables.
type RowReader interface {
	GetRow(ctx context.Context, chain ledger.Chain, id string) (*ledger.Row, error)
	TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error)

	// ScanRows streams rows with fromSeq <= seq <= toSeq in write order,
	// batch rows at a time. toSeq <= 0 means the end of the chain.
	ScanRows(ctx context.Context, chain ledger.Chain, fromSeq, toSeq int64, batch int, fn func(*ledger.Row) error) error
}

// Store is the full storage surface.
type Store interface {
	RowReader

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// UpdateRow and DeleteRow exist so the denial is observable. They
	// always fail with ErrMutationDenied.
	UpdateRow(ctx context.Context, row *ledger.Row) error
	DeleteRow(ctx context.Context, chain ledger.Chain, id string) error

	RowsByTenant(ctx context.Context, chain ledger.Chain, tenantID string, limit int) ([]*ledger.Row, error)
	QueryRecords(ctx context.Context, q RecordQuery) ([]*Record, error)

	// ForceAppend writes a row below the gate: no tail read, no domain
	// pairing, no linkage check. A zero Seq is assigned the next position.
	// Only forensics tooling and tests call it.
	ForceAppend(ctx context.Context, row *ledger.Row) error

	SaveSeal(ctx context.Context, seal *SealRecord) error
	GetSeal(ctx context.Context, id string) (*SealRecord, error)
	ListSeals(ctx context.Context, chain ledger.Chain, limit int) ([]*SealRecord, error)
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Fields = cloneFields(r.Fields)
	return &cp
}

// denied builds the error of a refused UpdateRow or DeleteRow. err must
// already be mapped onto the ledger taxonomy. A statement that matched rows
// and succeeded means the append-only triggers are missing.
func denied(affected int64, err error, op string, chain ledger.Chain, id string) error {
	switch {
	case err == nil && affected == 0:
		return fmt.Errorf("%s %s row %s: %w", op, chain, id, ledger.ErrMutationDenied)
	case err == nil:
		return fmt.Errorf("%s %s row %s was not refused, append-only triggers missing: %w", op, chain, id, ledger.ErrIntegrityViolation)
	case errors.Is(err, ledger.ErrMutationDenied):
		return fmt.Errorf("%s %s row %s: %w", op, chain, id, ledger.ErrMutationDenied)
	}
	return fmt.Errorf("%s %s row %s: %w", op, chain, id, err)
}
