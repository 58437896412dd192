package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"go.uber.org/zap"
)

const rowColumns = `seq, id, tenant_id, actor_id, action, target_type, target_id, payload, hash, previous_hash, created_at`

// SQLSTATE codes the store maps onto the error taxonomy.
const (
	pgUniqueViolation       = "23505"
	pgRaiseException        = "P0001"
	pgInsufficientPrivilege = "42501"
)

// PostgresStore persists chained tables, domain tables and seals to
// PostgreSQL. Immutability of chained rows is enforced by the triggers in
// migrations/002_append_only.up.sql; this type only translates their errors.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithTx implements Store. Per-chain serialisation comes from the seq
// primary key: of two transactions that read the same tail, the second
// insert fails with a unique violation once the first commits, which is
// surfaced as ErrChainConflict.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
	return mapPgError(err)
}

// GetRow implements RowReader.
func (s *PostgresStore) GetRow(ctx context.Context, chain ledger.Chain, id string) (*ledger.Row, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, rowColumns, chainTable(chain))
	row, err := scanRow(s.pool.QueryRow(ctx, q, id), chain)
	if err != nil {
		return nil, fmt.Errorf("get %s row %s: %w", chain, id, mapPgError(err))
	}
	return row, nil
}

// TailRow implements RowReader.
func (s *PostgresStore) TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error) {
	return tailRow(ctx, s.pool, chain)
}

// ScanRows implements RowReader using keyset pagination on seq.
func (s *PostgresStore) ScanRows(ctx context.Context, chain ledger.Chain, fromSeq, toSeq int64, batch int, fn func(*ledger.Row) error) error {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE seq >= $1 AND ($2::bigint <= 0 OR seq <= $2::bigint)
		ORDER BY seq ASC LIMIT $3`, rowColumns, chainTable(chain))

	next := fromSeq
	for {
		rows, err := s.pool.Query(ctx, q, next, toSeq, batch)
		if err != nil {
			return fmt.Errorf("scan %s: %w", chain, err)
		}
		page, err := collectRows(rows, chain)
		if err != nil {
			return fmt.Errorf("scan %s: %w", chain, err)
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < batch {
			return nil
		}
		next = page[len(page)-1].Seq + 1
	}
}

// UpdateRow implements Store. The statement is really issued: the trigger,
// not this method, is what refuses it.
func (s *PostgresStore) UpdateRow(ctx context.Context, row *ledger.Row) error {
	if row == nil {
		return ledger.ErrMutationDenied
	}
	q := fmt.Sprintf(`UPDATE %s SET payload = $2, hash = $3 WHERE id = $1`, chainTable(row.Chain))
	tag, err := s.pool.Exec(ctx, q, row.ID, string(row.Payload), row.Hash)
	return denied(tag.RowsAffected(), mapPgError(err), "update", row.Chain, row.ID)
}

// DeleteRow implements Store.
func (s *PostgresStore) DeleteRow(ctx context.Context, chain ledger.Chain, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, chainTable(chain))
	tag, err := s.pool.Exec(ctx, q, id)
	return denied(tag.RowsAffected(), mapPgError(err), "delete", chain, id)
}

// RowsByTenant implements Store.
func (s *PostgresStore) RowsByTenant(ctx context.Context, chain ledger.Chain, tenantID string, limit int) ([]*ledger.Row, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY seq DESC LIMIT $2`, rowColumns, chainTable(chain))
	rows, err := s.pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s rows: %w", chain, err)
	}
	return collectRows(rows, chain)
}

// QueryRecords implements Store.
func (s *PostgresStore) QueryRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT id, tenant_id, data, created_at, updated_at FROM %s WHERE tenant_id = $1`,
		pgx.Identifier{q.Table}.Sanitize())
	args := []any{q.TenantID}
	for _, f := range q.Filters {
		if f.Column == "id" {
			args = append(args, fmt.Sprint(f.Value))
			fmt.Fprintf(&sb, ` AND id = $%d`, len(args))
			continue
		}
		args = append(args, f.Column, fmt.Sprint(f.Value))
		fmt.Fprintf(&sb, ` AND data->>$%d = $%d`, len(args)-1, len(args))
	}
	if q.Descending {
		sb.WriteString(` ORDER BY created_at DESC, id DESC`)
	} else {
		sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, q.Table)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", q.Table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ForceAppend implements Store.
func (s *PostgresStore) ForceAppend(ctx context.Context, row *ledger.Row) error {
	return s.WithTx(ctx, func(tx Tx) error {
		if row.Seq == 0 {
			tail, err := tx.TailRow(ctx, row.Chain)
			if err != nil {
				return err
			}
			row.Seq = 1
			if tail != nil {
				row.Seq = tail.Seq + 1
			}
		}
		return tx.AppendRow(ctx, row)
	})
}

// SaveSeal implements Store.
func (s *PostgresStore) SaveSeal(ctx context.Context, seal *SealRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence_seals (id, chain, range_start, range_end, row_count, seal_hash, signature, key_id, sealed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		seal.ID, string(seal.Chain), seal.RangeStart, seal.RangeEnd, seal.RowCount,
		seal.SealHash, seal.Signature, seal.KeyID, seal.SealedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seal: %w", mapPgError(err))
	}
	return nil
}

const sealColumns = `id, chain, range_start, range_end, row_count, seal_hash, signature, key_id, sealed_at`

// GetSeal implements Store.
func (s *PostgresStore) GetSeal(ctx context.Context, id string) (*SealRecord, error) {
	seal, err := scanSeal(s.pool.QueryRow(ctx, `SELECT `+sealColumns+` FROM evidence_seals WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get seal %s: %w", id, mapPgError(err))
	}
	return seal, nil
}

// ListSeals implements Store.
func (s *PostgresStore) ListSeals(ctx context.Context, chain ledger.Chain, limit int) ([]*SealRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sealColumns+` FROM evidence_seals
		 WHERE ($1 = '' OR chain = $1)
		 ORDER BY sealed_at DESC LIMIT $2`, string(chain), limit)
	if err != nil {
		return nil, fmt.Errorf("list seals: %w", err)
	}
	defer rows.Close()

	var out []*SealRecord
	for rows.Next() {
		seal, err := scanSeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seal: %w", err)
		}
		out = append(out, seal)
	}
	return out, rows.Err()
}

// ── transaction ──────────────────────────────────────────────────────────────

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error) {
	return tailRow(ctx, t.tx, chain)
}

func (t *postgresTx) AppendRow(ctx context.Context, row *ledger.Row) error {
	if err := row.Validate(); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		chainTable(row.Chain), rowColumns)
	_, err := t.tx.Exec(ctx, q,
		row.Seq, row.ID, row.TenantID, row.ActorID, row.Action,
		row.TargetType, row.TargetID, string(row.Payload),
		row.Hash, row.PreviousHash, row.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s seq %d taken", ledger.ErrChainConflict, row.Chain, row.Seq)
		}
		return fmt.Errorf("append %s row: %w", row.Chain, mapPgError(err))
	}
	return nil
}

func (t *postgresTx) InsertRecord(ctx context.Context, rec *Record) error {
	if rec.TenantID == "" || rec.ID == "" || rec.Table == "" {
		return fmt.Errorf("%w: record needs table, id and tenant", ledger.ErrValidation)
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: marshal fields: %v", ledger.ErrValidation, err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	q := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, data, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $5)`,
		pgx.Identifier{rec.Table}.Sanitize())
	if _, err := t.tx.Exec(ctx, q, rec.ID, rec.TenantID, string(data), rec.CreatedAt, rec.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: record %s/%s already exists", ledger.ErrValidation, rec.Table, rec.ID)
		}
		return fmt.Errorf("insert %s record: %w", rec.Table, mapPgError(err))
	}
	return nil
}

func (t *postgresTx) UpdateRecord(ctx context.Context, table, tenantID, id string, fields map[string]any) (*Record, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal fields: %v", ledger.ErrValidation, err)
	}
	q := fmt.Sprintf(`UPDATE %s SET data = data || $3::jsonb, updated_at = $4
		WHERE id = $1 AND tenant_id = $2
		RETURNING id, tenant_id, data, created_at, updated_at`, pgx.Identifier{table}.Sanitize())
	rec, err := scanRecord(t.tx.QueryRow(ctx, q, id, tenantID, string(data), time.Now().UTC()), table)
	if err != nil {
		return nil, fmt.Errorf("update record %s/%s: %w", table, id, mapPgError(err))
	}
	return rec, nil
}

func (t *postgresTx) DeleteRecord(ctx context.Context, table, tenantID, id string) (*Record, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND tenant_id = $2
		RETURNING id, tenant_id, data, created_at, updated_at`, pgx.Identifier{table}.Sanitize())
	rec, err := scanRecord(t.tx.QueryRow(ctx, q, id, tenantID), table)
	if err != nil {
		return nil, fmt.Errorf("delete record %s/%s: %w", table, id, mapPgError(err))
	}
	return rec, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func chainTable(chain ledger.Chain) string {
	return pgx.Identifier{string(chain)}.Sanitize()
}

func tailRow(ctx context.Context, q querier, chain ledger.Chain) (*ledger.Row, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq DESC LIMIT 1`, rowColumns, chainTable(chain))
	row, err := scanRow(q.QueryRow(ctx, sql), chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s tail: %w", chain, err)
	}
	return row, nil
}

func scanRow(src pgx.Row, chain ledger.Chain) (*ledger.Row, error) {
	r := &ledger.Row{Chain: chain}
	var payload string
	if err := src.Scan(
		&r.Seq, &r.ID, &r.TenantID, &r.ActorID, &r.Action,
		&r.TargetType, &r.TargetID, &payload,
		&r.Hash, &r.PreviousHash, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func collectRows(rows pgx.Rows, chain ledger.Chain) ([]*ledger.Row, error) {
	defer rows.Close()
	var out []*ledger.Row
	for rows.Next() {
		r, err := scanRow(rows, chain)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(src pgx.Row, table string) (*Record, error) {
	rec := &Record{Table: table}
	var data []byte
	if err := src.Scan(&rec.ID, &rec.TenantID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

func scanSeal(src pgx.Row) (*SealRecord, error) {
	seal := &SealRecord{}
	var chain string
	if err := src.Scan(
		&seal.ID, &chain, &seal.RangeStart, &seal.RangeEnd, &seal.RowCount,
		&seal.SealHash, &seal.Signature, &seal.KeyID, &seal.SealedAt,
	); err != nil {
		return nil, err
	}
	seal.Chain = ledger.Chain(chain)
	seal.SealedAt = seal.SealedAt.UTC()
	return seal, nil
}

// mapPgError translates driver errors into the ledger error taxonomy and
// passes anything else through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgRaiseException && strings.HasPrefix(pgErr.Message, "append-only"):
		return fmt.Errorf("%w: %s", ledger.ErrMutationDenied, pgErr.Message)
	case pgErr.Code == pgInsufficientPrivilege:
		return fmt.Errorf("%w: %s", ledger.ErrMutationDenied, pgErr.Message)
	}
	return err
}
