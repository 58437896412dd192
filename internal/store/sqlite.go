package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// sqliteTime is fixed width so stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000Z07:00"

const sqliteChainSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    seq           INTEGER PRIMARY KEY CHECK (seq > 0),
    id            TEXT    NOT NULL UNIQUE,
    tenant_id     TEXT    NOT NULL,
    actor_id      TEXT    NOT NULL CHECK (actor_id <> ''),
    action        TEXT    NOT NULL CHECK (action <> ''),
    target_type   TEXT    NOT NULL DEFAULT '',
    target_id     TEXT    NOT NULL DEFAULT '',
    payload       TEXT    NOT NULL,
    hash          TEXT    NOT NULL CHECK (hash <> ''),
    previous_hash TEXT    NOT NULL CHECK (previous_hash <> ''),
    created_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (tenant_id, seq DESC);
`

const sqliteSealSchema = `
CREATE TABLE IF NOT EXISTS evidence_seals (
    id          TEXT    PRIMARY KEY,
    chain       TEXT    NOT NULL,
    range_start TEXT    NOT NULL,
    range_end   TEXT    NOT NULL,
    row_count   INTEGER NOT NULL CHECK (row_count > 0),
    seal_hash   TEXT    NOT NULL,
    signature   TEXT    NOT NULL,
    key_id      TEXT    NOT NULL,
    sealed_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_seals_chain_idx ON evidence_seals (chain, sealed_at DESC);
`

// The message prefix is what mapSQLiteError looks for.
const sqliteAppendOnly = `
CREATE TRIGGER IF NOT EXISTS %[2]s BEFORE UPDATE ON %[1]s
BEGIN SELECT RAISE(ABORT, 'append-only: UPDATE on %[3]s is not permitted'); END;
CREATE TRIGGER IF NOT EXISTS %[4]s BEFORE DELETE ON %[1]s
BEGIN SELECT RAISE(ABORT, 'append-only: DELETE on %[3]s is not permitted'); END;
`

const sqliteDomainSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL CHECK (tenant_id <> ''),
    data       TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (tenant_id, created_at);
`

// SQLiteStore is a single-node durable Store on an SQLite file. The schema,
// including the append-only triggers, is created on open. Writers are
// serialised by SQLite itself: transactions begin IMMEDIATE, so two appends
// never read the same tail.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// chained tables, the seal table and one document table per entry of tables.
func OpenSQLite(ctx context.Context, path string, tables []string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx, tables); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context, tables []string) error {
	var b strings.Builder
	for _, c := range ledger.Chains() {
		name := string(c)
		fmt.Fprintf(&b, sqliteChainSchema, quoteIdent(name), quoteIdent(name+"_tenant_idx"))
		fmt.Fprintf(&b, sqliteAppendOnly, quoteIdent(name), quoteIdent(name+"_no_update"), name, quoteIdent(name+"_no_delete"))
	}
	b.WriteString(sqliteSealSchema)
	fmt.Fprintf(&b, sqliteAppendOnly, "evidence_seals", "evidence_seals_no_update", "evidence_seals", "evidence_seals_no_delete")
	for _, t := range tables {
		if t == "" {
			continue
		}
		fmt.Fprintf(&b, sqliteDomainSchema, quoteIdent(t), quoteIdent(t+"_tenant_idx"))
	}
	if _, err := s.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", mapSQLiteError(err))
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapSQLiteError(err))
	}
	return nil
}

// GetRow implements RowReader.
func (s *SQLiteStore) GetRow(ctx context.Context, chain ledger.Chain, id string) (*ledger.Row, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, rowColumns, quoteIdent(string(chain)))
	row, err := scanSQLiteRow(s.db.QueryRowContext(ctx, q, id), chain)
	if err != nil {
		return nil, fmt.Errorf("get %s row %s: %w", chain, id, mapSQLiteError(err))
	}
	return row, nil
}

// TailRow implements RowReader.
func (s *SQLiteStore) TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error) {
	return sqliteTail(ctx, s.db, chain)
}

// ScanRows implements RowReader using keyset pagination on seq. Each page
// is read completely before fn sees it, so fn may use the store.
func (s *SQLiteStore) ScanRows(ctx context.Context, chain ledger.Chain, fromSeq, toSeq int64, batch int, fn func(*ledger.Row) error) error {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE seq >= ? AND (? <= 0 OR seq <= ?)
		ORDER BY seq ASC LIMIT ?`, rowColumns, quoteIdent(string(chain)))

	next := fromSeq
	for {
		rows, err := s.db.QueryContext(ctx, q, next, toSeq, toSeq, batch)
		if err != nil {
			return fmt.Errorf("scan %s: %w", chain, err)
		}
		page, err := collectSQLiteRows(rows, chain)
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

// UpdateRow implements Store. As with PostgresStore, the statement is really
// issued and the trigger refuses it.
func (s *SQLiteStore) UpdateRow(ctx context.Context, row *ledger.Row) error {
	if row == nil {
		return ledger.ErrMutationDenied
	}
	q := fmt.Sprintf(`UPDATE %s SET payload = ?, hash = ? WHERE id = ?`, quoteIdent(string(row.Chain)))
	res, err := s.db.ExecContext(ctx, q, string(row.Payload), row.Hash, row.ID)
	return denied(affected(res, err), mapSQLiteError(err), "update", row.Chain, row.ID)
}

// DeleteRow implements Store.
func (s *SQLiteStore) DeleteRow(ctx context.Context, chain ledger.Chain, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(string(chain)))
	res, err := s.db.ExecContext(ctx, q, id)
	return denied(affected(res, err), mapSQLiteError(err), "delete", chain, id)
}

func affected(res sql.Result, err error) int64 {
	if err != nil || res == nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// RowsByTenant implements Store.
func (s *SQLiteStore) RowsByTenant(ctx context.Context, chain ledger.Chain, tenantID string, limit int) ([]*ledger.Row, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = ? ORDER BY seq DESC LIMIT ?`, rowColumns, quoteIdent(string(chain)))
	rows, err := s.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s rows: %w", chain, err)
	}
	return collectSQLiteRows(rows, chain)
}

// QueryRecords implements Store. Field filters compare the JSON value's text
// form, with booleans rendered as true/false like the other stores.
func (s *SQLiteStore) QueryRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT id, tenant_id, data, created_at, updated_at FROM %s WHERE tenant_id = ?`, quoteIdent(q.Table))
	args := []any{q.TenantID}
	for _, f := range q.Filters {
		if f.Column == "id" {
			sb.WriteString(` AND id = ?`)
			args = append(args, fmt.Sprint(f.Value))
			continue
		}
		if strings.ContainsAny(f.Column, `"\`) {
			return nil, fmt.Errorf("%w: unsupported filter column %q", ledger.ErrValidation, f.Column)
		}
		path := `$."` + f.Column + `"`
		sb.WriteString(` AND (CASE json_type(data, ?) WHEN 'true' THEN 'true' WHEN 'false' THEN 'false'
			ELSE CAST(json_extract(data, ?) AS TEXT) END) = ?`)
		args = append(args, path, path, fmt.Sprint(f.Value))
	}
	if q.Descending {
		sb.WriteString(` ORDER BY created_at DESC, id DESC`)
	} else {
		sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows, q.Table)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", q.Table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ForceAppend implements Store.
func (s *SQLiteStore) ForceAppend(ctx context.Context, row *ledger.Row) error {
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

// SaveSeal implements Store. A second seal with the same id is refused.
func (s *SQLiteStore) SaveSeal(ctx context.Context, seal *SealRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence_seals (`+sealColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seal.ID, string(seal.Chain), seal.RangeStart, seal.RangeEnd, seal.RowCount,
		seal.SealHash, seal.Signature, seal.KeyID, formatSQLiteTime(seal.SealedAt),
	)
	if isSQLiteKeyViolation(err) {
		return fmt.Errorf("seal %s: %w", seal.ID, ledger.ErrMutationDenied)
	}
	if err != nil {
		return fmt.Errorf("insert seal: %w", mapSQLiteError(err))
	}
	return nil
}

// GetSeal implements Store.
func (s *SQLiteStore) GetSeal(ctx context.Context, id string) (*SealRecord, error) {
	seal, err := scanSQLiteSeal(s.db.QueryRowContext(ctx, `SELECT `+sealColumns+` FROM evidence_seals WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get seal %s: %w", id, mapSQLiteError(err))
	}
	return seal, nil
}

// ListSeals implements Store.
func (s *SQLiteStore) ListSeals(ctx context.Context, chain ledger.Chain, limit int) ([]*SealRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sealColumns+` FROM evidence_seals
		 WHERE (? = '' OR chain = ?)
		 ORDER BY sealed_at DESC LIMIT ?`, string(chain), string(chain), limit)
	if err != nil {
		return nil, fmt.Errorf("list seals: %w", err)
	}
	defer rows.Close()

	var out []*SealRecord
	for rows.Next() {
		seal, err := scanSQLiteSeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seal: %w", err)
		}
		out = append(out, seal)
	}
	return out, rows.Err()
}

// ── transaction ──────────────────────────────────────────────────────────────

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) TailRow(ctx context.Context, chain ledger.Chain) (*ledger.Row, error) {
	return sqliteTail(ctx, t.tx, chain)
}

func (t *sqliteTx) AppendRow(ctx context.Context, row *ledger.Row) error {
	if err := row.Validate(); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quoteIdent(string(row.Chain)), rowColumns)
	_, err := t.tx.ExecContext(ctx, q,
		row.Seq, row.ID, row.TenantID, row.ActorID, row.Action,
		row.TargetType, row.TargetID, string(row.Payload),
		row.Hash, row.PreviousHash, formatSQLiteTime(row.CreatedAt),
	)
	if isSQLiteKeyViolation(err) {
		return fmt.Errorf("%w: %s seq %d taken", ledger.ErrChainConflict, row.Chain, row.Seq)
	}
	if err != nil {
		return fmt.Errorf("append %s row: %w", row.Chain, mapSQLiteError(err))
	}
	return nil
}

func (t *sqliteTx) InsertRecord(ctx context.Context, rec *Record) error {
	if rec.TenantID == "" || rec.ID == "" || rec.Table == "" {
		return fmt.Errorf("%w: record needs table, id and tenant", ledger.ErrValidation)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: marshal fields: %v", ledger.ErrValidation, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt

	q := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`, quoteIdent(rec.Table))
	_, err = t.tx.ExecContext(ctx, q, rec.ID, rec.TenantID, string(data),
		formatSQLiteTime(rec.CreatedAt), formatSQLiteTime(rec.UpdatedAt))
	if isSQLiteKeyViolation(err) {
		return fmt.Errorf("%w: record %s/%s already exists", ledger.ErrValidation, rec.Table, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert %s record: %w", rec.Table, mapSQLiteError(err))
	}
	return nil
}

func (t *sqliteTx) lookup(ctx context.Context, table, tenantID, id string) (*Record, error) {
	q := fmt.Sprintf(`SELECT id, tenant_id, data, created_at, updated_at FROM %s WHERE id = ? AND tenant_id = ?`, quoteIdent(table))
	rec, err := scanSQLiteRecord(t.tx.QueryRowContext(ctx, q, id, tenantID), table)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", table, id, mapSQLiteError(err))
	}
	return rec, nil
}

// UpdateRecord merges fields into the stored document, shallowly, like the
// PostgreSQL jsonb || operator.
func (t *sqliteTx) UpdateRecord(ctx context.Context, table, tenantID, id string, fields map[string]any) (*Record, error) {
	rec, err := t.lookup(ctx, table, tenantID, id)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal fields: %v", ledger.ErrValidation, err)
	}
	rec.UpdatedAt = time.Now().UTC()

	q := fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`, quoteIdent(table))
	if _, err := t.tx.ExecContext(ctx, q, string(data), formatSQLiteTime(rec.UpdatedAt), id, tenantID); err != nil {
		return nil, fmt.Errorf("update record %s/%s: %w", table, id, mapSQLiteError(err))
	}
	return rec, nil
}

func (t *sqliteTx) DeleteRecord(ctx context.Context, table, tenantID, id string) (*Record, error) {
	rec, err := t.lookup(ctx, table, tenantID, id)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND tenant_id = ?`, quoteIdent(table))
	if _, err := t.tx.ExecContext(ctx, q, id, tenantID); err != nil {
		return nil, fmt.Errorf("delete record %s/%s: %w", table, id, mapSQLiteError(err))
	}
	return rec, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func sqliteTail(ctx context.Context, q sqliteQuerier, chain ledger.Chain) (*ledger.Row, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq DESC LIMIT 1`, rowColumns, quoteIdent(string(chain)))
	row, err := scanSQLiteRow(q.QueryRowContext(ctx, query), chain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s tail: %w", chain, err)
	}
	return row, nil
}

func scanSQLiteRow(src sqliteScanner, chain ledger.Chain) (*ledger.Row, error) {
	r := &ledger.Row{Chain: chain}
	var payload, created string
	if err := src.Scan(
		&r.Seq, &r.ID, &r.TenantID, &r.ActorID, &r.Action,
		&r.TargetType, &r.TargetID, &payload,
		&r.Hash, &r.PreviousHash, &created,
	); err != nil {
		return nil, err
	}
	createdAt, err := parseSQLiteTime(created)
	if err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = createdAt
	return r, nil
}

func collectSQLiteRows(rows *sql.Rows, chain ledger.Chain) ([]*ledger.Row, error) {
	defer rows.Close()
	var out []*ledger.Row
	for rows.Next() {
		r, err := scanSQLiteRow(rows, chain)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSQLiteRecord(src sqliteScanner, table string) (*Record, error) {
	rec := &Record{Table: table}
	var data, created, updated string
	if err := src.Scan(&rec.ID, &rec.TenantID, &data, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	var err error
	if rec.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanSQLiteSeal(src sqliteScanner) (*SealRecord, error) {
	seal := &SealRecord{}
	var chain, sealedAt string
	if err := src.Scan(
		&seal.ID, &chain, &seal.RangeStart, &seal.RangeEnd, &seal.RowCount,
		&seal.SealHash, &seal.Signature, &seal.KeyID, &sealedAt,
	); err != nil {
		return nil, err
	}
	t, err := parseSQLiteTime(sealedAt)
	if err != nil {
		return nil, err
	}
	seal.Chain = ledger.Chain(chain)
	seal.SealedAt = t
	return seal, nil
}

// The driver's typed errors only exist in cgo builds, so constraint failures
// are recognised by SQLite's own message text.
func isSQLiteKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapSQLiteError translates driver errors into the ledger error taxonomy and
// passes anything else through unchanged.
func mapSQLiteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrNotFound
	case strings.Contains(err.Error(), "append-only:"):
		return fmt.Errorf("%w: %s", ledger.ErrMutationDenied, err.Error())
	}
	return err
}
