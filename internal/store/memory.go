package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
)

// MemoryStore is an in-memory, thread-safe Store. Transactions stage their
// writes and apply them atomically at commit; a commit that finds a staged
// row's position already taken fails with ErrChainConflict.
type MemoryStore struct {
	mu      sync.RWMutex
	chains  map[ledger.Chain][]*ledger.Row
	records map[string]map[string]*Record
	seals   []*SealRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		chains:  make(map[ledger.Chain][]*ledger.Row),
		records: make(map[string]map[string]*Record),
	}
	for _, c := range ledger.Chains() {
		s.chains[c] = nil
	}
	return s
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		store:   s,
		rows:    make(map[ledger.Chain][]*ledger.Row),
		records: make(map[string]map[string]*Record),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for chain, staged := range tx.rows {
		next := int64(len(s.chains[chain])) + 1
		for _, r := range staged {
			if r.Seq != next {
				return fmt.Errorf("%w: %s seq %d taken", ledger.ErrChainConflict, chain, r.Seq)
			}
			next++
		}
	}
	if err := s.checkOps(tx.ops); err != nil {
		return err
	}

	for chain, staged := range tx.rows {
		s.chains[chain] = append(s.chains[chain], staged...)
	}
	for _, op := range tx.ops {
		s.applyOp(op)
	}
	return nil
}

// checkOps replays the staged domain operations against the committed state
// so an insert followed by an update of the same record passes.
func (s *MemoryStore) checkOps(ops []recordOp) error {
	view := make(map[string]*Record)
	for _, op := range ops {
		key := op.rec.Table + "\x00" + op.rec.ID
		existing, seen := view[key]
		if !seen {
			existing = s.records[op.rec.Table][op.rec.ID]
		}
		switch op.kind {
		case opInsert:
			if existing != nil {
				return fmt.Errorf("%w: record %s/%s already exists", ledger.ErrValidation, op.rec.Table, op.rec.ID)
			}
		case opUpdate, opDelete:
			if existing == nil || existing.TenantID != op.rec.TenantID {
				return fmt.Errorf("record %s/%s: %w", op.rec.Table, op.rec.ID, ledger.ErrNotFound)
			}
		}
		if op.kind == opDelete {
			view[key] = nil
		} else {
			view[key] = op.rec
		}
	}
	return nil
}

func (s *MemoryStore) applyOp(op recordOp) {
	table := s.records[op.rec.Table]
	if table == nil {
		table = make(map[string]*Record)
		s.records[op.rec.Table] = table
	}
	if op.kind == opDelete {
		delete(table, op.rec.ID)
		return
	}
	table[op.rec.ID] = op.rec.clone()
}

// GetRow implements RowReader.
func (s *MemoryStore) GetRow(_ context.Context, chain ledger.Chain, id string) (*ledger.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.chains[chain] {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("row %s in %s: %w", id, chain, ledger.ErrNotFound)
}

// TailRow implements RowReader.
func (s *MemoryStore) TailRow(_ context.Context, chain ledger.Chain) (*ledger.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tailLocked(chain), nil
}

func (s *MemoryStore) tailLocked(chain ledger.Chain) *ledger.Row {
	rows := s.chains[chain]
	if len(rows) == 0 {
		return nil
	}
	return rows[len(rows)-1].Clone()
}

// ScanRows implements RowReader. The lock is taken per batch, so writers are
// never blocked for the length of a full scan.
func (s *MemoryStore) ScanRows(ctx context.Context, chain ledger.Chain, fromSeq, toSeq int64, batch int, fn func(*ledger.Row) error) error {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	next := fromSeq
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := s.page(chain, next, toSeq, batch)
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

// page slices the chain directly: every append path enforces seq == len+1,
// so the row with seq n sits at index n-1.
func (s *MemoryStore) page(chain ledger.Chain, fromSeq, toSeq int64, batch int) []*ledger.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.chains[chain]
	if fromSeq > int64(len(rows)) {
		return nil
	}
	end := int64(len(rows))
	if toSeq > 0 && toSeq < end {
		end = toSeq
	}
	if end-fromSeq+1 > int64(batch) {
		end = fromSeq - 1 + int64(batch)
	}
	if end < fromSeq {
		return nil
	}
	out := make([]*ledger.Row, 0, end-fromSeq+1)
	for _, r := range rows[fromSeq-1 : end] {
		out = append(out, r.Clone())
	}
	return out
}

// UpdateRow implements Store. It always fails.
func (s *MemoryStore) UpdateRow(_ context.Context, row *ledger.Row) error {
	if row == nil {
		return ledger.ErrMutationDenied
	}
	return fmt.Errorf("update %s row %s: %w", row.Chain, row.ID, ledger.ErrMutationDenied)
}

// DeleteRow implements Store. It always fails.
func (s *MemoryStore) DeleteRow(_ context.Context, chain ledger.Chain, id string) error {
	return fmt.Errorf("delete %s row %s: %w", chain, id, ledger.ErrMutationDenied)
}

// RowsByTenant implements Store. Newest rows first.
func (s *MemoryStore) RowsByTenant(_ context.Context, chain ledger.Chain, tenantID string, limit int) ([]*ledger.Row, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.chains[chain]
	var out []*ledger.Row
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		if rows[i].TenantID == tenantID {
			out = append(out, rows[i].Clone())
		}
	}
	return out, nil
}

// QueryRecords implements Store.
func (s *MemoryStore) QueryRecords(_ context.Context, q RecordQuery) ([]*Record, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ledger.ErrValidation)
	}
	s.mu.RLock()
	var out []*Record
	for _, rec := range s.records[q.Table] {
		if rec.TenantID != q.TenantID || !matches(rec, q.Filters) {
			continue
		}
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if q.Descending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(rec *Record, filters []Filter) bool {
	for _, f := range filters {
		var got any
		switch f.Column {
		case "id":
			got = rec.ID
		default:
			v, ok := rec.Fields[f.Column]
			if !ok {
				return false
			}
			got = v
		}
		if fmt.Sprint(got) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

// ForceAppend implements Store.
func (s *MemoryStore) ForceAppend(_ context.Context, row *ledger.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := int64(len(s.chains[row.Chain])) + 1
	if row.Seq == 0 {
		row.Seq = next
	}
	if err := row.Validate(); err != nil {
		return err
	}
	if row.Seq != next {
		return fmt.Errorf("%w: %s seq %d taken", ledger.ErrChainConflict, row.Chain, row.Seq)
	}
	s.chains[row.Chain] = append(s.chains[row.Chain], row.Clone())
	return nil
}

// SaveSeal implements Store. Seals are append-only too.
func (s *MemoryStore) SaveSeal(_ context.Context, seal *SealRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.seals {
		if existing.ID == seal.ID {
			return fmt.Errorf("seal %s: %w", seal.ID, ledger.ErrMutationDenied)
		}
	}
	cp := *seal
	s.seals = append(s.seals, &cp)
	return nil
}

// GetSeal implements Store.
func (s *MemoryStore) GetSeal(_ context.Context, id string) (*SealRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seal := range s.seals {
		if seal.ID == id {
			cp := *seal
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("seal %s: %w", id, ledger.ErrNotFound)
}

// ListSeals implements Store. Newest first; an empty chain lists all chains.
func (s *MemoryStore) ListSeals(_ context.Context, chain ledger.Chain, limit int) ([]*SealRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SealRecord
	for i := len(s.seals) - 1; i >= 0 && len(out) < limit; i-- {
		if chain != "" && s.seals[i].Chain != chain {
			continue
		}
		cp := *s.seals[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ── transaction ──────────────────────────────────────────────────────────────

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type recordOp struct {
	kind opKind
	rec  *Record
}

type memoryTx struct {
	store   *MemoryStore
	rows    map[ledger.Chain][]*ledger.Row
	records map[string]map[string]*Record // staged view; nil value = deleted
	ops     []recordOp
}

func (tx *memoryTx) TailRow(_ context.Context, chain ledger.Chain) (*ledger.Row, error) {
	if staged := tx.rows[chain]; len(staged) > 0 {
		return staged[len(staged)-1].Clone(), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.tailLocked(chain), nil
}

func (tx *memoryTx) AppendRow(_ context.Context, row *ledger.Row) error {
	if err := row.Validate(); err != nil {
		return err
	}
	if staged := tx.rows[row.Chain]; len(staged) > 0 && staged[len(staged)-1].Seq >= row.Seq {
		return fmt.Errorf("%w: %s seq %d taken", ledger.ErrChainConflict, row.Chain, row.Seq)
	}
	tx.rows[row.Chain] = append(tx.rows[row.Chain], row.Clone())
	return nil
}

func (tx *memoryTx) lookup(table, id string) (*Record, bool) {
	if staged, ok := tx.records[table][id]; ok {
		return staged, staged != nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	rec := tx.store.records[table][id]
	if rec == nil {
		return nil, false
	}
	return rec.clone(), true
}

func (tx *memoryTx) stage(kind opKind, rec *Record) {
	if tx.records[rec.Table] == nil {
		tx.records[rec.Table] = make(map[string]*Record)
	}
	if kind == opDelete {
		tx.records[rec.Table][rec.ID] = nil
	} else {
		tx.records[rec.Table][rec.ID] = rec.clone()
	}
	tx.ops = append(tx.ops, recordOp{kind: kind, rec: rec.clone()})
}

func (tx *memoryTx) InsertRecord(_ context.Context, rec *Record) error {
	if rec.TenantID == "" || rec.ID == "" || rec.Table == "" {
		return fmt.Errorf("%w: record needs table, id and tenant", ledger.ErrValidation)
	}
	if _, exists := tx.lookup(rec.Table, rec.ID); exists {
		return fmt.Errorf("%w: record %s/%s already exists", ledger.ErrValidation, rec.Table, rec.ID)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	tx.stage(opInsert, rec)
	return nil
}

func (tx *memoryTx) UpdateRecord(_ context.Context, table, tenantID, id string, fields map[string]any) (*Record, error) {
	rec, ok := tx.lookup(table, id)
	if !ok || rec.TenantID != tenantID {
		return nil, fmt.Errorf("record %s/%s: %w", table, id, ledger.ErrNotFound)
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	tx.stage(opUpdate, rec)
	return rec.clone(), nil
}

func (tx *memoryTx) DeleteRecord(_ context.Context, table, tenantID, id string) (*Record, error) {
	rec, ok := tx.lookup(table, id)
	if !ok || rec.TenantID != tenantID {
		return nil, fmt.Errorf("record %s/%s: %w", table, id, ledger.ErrNotFound)
	}
	tx.stage(opDelete, rec)
	return rec, nil
}
