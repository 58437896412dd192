// Package gate is the Scoped Access Gate: the only path from application code
// to the ledger store and the tenant-qualified domain tables.
//
// Every write goes through AuditedWrite, which applies the domain change and
// appends the matching ledger row in one transaction. Every read goes through
// ScopedRead, which always constrains the query to the caller's tenant.
package gate

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/metrics"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"go.uber.org/zap"
)

// TableRegistry tells the gate which domain tables exist and which of them
// are tenant-scoped. The isolation package's Registry implements it.
type TableRegistry interface {
	Contains(table string) bool
	IsTenantScoped(table string) bool
}

// systemOnlyRegistry is implemented by registries that can mark exempt
// tables as writable only under a system scope.
type systemOnlyRegistry interface {
	IsSystemOnly(table string) bool
}

// AuditRunsTable holds isolation certification results. It is a platform
// table: the gate knows it without consulting the registry, and only system
// scopes may write it, so a run is recorded even against a broken registry.
const AuditRunsTable = "isolation_audit_runs"

var platformTables = map[string]bool{AuditRunsTable: true}

// IsPlatformTable reports whether table is owned by the platform rather than
// by the tenant boundary registry.
func IsPlatformTable(table string) bool { return platformTables[table] }

// PlatformTables lists the platform tables in a stable order.
func PlatformTables() []string { return []string{AuditRunsTable} }

// reservedActionPrefixes name ledger actions the platform itself records.
// A tenant scope writing one would forge an engine or monitor entry.
var reservedActionPrefixes = []string{"isolation.", "chain."}

func reservedAction(action string) bool {
	for _, p := range reservedActionPrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how often AuditedWrite retries a lost tail race.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is used when New is given a zero policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d/2+1)))
}

// Gate mediates all access to the store.
type Gate struct {
	store    store.Store
	registry TableRegistry
	retry    RetryPolicy
	logger   *zap.Logger
}

// New creates a Gate.
func New(st store.Store, registry TableRegistry, retry RetryPolicy, logger *zap.Logger) *Gate {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: st, registry: registry, retry: retry, logger: logger}
}

// ResolveContext is ResolveContext exposed on the gate, so application code
// holding a *Gate needs nothing else to derive a scope.
func (g *Gate) ResolveContext(id Identity) (Scope, error) {
	return ResolveContext(id)
}

// AuditedWrite applies m for scope and appends its ledger row atomically. If
// either half fails, neither is visible. A lost race for the chain tail is
// retried with exponential backoff; once attempts run out ErrChainConflict is
// returned.
func (g *Gate) AuditedWrite(ctx context.Context, scope Scope, m Mutation) (WriteResult, error) {
	if err := scope.check(); err != nil {
		return WriteResult{}, err
	}
	if err := m.normalize(); err != nil {
		return WriteResult{}, err
	}
	if err := g.checkTable(scope, m); err != nil {
		return WriteResult{}, err
	}
	payload, err := ledger.CanonicalPayload(m.payload())
	if err != nil {
		return WriteResult{}, err
	}
	if m.Kind == KindInsert && m.RecordID == "" {
		m.RecordID = uuid.New().String()
	}

	for attempt := 1; ; attempt++ {
		res, err := g.writeOnce(ctx, scope, m, payload)
		if err == nil {
			metrics.RecordAppend(string(m.Chain))
			g.logger.Debug("audited write",
				zap.String("chain", string(m.Chain)),
				zap.String("action", m.Action),
				zap.String("tenant_id", scope.TenantID()),
				zap.Int64("seq", res.Seq),
			)
			return res, nil
		}
		if !ledger.IsRetryable(err) {
			return WriteResult{}, err
		}

		metrics.RecordConflict(string(m.Chain))
		if attempt >= g.retry.MaxAttempts {
			g.logger.Warn("chain conflict, giving up",
				zap.String("chain", string(m.Chain)),
				zap.Int("attempts", attempt),
			)
			return WriteResult{}, err
		}
		g.logger.Debug("chain conflict, retrying",
			zap.String("chain", string(m.Chain)),
			zap.Int("attempt", attempt),
		)

		t := time.NewTimer(g.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return WriteResult{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (g *Gate) writeOnce(ctx context.Context, scope Scope, m Mutation, payload []byte) (WriteResult, error) {
	var res WriteResult
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		targetID, err := applyDomain(ctx, tx, scope, m)
		if err != nil {
			return err
		}

		tail, err := tx.TailRow(ctx, m.Chain)
		if err != nil {
			return err
		}
		row := &ledger.Row{
			ID:         uuid.New().String(),
			Chain:      m.Chain,
			TenantID:   scope.TenantID(),
			ActorID:    scope.ActorID(),
			Action:     m.Action,
			TargetType: m.TargetType,
			TargetID:   targetID,
			Payload:    payload,
			CreatedAt:  ledger.Now(),
		}
		if err := row.Seal(tail); err != nil {
			return err
		}
		if err := tx.AppendRow(ctx, row); err != nil {
			return err
		}
		res = WriteResult{RecordID: m.RecordID, RowID: row.ID, Hash: row.Hash, Seq: row.Seq}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

func applyDomain(ctx context.Context, tx store.Tx, scope Scope, m Mutation) (string, error) {
	switch m.Kind {
	case KindInsert:
		rec := &store.Record{ID: m.RecordID, Table: m.Table, TenantID: scope.TenantID(), Fields: m.Fields}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return "", err
		}
	case KindUpdate:
		if _, err := tx.UpdateRecord(ctx, m.Table, scope.TenantID(), m.RecordID, m.Fields); err != nil {
			return "", err
		}
	case KindDelete:
		if _, err := tx.DeleteRecord(ctx, m.Table, scope.TenantID(), m.RecordID); err != nil {
			return "", err
		}
	}
	return m.RecordID, nil
}

// checkTable enforces registry membership. System scopes may only write
// exempt and platform tables; tenant data is never written under the
// platform tenant. Platform tables, system-only exemptions and reserved
// actions are refused to tenant scopes.
func (g *Gate) checkTable(scope Scope, m Mutation) error {
	if !scope.IsSystem() && reservedAction(m.Action) {
		return fmt.Errorf("%w: action %q is reserved for system scopes", ledger.ErrValidation, m.Action)
	}
	if m.Kind == KindEvent {
		return nil
	}
	if IsPlatformTable(m.Table) {
		if !scope.IsSystem() {
			return fmt.Errorf("%w: platform table %q is written only under a system scope", ledger.ErrValidation, m.Table)
		}
		return nil
	}
	if err := g.knownTable(m.Table); err != nil {
		return err
	}
	if scope.IsSystem() && g.registry.IsTenantScoped(m.Table) {
		return fmt.Errorf("%w: system scope cannot write tenant-scoped table %q", ledger.ErrValidation, m.Table)
	}
	if so, ok := g.registry.(systemOnlyRegistry); ok && !scope.IsSystem() && so.IsSystemOnly(m.Table) {
		return fmt.Errorf("%w: table %q is written only under a system scope", ledger.ErrValidation, m.Table)
	}
	return nil
}

func (g *Gate) knownTable(table string) error {
	if IsPlatformTable(table) {
		return nil
	}
	if g.registry == nil || !g.registry.Contains(table) {
		return fmt.Errorf("%w: table %q is not in the tenant boundary registry", ledger.ErrValidation, table)
	}
	return nil
}

// ScopedRead runs q for scope. Every returned record is checked against the
// scope's tenant; a foreign record means the store ignored the tenant
// predicate and is reported as an integrity violation.
func (g *Gate) ScopedRead(ctx context.Context, scope Scope, q Query) ([]*Record, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if q.tenantID != scope.TenantID() {
		return nil, fmt.Errorf("%w: query was built for another scope", ledger.ErrValidation)
	}
	if err := g.knownTable(q.table); err != nil {
		return nil, err
	}

	recs, err := g.store.QueryRecords(ctx, store.RecordQuery{
		Table:      q.table,
		TenantID:   q.tenantID,
		Filters:    q.filters,
		Limit:      q.limit,
		Descending: q.descending,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.TenantID != scope.TenantID() {
			g.logger.Error("store returned a foreign record",
				zap.String("table", q.table),
				zap.String("record_id", r.ID),
				zap.String("scope_tenant", scope.TenantID()),
			)
			return nil, fmt.Errorf("%w: record %s/%s belongs to another tenant", ledger.ErrIntegrityViolation, q.table, r.ID)
		}
	}
	return recs, nil
}

// LedgerRows returns the scope's most recent rows from chain, newest first.
func (g *Gate) LedgerRows(ctx context.Context, scope Scope, chain ledger.Chain, limit int) ([]*ledger.Row, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if _, err := ledger.ParseChain(string(chain)); err != nil {
		return nil, err
	}
	rows, err := g.store.RowsByTenant(ctx, chain, scope.TenantID(), limit)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.TenantID != scope.TenantID() {
			return nil, &ledger.IntegrityViolation{
				Chain:  chain,
				RowID:  r.ID,
				Seq:    r.Seq,
				Reason: ledger.ReasonTenantLeak,
			}
		}
	}
	return rows, nil
}

