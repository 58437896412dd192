//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

// setupPostgres migrates a throwaway schema. Ledger tables cannot be cleaned,
// so every test gets its own schema and drops it afterwards.
func setupPostgres(t *testing.T) (*store.PostgresStore, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("trust_test_%d", time.Now().UnixNano())

	admin, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	defer admin.Close(ctx)
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		conn, err := pgx.Connect(context.Background(), dbURL)
		if err != nil {
			return
		}
		defer conn.Close(context.Background())
		conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE") //nolint:errcheck
	})

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("migrations: %v %v", files, err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(f), err)
		}
	}
	return store.NewPostgresStore(pool, zap.NewNop()), pool
}

func TestPostgres_auditedWritesVerify(t *testing.T) {
	st, _ := setupPostgres(t)
	ctx := context.Background()
	reg := isolation.DefaultRegistry()
	g := gate.New(st, reg, gate.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond}, zap.NewNop())

	scope, err := g.ResolveContext(gate.Identity{Authenticated: true, Subject: "u1", ActiveTenant: "tenant_a"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := g.AuditedWrite(ctx, scope, gate.Mutation{
		Kind: gate.KindInsert, Table: "invoices", Fields: map[string]any{"total": json.Number("12.50")},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := g.AuditedWrite(ctx, scope, gate.Mutation{
		Kind: gate.KindUpdate, Table: "invoices", RecordID: res.RecordID, Fields: map[string]any{"status": "paid"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	q, _ := gate.NewQuery(scope, "invoices", gate.Filter{Column: "status", Value: "paid"})
	recs, err := g.ScopedRead(ctx, scope, q)
	if err != nil || len(recs) != 1 {
		t.Fatalf("scoped read: %v %v", recs, err)
	}

	other, _ := g.ResolveContext(gate.Identity{Authenticated: true, Subject: "u2", ActiveTenant: "tenant_b"})
	q, _ = gate.NewQuery(other, "invoices")
	if recs, err := g.ScopedRead(ctx, other, q); err != nil || len(recs) != 0 {
		t.Errorf("tenant_b read: %v %v", recs, err)
	}

	rep, err := verify.New(st, 1, zap.NewNop()).VerifyAuditEvents(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Intact || rep.RowsChecked != 2 {
		t.Errorf("report: %+v", rep)
	}
}

func TestPostgres_appendOnlyTriggers(t *testing.T) {
	st, pool := setupPostgres(t)
	ctx := context.Background()

	row := &ledger.Row{
		ID: "r1", Chain: ledger.ChainEquityEntries, TenantID: "t", ActorID: "a",
		Action: "grant.issue", Payload: json.RawMessage(`{}`), CreatedAt: ledger.Now(),
	}
	if err := row.Seal(nil); err != nil {
		t.Fatal(err)
	}
	if err := st.ForceAppend(ctx, row); err != nil {
		t.Fatal(err)
	}

	tampered := row.Clone()
	tampered.Payload = json.RawMessage(`{"shares":1000000}`)
	if err := st.UpdateRow(ctx, tampered); !errors.Is(err, ledger.ErrMutationDenied) {
		t.Errorf("UpdateRow: %v", err)
	}
	if err := st.DeleteRow(ctx, row.Chain, row.ID); !errors.Is(err, ledger.ErrMutationDenied) {
		t.Errorf("DeleteRow: %v", err)
	}

	// Raw SQL is refused too.
	for _, sql := range []string{
		"UPDATE equity_entries SET action = 'x'",
		"DELETE FROM equity_entries",
		"TRUNCATE equity_entries",
	} {
		if _, err := pool.Exec(ctx, sql); err == nil {
			t.Errorf("%q succeeded", sql)
		}
	}

	got, err := st.GetRow(ctx, row.Chain, row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != row.Hash || string(got.Payload) != "{}" {
		t.Errorf("row changed: %+v", got)
	}
	if !got.CreatedAt.Equal(row.CreatedAt) {
		t.Errorf("created_at round trip: %v != %v", got.CreatedAt, row.CreatedAt)
	}
}

func TestPostgres_concurrentWritersConflictAndRetry(t *testing.T) {
	st, _ := setupPostgres(t)
	ctx := context.Background()
	g := gate.New(st, isolation.DefaultRegistry(), gate.RetryPolicy{MaxAttempts: 100, BaseDelay: time.Millisecond}, zap.NewNop())

	const writers = 10
	var wg sync.WaitGroup
	errc := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope, err := gate.ResolveContext(gate.Identity{Authenticated: true, Subject: "u", ActiveTenant: fmt.Sprintf("t%d", i)})
			if err != nil {
				errc <- err
				return
			}
			_, err = g.AuditedWrite(ctx, scope, gate.Mutation{Kind: gate.KindInsert, Table: "tasks", Fields: map[string]any{"i": i}})
			errc <- err
		}(i)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			t.Errorf("writer: %v", err)
		}
	}

	rep, err := verify.New(st, 0, zap.NewNop()).VerifyAuditEvents(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Intact || rep.RowsChecked != writers {
		t.Errorf("chain after concurrent writes: %+v", rep)
	}
}

func TestPostgres_seals(t *testing.T) {
	st, _ := setupPostgres(t)
	ctx := context.Background()
	rec := &store.SealRecord{
		ID: "s1", Chain: ledger.ChainAuditEvents, RangeStart: "a", RangeEnd: "b",
		RowCount: 2, SealHash: "h", Signature: "sig", KeyID: "k", SealedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := st.SaveSeal(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSeal(ctx, "s1")
	if err != nil || got.SealHash != "h" || !got.SealedAt.Equal(rec.SealedAt) {
		t.Errorf("GetSeal: %+v %v", got, err)
	}
	if _, err := st.GetSeal(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("missing seal: %v", err)
	}
	if err := st.SaveSeal(ctx, rec); err == nil {
		t.Error("duplicate seal accepted")
	}
}
