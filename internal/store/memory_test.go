package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
)

func sealedRow(t *testing.T, id string, tail *ledger.Row) *ledger.Row {
	t.Helper()
	r := &ledger.Row{
		ID:        id,
		Chain:     ledger.ChainAuditEvents,
		TenantID:  "tenant-a",
		ActorID:   "user-1",
		Action:    "test.append",
		CreatedAt: ledger.Now(),
	}
	if err := r.Seal(tail); err != nil {
		t.Fatalf("seal %s: %v", id, err)
	}
	return r
}

func appendRow(t *testing.T, s store.Store, id string) *ledger.Row {
	t.Helper()
	var row *ledger.Row
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		tail, err := tx.TailRow(context.Background(), ledger.ChainAuditEvents)
		if err != nil {
			return err
		}
		row = sealedRow(t, id, tail)
		return tx.AppendRow(context.Background(), row)
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return row
}

func TestMemoryStore_appendAndTail(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tail, err := s.TailRow(ctx, ledger.ChainAuditEvents)
	if err != nil || tail != nil {
		t.Fatalf("empty chain tail: %v, %v", tail, err)
	}

	a := appendRow(t, s, "a")
	b := appendRow(t, s, "b")

	tail, err = s.TailRow(ctx, ledger.ChainAuditEvents)
	if err != nil {
		t.Fatal(err)
	}
	if tail.ID != "b" || tail.Seq != 2 {
		t.Errorf("tail: got %s/%d", tail.ID, tail.Seq)
	}
	if b.PreviousHash != a.Hash {
		t.Error("b does not link to a")
	}

	got, err := s.GetRow(ctx, ledger.ChainAuditEvents, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != a.Hash {
		t.Error("GetRow returned a different row")
	}
	if _, err := s.GetRow(ctx, ledger.ChainAuditEvents, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_appendRejectsEmptyHash(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		r := sealedRow(t, "a", nil)
		r.Hash = ""
		return tx.AppendRow(context.Background(), r)
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestMemoryStore_updateAndDeleteDenied(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := appendRow(t, s, "a")

	a.Payload = []byte(`{"tampered":true}`)
	if err := s.UpdateRow(ctx, a); !errors.Is(err, ledger.ErrMutationDenied) {
		t.Errorf("update: expected ErrMutationDenied, got %v", err)
	}
	if err := s.DeleteRow(ctx, ledger.ChainAuditEvents, a.ID); !errors.Is(err, ledger.ErrMutationDenied) {
		t.Errorf("delete: expected ErrMutationDenied, got %v", err)
	}

	got, _ := s.GetRow(ctx, ledger.ChainAuditEvents, "a")
	if string(got.Payload) != "{}" {
		t.Errorf("row changed after denied update: %s", got.Payload)
	}
}

func TestMemoryStore_returnedRowsAreCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	appendRow(t, s, "a")

	got, _ := s.GetRow(ctx, ledger.ChainAuditEvents, "a")
	got.Hash = "changed"

	again, _ := s.GetRow(ctx, ledger.ChainAuditEvents, "a")
	if again.Hash == "changed" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStore_staleTailConflicts(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := appendRow(t, s, "a")

	// Both rows are built against tail a; only the first may commit.
	first := sealedRow(t, "b1", a)
	second := sealedRow(t, "b2", a)

	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.AppendRow(ctx, first) }); err != nil {
		t.Fatal(err)
	}
	err := s.WithTx(ctx, func(tx store.Tx) error { return tx.AppendRow(ctx, second) })
	if !errors.Is(err, ledger.ErrChainConflict) {
		t.Errorf("expected ErrChainConflict, got %v", err)
	}
}

func TestMemoryStore_rollbackDiscardsEverything(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRecord(ctx, &store.Record{ID: "inv-1", Table: "invoices", TenantID: "tenant-a"}); err != nil {
			return err
		}
		if err := tx.AppendRow(ctx, sealedRow(t, "a", nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	recs, _ := s.QueryRecords(ctx, store.RecordQuery{Table: "invoices", TenantID: "tenant-a"})
	if len(recs) != 0 {
		t.Errorf("record survived rollback: %d", len(recs))
	}
	if tail, _ := s.TailRow(ctx, ledger.ChainAuditEvents); tail != nil {
		t.Error("ledger row survived rollback")
	}
}

func TestMemoryStore_recordsAreTenantQualified(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		for i, tenant := range []string{"tenant-a", "tenant-b", "tenant-a"} {
			rec := &store.Record{
				ID:       fmt.Sprintf("inv-%d", i),
				Table:    "invoices",
				TenantID: tenant,
				Fields:   map[string]any{"status": "open"},
			}
			if err := tx.InsertRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := s.QueryRecords(ctx, store.RecordQuery{Table: "invoices", TenantID: "tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("tenant-a: got %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.TenantID != "tenant-a" {
			t.Errorf("leaked record %s from %s", r.ID, r.TenantID)
		}
	}

	if _, err := s.QueryRecords(ctx, store.RecordQuery{Table: "invoices"}); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("unscoped query: expected ErrValidation, got %v", err)
	}

	// tenant-b cannot update tenant-a's record even knowing its id.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.UpdateRecord(ctx, "invoices", "tenant-b", "inv-0", map[string]any{"status": "void"})
		return err
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-tenant update: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_insertThenUpdateInOneTx(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRecord(ctx, &store.Record{ID: "inv-1", Table: "invoices", TenantID: "tenant-a", Fields: map[string]any{"status": "draft"}}); err != nil {
			return err
		}
		_, err := tx.UpdateRecord(ctx, "invoices", "tenant-a", "inv-1", map[string]any{"status": "open"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, _ := s.QueryRecords(ctx, store.RecordQuery{
		Table:    "invoices",
		TenantID: "tenant-a",
		Filters:  []store.Filter{{Column: "status", Value: "open"}},
	})
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestMemoryStore_scanRowsInBatches(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		appendRow(t, s, fmt.Sprintf("r%d", i))
	}

	var seqs []int64
	err := s.ScanRows(ctx, ledger.ChainAuditEvents, 2, 6, 2, func(r *ledger.Row) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{2, 3, 4, 5, 6}
	if fmt.Sprint(seqs) != fmt.Sprint(want) {
		t.Errorf("seqs: got %v, want %v", seqs, want)
	}
}

func TestMemoryStore_scanRowsBounds(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		appendRow(t, s, fmt.Sprintf("r%d", i))
	}

	tests := []struct {
		name     string
		from, to int64
		batch    int
		want     []int64
	}{
		{"open end", 4, 0, 2, []int64{4, 5, 6}},
		{"batch divides range", 1, 6, 3, []int64{1, 2, 3, 4, 5, 6}},
		{"single row", 3, 3, 10, []int64{3}},
		{"past tail", 7, 0, 2, nil},
		{"to beyond tail", 5, 99, 1, []int64{5, 6}},
		{"inverted range", 5, 2, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seqs []int64
			err := s.ScanRows(ctx, ledger.ChainAuditEvents, tt.from, tt.to, tt.batch, func(r *ledger.Row) error {
				seqs = append(seqs, r.Seq)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(seqs) != fmt.Sprint(tt.want) {
				t.Errorf("seqs: got %v, want %v", seqs, tt.want)
			}
		})
	}
}

func TestMemoryStore_forceAppendSkipsLinkage(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := appendRow(t, s, "a")
	appendRow(t, s, "b")

	forged := sealedRow(t, "forged", a)
	forged.Seq = 0
	if err := s.ForceAppend(ctx, forged); err != nil {
		t.Fatalf("ForceAppend: %v", err)
	}
	if forged.Seq != 3 {
		t.Errorf("forged seq: got %d, want 3", forged.Seq)
	}
}

func TestMemoryStore_seals(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	seal := &store.SealRecord{ID: "seal-1", Chain: ledger.ChainAuditEvents, RangeStart: "a", RangeEnd: "b", RowCount: 2}
	if err := s.SaveSeal(ctx, seal); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSeal(ctx, seal); !errors.Is(err, ledger.ErrMutationDenied) {
		t.Errorf("overwrite: expected ErrMutationDenied, got %v", err)
	}
	got, err := s.GetSeal(ctx, "seal-1")
	if err != nil || got.RowCount != 2 {
		t.Fatalf("GetSeal: %v, %v", got, err)
	}
	list, _ := s.ListSeals(ctx, ledger.ChainEquityEntries, 0)
	if len(list) != 0 {
		t.Errorf("chain filter: got %d seals", len(list))
	}
}
