package isolation_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"go.uber.org/zap"
)

var justified = []isolation.Exemption{
	{Table: isolation.AuditRunsTable, Justification: "platform certification results"},
}

func engineFor(reg *isolation.Registry, st store.Store) (*isolation.Engine, *gate.Gate) {
	g := gate.New(st, reg, gate.RetryPolicy{}, zap.NewNop())
	return isolation.NewEngine(reg, g, g, 0, zap.NewNop()), g
}

func violationsFor(res *isolation.Result, checkID string) []isolation.Violation {
	var out []isolation.Violation
	for _, v := range res.Violations {
		if v.CheckID == checkID {
			out = append(out, v)
		}
	}
	return out
}

func TestDefaultRegistry_passesEveryCheck(t *testing.T) {
	reg := isolation.DefaultRegistry()
	e, _ := engineFor(reg, store.NewMemoryStore())
	res := e.Evaluate()
	if res.Score != 100 || res.PassedChecks != 6 || res.TotalChecks != 6 {
		t.Fatalf("default registry: %+v", res)
	}
	if !reg.Contains(isolation.AuditRunsTable) || reg.IsTenantScoped(isolation.AuditRunsTable) {
		t.Error("audit runs table must be registered as exempt")
	}
	for _, tbl := range []string{isolation.AuditRunsTable, "plans", "feature_flags"} {
		if !reg.IsSystemOnly(tbl) {
			t.Errorf("%s must be system only", tbl)
		}
	}
}

func TestEvaluate_conflictingRegistration(t *testing.T) {
	reg := isolation.NewRegistry("test",
		[]string{"invoices", "contacts"},
		append(justified, isolation.Exemption{Table: "invoices", Justification: "shared"}),
	)
	e, _ := engineFor(reg, store.NewMemoryStore())
	res := e.Evaluate()

	got := violationsFor(res, isolation.CheckConflictingRegistration)
	if len(got) != 1 {
		t.Fatalf("conflicting_registration violations: %+v", got)
	}
	if got[0].Severity != isolation.SeverityCritical || got[0].Resource != "invoices" {
		t.Errorf("violation: %+v", got[0])
	}
	if res.Score >= 100 {
		t.Errorf("score %v should be below 100", res.Score)
	}
	if !res.HasCritical() {
		t.Error("HasCritical should be true")
	}
}

func TestEvaluate_eachCheck(t *testing.T) {
	tests := []struct {
		name     string
		scoped   []string
		exempt   []isolation.Exemption
		checkID  string
		severity isolation.Severity
		count    int
	}{
		{"empty scoped", nil, justified, isolation.CheckTenantScopedNonEmpty, isolation.SeverityCritical, 1},
		{"unjustified", []string{"a", "b"}, []isolation.Exemption{{Table: "x"}, {Table: "y", Justification: "  "}}, isolation.CheckExemptionJustified, isolation.SeverityHigh, 2},
		{"duplicate", []string{"a", "a", "a", "b", "b"}, nil, isolation.CheckNoDuplicateScoped, isolation.SeverityMedium, 2},
		{"low coverage", []string{"a"}, []isolation.Exemption{{Table: "x", Justification: "j"}, {Table: "y", Justification: "j"}, {Table: "z", Justification: "j"}}, isolation.CheckCoverageThreshold, isolation.SeverityWarning, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := engineFor(isolation.NewRegistry("t", tt.scoped, tt.exempt), store.NewMemoryStore())
			res := e.Evaluate()
			got := violationsFor(res, tt.checkID)
			if len(got) != tt.count {
				t.Fatalf("%s: got %d violations, want %d: %+v", tt.checkID, len(got), tt.count, res.Violations)
			}
			for _, v := range got {
				if v.Severity != tt.severity {
					t.Errorf("severity: got %s, want %s", v.Severity, tt.severity)
				}
			}
			if res.PassedChecks != res.TotalChecks-countFailed(res) {
				t.Errorf("passed %d inconsistent with violations", res.PassedChecks)
			}
		})
	}
}

func countFailed(res *isolation.Result) int {
	failed := map[string]bool{}
	for _, v := range res.Violations {
		failed[v.CheckID] = true
	}
	return len(failed)
}

func TestEvaluate_coverageAtThresholdPasses(t *testing.T) {
	// 3 scoped of 10 registered is exactly 30%.
	exempt := []isolation.Exemption{}
	for _, tbl := range []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"} {
		exempt = append(exempt, isolation.Exemption{Table: tbl, Justification: "j"})
	}
	e, _ := engineFor(isolation.NewRegistry("t", []string{"a", "b", "c"}, exempt), store.NewMemoryStore())
	if got := violationsFor(e.Evaluate(), isolation.CheckCoverageThreshold); len(got) != 0 {
		t.Errorf("30%% coverage flagged: %+v", got)
	}
}

type notAGate struct{}

func (notAGate) AuditedWrite() {}

func TestEvaluate_gateWrappers(t *testing.T) {
	reg := isolation.DefaultRegistry()
	e := isolation.NewEngine(reg, nil, notAGate{}, 0, zap.NewNop())
	got := violationsFor(e.Evaluate(), isolation.CheckGateWrappersExported)
	if len(got) != 2 {
		t.Fatalf("missing wrappers: %+v", got)
	}

	e = isolation.NewEngine(reg, nil, nil, 0, zap.NewNop())
	if got := violationsFor(e.Evaluate(), isolation.CheckGateWrappersExported); len(got) != 1 {
		t.Errorf("nil gate: %+v", got)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		passed, total int
		want          float64
	}{
		{0, 0, 100},
		{6, 6, 100},
		{5, 6, 83.33},
		{2, 3, 66.67},
		{0, 6, 0},
	}
	for _, tt := range tests {
		if got := isolation.Score(tt.passed, tt.total); got != tt.want {
			t.Errorf("Score(%d, %d) = %v, want %v", tt.passed, tt.total, got, tt.want)
		}
	}
}

func TestEvaluate_deterministic(t *testing.T) {
	reg := isolation.NewRegistry("t", []string{"a", "a"}, []isolation.Exemption{{Table: "a"}})
	e, _ := engineFor(reg, store.NewMemoryStore())
	first, second := e.Evaluate(), e.Evaluate()
	first.AuditedAt, second.AuditedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ:\n%+v\n%+v", first, second)
	}
}

func TestRun_persistsThroughGate(t *testing.T) {
	st := store.NewMemoryStore()
	reg := isolation.DefaultRegistry()
	e, _ := engineFor(reg, st)
	ctx := context.Background()

	res, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowID == "" {
		t.Fatal("result not linked to a ledger row")
	}

	row, err := st.GetRow(ctx, ledger.ChainAuditEvents, res.RowID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Action != isolation.ActionAudit || row.ActorID != isolation.EngineActor || row.TenantID != gate.SystemTenant {
		t.Errorf("ledger row: %+v", row)
	}
	var payload isolation.Result
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Score != res.Score || payload.RegistryVersion != reg.Version() {
		t.Errorf("payload: %+v", payload)
	}

	recs, err := st.QueryRecords(ctx, store.RecordQuery{Table: isolation.AuditRunsTable, TenantID: gate.SystemTenant})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("audit run records: %d", len(recs))
	}

	// A second run appends, it does not overwrite.
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	tail, _ := st.TailRow(ctx, ledger.ChainAuditEvents)
	if tail.Seq != 2 {
		t.Errorf("tail seq after two runs: %d", tail.Seq)
	}
}

func TestRun_recordsAgainstBrokenRegistry(t *testing.T) {
	tests := []struct {
		name   string
		scoped []string
		exempt []isolation.Exemption
	}{
		{
			name:   "audit table both scoped and exempt",
			scoped: []string{"invoices", isolation.AuditRunsTable},
			exempt: justified,
		},
		{
			name:   "audit table unregistered",
			scoped: []string{"invoices"},
		},
		{
			name: "empty registry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			e, _ := engineFor(isolation.NewRegistry("broken", tt.scoped, tt.exempt), st)
			ctx := context.Background()

			res, err := e.Run(ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.RowID == "" {
				t.Fatal("result not linked to a ledger row")
			}
			if tt.name == "audit table both scoped and exempt" && !res.HasCritical() {
				t.Errorf("expected a critical violation: %+v", res.Violations)
			}

			row, err := st.GetRow(ctx, ledger.ChainAuditEvents, res.RowID)
			if err != nil {
				t.Fatal(err)
			}
			if row.Action != isolation.ActionAudit || row.TenantID != gate.SystemTenant {
				t.Errorf("ledger row: %+v", row)
			}
			recs, err := st.QueryRecords(ctx, store.RecordQuery{Table: isolation.AuditRunsTable, TenantID: gate.SystemTenant})
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 {
				t.Errorf("audit run records: %d", len(recs))
			}
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	data := []byte("version: v9\ntenant_scoped: [invoices]\nexempt:\n  - table: plans\n    justification: global\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	reg, err := isolation.LoadRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Version() != "v9" || !reg.IsTenantScoped("invoices") || !reg.Contains("plans") {
		t.Errorf("registry: %v %v", reg.TenantScoped(), reg.Exempt())
	}

	// Accessors hand out copies.
	scoped := reg.TenantScoped()
	scoped[0] = "mutated"
	if reg.TenantScoped()[0] != "invoices" {
		t.Error("registry mutated through accessor")
	}

	if _, err := isolation.ParseRegistry([]byte("tenant_scoped: [a]\nunknown_key: 1\n")); err == nil {
		t.Error("unknown key accepted")
	}
}
