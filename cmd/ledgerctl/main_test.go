package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/seal"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("TRUST_SEAL_KEY_SECRET", "ledgerctl-test-secret-0123")
	return dir
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "ledgerctl dev") {
		t.Errorf("version: %q %v", out, err)
	}
}

func TestVerify_emptyMemoryStore(t *testing.T) {
	inTempDir(t)
	out, err := execute(t, "verify")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	for _, c := range ledger.Chains() {
		if !strings.Contains(out, string(c)) {
			t.Errorf("output missing %s:\n%s", c, out)
		}
	}

	if _, err := execute(t, "verify", "payroll"); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("unknown chain: %v", err)
	}
	if _, err := execute(t, "verify", "--from", "x"); err == nil {
		t.Error("--from without chain accepted")
	}
}

func TestAudit(t *testing.T) {
	inTempDir(t)
	out, err := execute(t, "audit", "--json", "--fail-on-critical")
	if err != nil {
		t.Fatalf("audit: %v\n%s", err, out)
	}
	var res isolation.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Score != 100 {
		t.Errorf("score: %v", res.Score)
	}
}

func TestAudit_criticalFailsByDefault(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "conflict.yaml")
	writeFile(t, path, "version: v3\ntenant_scoped: [invoices]\nexempt:\n  - table: invoices\n    justification: shared\n")
	t.Setenv("TRUST_ISOLATION_REGISTRY_FILE", path)

	out, err := execute(t, "audit", "--persist")
	if !errors.Is(err, errFailed) {
		t.Fatalf("audit with a critical violation: %v\n%s", err, out)
	}
	if !strings.Contains(out, isolation.CheckConflictingRegistration) || !strings.Contains(out, "recorded as ledger row") {
		t.Errorf("output: %s", out)
	}

	if out, err := execute(t, "audit", "--fail-on-critical=false"); err != nil {
		t.Errorf("audit with failure disabled: %v\n%s", err, out)
	}
}

func TestRegistryCheck(t *testing.T) {
	dir := inTempDir(t)
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, good, "version: v1\ntenant_scoped: [invoices, contacts]\nexempt:\n  - table: plans\n    justification: global catalog\n")
	writeFile(t, bad, "version: v2\ntenant_scoped: [invoices]\nexempt:\n  - table: invoices\n    justification: shared\n")

	out, err := execute(t, "registry", "check", good)
	if err != nil {
		t.Fatalf("good registry: %v\n%s", err, out)
	}
	if !strings.Contains(out, "score 100.00") {
		t.Errorf("output: %s", out)
	}

	out, err = execute(t, "registry", "check", bad)
	if !errors.Is(err, errFailed) {
		t.Fatalf("bad registry: %v", err)
	}
	if !strings.Contains(out, isolation.CheckConflictingRegistration) {
		t.Errorf("output missing violation: %s", out)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestVerifySeal_offline(t *testing.T) {
	dir := inTempDir(t)
	ctx := context.Background()

	st := store.NewMemoryStore()
	reg := isolation.DefaultRegistry()
	g := gate.New(st, reg, gate.RetryPolicy{}, zap.NewNop())
	scope, err := g.ResolveContext(gate.Identity{Authenticated: true, Subject: "u1", ActiveTenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := g.AuditedWrite(ctx, scope, gate.Mutation{Kind: gate.KindInsert, Table: "deals", Fields: map[string]any{"i": i}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.RowID)
	}

	keys, err := seal.DeriveKeyManager([]byte("offline-seal-secret-01"))
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := seal.New(st, verify.New(st, 0, zap.NewNop()), keys, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s, err := sealer.GenerateSeal(ctx, ledger.ChainAuditEvents, ids[0], ids[2])
	if err != nil {
		t.Fatal(err)
	}
	rows, err := sealer.RangeRows(ctx, ledger.ChainAuditEvents, ids[0], ids[2])
	if err != nil {
		t.Fatal(err)
	}

	pemBytes, err := keys.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	pubFile := filepath.Join(dir, "seal.pub")
	writeFile(t, pubFile, string(pemBytes))

	bundle := func(rows []*ledger.Row) string {
		data, err := json.Marshal(sealBundle{Seal: s, Rows: rows})
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "bundle.json")
		writeFile(t, path, string(data))
		return path
	}

	out, err := execute(t, "verify-seal", "--public-key", pubFile, bundle(rows))
	if err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("verify-seal: %v\n%s", err, out)
	}

	// Dropping a row breaks the seal.
	out, err = execute(t, "verify-seal", "--public-key", pubFile, bundle(rows[:2]))
	if !errors.Is(err, errFailed) || !strings.Contains(out, "INVALID") {
		t.Errorf("truncated bundle: %v\n%s", err, out)
	}
}
