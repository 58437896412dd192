package app_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmerrifield20/trustsubstrate/internal/app"
	"github.com/jmerrifield20/trustsubstrate/internal/config"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := config.Load(config.New())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Seal.KeySecret = "app-test-secret-0123456789"
	cfg.Identity.DevKeyDir = t.TempDir()
	return cfg
}

func TestBuild_memory(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	scope, err := a.Gate.ResolveContext(gate.Identity{Authenticated: true, Subject: "u1", ActiveTenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Gate.AuditedWrite(ctx, scope, gate.Mutation{
		Kind: gate.KindInsert, Table: "tasks", Fields: map[string]any{"title": "x"},
	}); err != nil {
		t.Fatal(err)
	}

	a.ScheduledVerify(ctx)
	if !a.Health.Ready() {
		t.Fatalf("not ready: %+v", a.Health.Snapshot())
	}
	if len(a.Health.Snapshot()) != len(ledger.Chains()) {
		t.Errorf("snapshot: %+v", a.Health.Snapshot())
	}

	a.ScheduledAudit(ctx)
	tail, err := a.Store.TailRow(ctx, ledger.ChainAuditEvents)
	if err != nil || tail.Seq != 2 {
		t.Errorf("audit run not recorded: %+v %v", tail, err)
	}
}

func TestBuild_recordsBrokenChain(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	forged := &ledger.Row{
		ID:           "forged",
		Chain:        ledger.ChainEquityEntries,
		TenantID:     "t1",
		ActorID:      "intruder",
		Action:       "grant.insert",
		Payload:      []byte(`{}`),
		Hash:         "00ff",
		PreviousHash: ledger.GenesisHash,
		CreatedAt:    ledger.Now(),
	}
	if err := a.Store.ForceAppend(ctx, forged); err != nil {
		t.Fatal(err)
	}

	a.ScheduledVerify(ctx)
	if a.Health.Ready() {
		t.Fatal("ready with a broken chain")
	}
	tail, err := a.Store.TailRow(ctx, ledger.ChainAutomationEvents)
	if err != nil || tail == nil {
		t.Fatalf("transition not recorded: %v", err)
	}
	if tail.Action != app.ActionChainStatus || tail.TargetID != string(ledger.ChainEquityEntries) || tail.TenantID != gate.SystemTenant {
		t.Errorf("transition row: %+v", tail)
	}
	// Only the broken chain produced a row; intact chains start silently.
	if tail.Seq != 1 {
		t.Errorf("automation_events seq: %d", tail.Seq)
	}
}

func TestBuild_badRegistryFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Isolation.RegistryFile = "does-not-exist.yaml"
	if _, err := app.Build(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("missing registry file accepted")
	}
}

func TestTokenVerifier_devKey(t *testing.T) {
	cfg := testConfig(t)
	v, issuer, err := app.TokenVerifier(cfg.Identity, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if issuer == nil {
		t.Fatal("dev mode should return an issuer")
	}
	tok, err := issuer.Issue("u1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(tok); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var n atomic.Int32
	app.Every(ctx, 10*time.Millisecond, func(context.Context) { n.Add(1) })
	if n.Load() == 0 {
		t.Error("fn never ran")
	}

	// Disabled loops return immediately.
	app.Every(context.Background(), 0, func(context.Context) { t.Error("ran with zero interval") })
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn"} {
		if _, err := app.NewLogger(level); err != nil {
			t.Errorf("NewLogger(%q): %v", level, err)
		}
	}
	if _, err := app.NewLogger("loud"); err == nil {
		t.Error("bad level accepted")
	}
}

func TestBuild_sqlite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database.URL = app.SQLitePrefix + filepath.Join(t.TempDir(), "trust.db")

	a, err := app.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skipf("sqlite driver unavailable: %v", err)
		}
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	scope, err := a.Gate.ResolveContext(gate.Identity{Authenticated: true, Subject: "u1", ActiveTenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Gate.AuditedWrite(ctx, scope, gate.Mutation{
		Kind: gate.KindInsert, Table: "tasks", Fields: map[string]any{"title": "x"},
	}); err != nil {
		t.Fatal(err)
	}

	// Exempt tables exist too: the isolation run persists to one.
	a.ScheduledVerify(ctx)
	a.ScheduledAudit(ctx)
	if !a.Health.Ready() {
		t.Fatalf("not ready: %+v", a.Health.Snapshot())
	}
	tail, err := a.Store.TailRow(ctx, ledger.ChainAuditEvents)
	if err != nil || tail.Seq != 2 {
		t.Errorf("audit tail: %+v %v", tail, err)
	}
}

func TestBuild_sqliteNoPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.URL = app.SQLitePrefix
	if _, err := app.Build(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an empty sqlite path")
	}
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()
	if app.OpenRedis(ctx, "", zap.NewNop()) != nil {
		t.Error("empty url returned a client")
	}
	if app.OpenRedis(ctx, "not a url", zap.NewNop()) != nil {
		t.Error("invalid url returned a client")
	}

	mr := miniredis.RunT(t)
	client := app.OpenRedis(ctx, "redis://"+mr.Addr()+"/0", zap.NewNop())
	if client == nil {
		t.Fatal("no client for a running server")
	}
	defer client.Close()

	addr := mr.Addr()
	mr.Close()
	if app.OpenRedis(ctx, "redis://"+addr+"/0", zap.NewNop()) != nil {
		t.Error("stopped server returned a client")
	}
}
