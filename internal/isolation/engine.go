// Package isolation is the Isolation Certification Engine. It audits the
// tenant boundary registry for internal consistency and records the result
// as an audited write. It inspects configuration, not live traffic.
package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/metrics"
	"go.uber.org/zap"
)

// EngineActor is the actor id isolation results are written under.
const EngineActor = "isolation-engine"

// ActionAudit is the ledger action of a persisted isolation run.
const ActionAudit = "isolation.audit"

// Writer is the persistence path the engine needs from the gate.
type Writer interface {
	AuditedWrite(ctx context.Context, scope gate.Scope, m gate.Mutation) (gate.WriteResult, error)
}

// Result is one certification run.
type Result struct {
	Score           float64     `json:"score"`
	TotalChecks     int         `json:"total_checks"`
	PassedChecks    int         `json:"passed_checks"`
	Violations      []Violation `json:"violations"`
	AuditedAt       time.Time   `json:"audited_at"`
	RegistryVersion string      `json:"registry_version"`

	// Set by Run once the result is persisted.
	RowID string `json:"row_id,omitempty"`
}

// HasCritical reports whether any violation is critical.
func (r *Result) HasCritical() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Score returns round(passed/total*10000)/100, and 100 when no check ran.
func Score(passed, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(passed)/float64(total)*10000) / 100
}

// Engine evaluates a registry. gateValue is the value whose exported methods
// the structural check inspects; it is usually the same *gate.Gate as writer.
type Engine struct {
	registry  *Registry
	writer    Writer
	gateValue any
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. threshold <= 0 uses DefaultCoverageThreshold.
func NewEngine(registry *Registry, writer Writer, gateValue any, threshold float64, logger *zap.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultCoverageThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:  registry,
		writer:    writer,
		gateValue: gateValue,
		threshold: threshold,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs every check and returns the result without persisting it.
func (e *Engine) Evaluate() *Result {
	in := input{registry: e.registry, threshold: e.threshold, gate: e.gateValue}
	res := &Result{
		TotalChecks:     len(checks),
		Violations:      []Violation{},
		AuditedAt:       e.now().Truncate(time.Microsecond),
		RegistryVersion: e.registry.Version(),
	}
	for _, c := range checks {
		found := c.run(in)
		if len(found) == 0 {
			res.PassedChecks++
			continue
		}
		for _, v := range found {
			v.CheckID = c.id
			v.Severity = c.severity
			res.Violations = append(res.Violations, v)
		}
	}
	res.Score = Score(res.PassedChecks, res.TotalChecks)
	return res
}

// Run evaluates the registry, then records the result through the gate
// under the system scope. The write is a plain audited write; nothing on
// that path starts another audit.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := e.Evaluate()
	metrics.SetIsolationScore(res.Score)

	if e.writer == nil {
		return nil, fmt.Errorf("isolation engine has no writer")
	}
	fields, err := resultFields(res)
	if err != nil {
		return nil, err
	}
	wr, err := e.writer.AuditedWrite(ctx, gate.SystemScope(EngineActor), gate.Mutation{
		Kind:    gate.KindInsert,
		Table:   AuditRunsTable,
		Fields:  fields,
		Chain:   ledger.ChainAuditEvents,
		Action:  ActionAudit,
		Payload: res,
	})
	if err != nil {
		return nil, fmt.Errorf("persist isolation result: %w", err)
	}
	res.RowID = wr.RowID

	log := e.logger.Info
	if res.HasCritical() {
		log = e.logger.Error
	}
	log("isolation audit",
		zap.Float64("score", res.Score),
		zap.Int("passed", res.PassedChecks),
		zap.Int("total", res.TotalChecks),
		zap.Int("violations", len(res.Violations)),
		zap.String("registry_version", res.RegistryVersion),
	)
	return res, nil
}

func resultFields(res *Result) (map[string]any, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode isolation result: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("encode isolation result: %w", err)
	}
	delete(fields, "row_id")
	return fields, nil
}
