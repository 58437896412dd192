// Package verify is the Chain Verifier. It re-derives every row's digest from
// its content and the hash actually stored on the row before it, so a row
// that was written around the gate with a self-consistent but falsely linked
// hash is caught. Verification only reads.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/metrics"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
	"go.uber.org/zap"
)

// MaxViolations bounds the violations kept in one report.
const MaxViolations = 100

// Report is the verdict over one chain range. It carries no timestamps, so
// two runs over unchanged data produce equal reports.
type Report struct {
	Chain       ledger.Chain                `json:"chain"`
	FromID      string                      `json:"from_id,omitempty"`
	ToID        string                      `json:"to_id,omitempty"`
	RowsChecked int64                       `json:"rows_checked"`
	Intact      bool                        `json:"intact"`
	BrokenAt    string                      `json:"broken_at,omitempty"`
	FirstRowID  string                      `json:"first_row_id,omitempty"`
	LastRowID   string                      `json:"last_row_id,omitempty"`
	LastHash    string                      `json:"last_hash,omitempty"`
	Violations  []ledger.IntegrityViolation `json:"violations,omitempty"`
	Truncated   bool                        `json:"truncated,omitempty"`
}

// Err returns the first violation, or nil when the range is intact.
func (r *Report) Err() error {
	if r == nil || len(r.Violations) == 0 {
		return nil
	}
	v := r.Violations[0]
	return &v
}

func (r *Report) add(v ledger.IntegrityViolation) {
	if r.BrokenAt == "" {
		r.BrokenAt = v.RowID
	}
	if len(r.Violations) >= MaxViolations {
		r.Truncated = true
		return
	}
	r.Violations = append(r.Violations, v)
}

// Verifier walks chains through a read-only view of the store.
type Verifier struct {
	rows      store.RowReader
	batchSize int
	logger    *zap.Logger
}

// New creates a Verifier. batchSize <= 0 uses store.DefaultBatchSize.
func New(rows store.RowReader, batchSize int, logger *zap.Logger) *Verifier {
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{rows: rows, batchSize: batchSize, logger: logger}
}

// VerifyAuditEvents verifies the audit_events chain.
func (v *Verifier) VerifyAuditEvents(ctx context.Context, fromID, toID string) (*Report, error) {
	return v.VerifyChain(ctx, ledger.ChainAuditEvents, fromID, toID)
}

// VerifyEquityEntries verifies the equity_entries chain.
func (v *Verifier) VerifyEquityEntries(ctx context.Context, fromID, toID string) (*Report, error) {
	return v.VerifyChain(ctx, ledger.ChainEquityEntries, fromID, toID)
}

// VerifyAutomationEvents verifies the automation_events chain.
func (v *Verifier) VerifyAutomationEvents(ctx context.Context, fromID, toID string) (*Report, error) {
	return v.VerifyChain(ctx, ledger.ChainAutomationEvents, fromID, toID)
}

// VerifyAll verifies every chain end to end.
func (v *Verifier) VerifyAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	for _, c := range ledger.Chains() {
		rep, err := v.VerifyChain(ctx, c, "", "")
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// VerifyChain walks chain from fromID to toID inclusive, in write order.
// Empty ids mean the start and the end of the chain. A broken chain is not an
// error: it is reported through Report.Violations. The returned error covers
// unknown bounds and storage failures.
func (v *Verifier) VerifyChain(ctx context.Context, chain ledger.Chain, fromID, toID string) (*Report, error) {
	if _, err := ledger.ParseChain(string(chain)); err != nil {
		return nil, err
	}
	rep := &Report{Chain: chain, FromID: fromID, ToID: toID}

	fromSeq, toSeq := int64(1), int64(0)
	if fromID != "" {
		r, err := v.rows.GetRow(ctx, chain, fromID)
		if err != nil {
			return nil, fmt.Errorf("range start: %w", err)
		}
		fromSeq = r.Seq
	}
	if toID != "" {
		r, err := v.rows.GetRow(ctx, chain, toID)
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		toSeq = r.Seq
		if toSeq < fromSeq {
			return nil, fmt.Errorf("%w: range end %s precedes start %s", ledger.ErrValidation, toID, fromID)
		}
	}

	// Starting mid-chain, the first row links to its stored predecessor.
	prevHash := ledger.GenesisHash
	if fromSeq > 1 {
		pred, err := v.rowAt(ctx, chain, fromSeq-1)
		if err != nil {
			return nil, err
		}
		if pred == nil {
			rep.add(ledger.IntegrityViolation{
				Chain: chain, Seq: fromSeq - 1, Reason: ledger.ReasonSequenceGap,
				Detail: "predecessor of range start is missing",
			})
		} else {
			prevHash = pred.Hash
		}
	}

	expected := fromSeq
	err := v.rows.ScanRows(ctx, chain, fromSeq, toSeq, v.batchSize, func(r *ledger.Row) error {
		if rep.RowsChecked == 0 {
			rep.FirstRowID = r.ID
		}
		rep.RowsChecked++
		checkRow(rep, r, expected, prevHash)
		expected = r.Seq + 1
		prevHash = r.Hash
		rep.LastRowID = r.ID
		rep.LastHash = r.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", chain, err)
	}

	rep.Intact = rep.BrokenAt == ""
	metrics.RecordVerification(string(chain), rep.Intact)
	if !rep.Intact {
		v.logger.Error("chain integrity violation",
			zap.String("chain", string(chain)),
			zap.String("broken_at", rep.BrokenAt),
			zap.Int("violations", len(rep.Violations)),
		)
	} else {
		v.logger.Debug("chain verified",
			zap.String("chain", string(chain)),
			zap.Int64("rows", rep.RowsChecked),
		)
	}
	return rep, nil
}

func checkRow(rep *Report, r *ledger.Row, expectedSeq int64, prevHash string) {
	violation := func(reason, detail string) {
		rep.add(ledger.IntegrityViolation{Chain: r.Chain, RowID: r.ID, Seq: r.Seq, Reason: reason, Detail: detail})
	}

	if r.Seq != expectedSeq {
		violation(ledger.ReasonSequenceGap, fmt.Sprintf("expected seq %d", expectedSeq))
	}
	if r.Seq == 1 {
		if r.PreviousHash != ledger.GenesisHash {
			violation(ledger.ReasonGenesisLinked, "")
		}
	} else if r.PreviousHash != prevHash {
		violation(ledger.ReasonLinkMismatch, "previous_hash does not match the stored hash of the preceding row")
	}

	got, err := ledger.ComputeHash(r, prevHash)
	if err != nil {
		violation(ledger.ReasonHashMismatch, err.Error())
		return
	}
	if got != r.Hash {
		violation(ledger.ReasonHashMismatch, "")
	}
}

func (v *Verifier) rowAt(ctx context.Context, chain ledger.Chain, seq int64) (*ledger.Row, error) {
	var found *ledger.Row
	errStop := errors.New("stop")
	err := v.rows.ScanRows(ctx, chain, seq, seq, 1, func(r *ledger.Row) error {
		found = r
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("read %s seq %d: %w", chain, seq, err)
	}
	return found, nil
}
