// Package health tracks the verdict of the scheduled chain verification so
// trustd can report readiness and auditors can see the last result per chain.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

// Status of one chain.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusIntact      Status = "intact"
	StatusBroken      Status = "broken"
	StatusUnavailable Status = "unavailable"
)

// ChainVerifier is the part of verify.Verifier the monitor needs.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, chain ledger.Chain, fromID, toID string) (*verify.Report, error)
}

// Config holds monitor configuration.
type Config struct {
	// FailThreshold is the number of consecutive verification errors (not
	// broken chains) before a chain is reported unavailable.
	FailThreshold int
}

// ChainStatus is the last known state of a chain.
type ChainStatus struct {
	Chain       ledger.Chain `json:"chain"`
	Status      Status       `json:"status"`
	RowsChecked int64        `json:"rows_checked"`
	BrokenAt    string       `json:"broken_at,omitempty"`
	LastHash    string       `json:"last_hash,omitempty"`
	CheckedAt   time.Time    `json:"checked_at,omitzero"`
	Failures    int          `json:"consecutive_failures,omitempty"`
}

// ChangeFunc is called when a chain moves from one status to another.
type ChangeFunc func(ctx context.Context, chain ledger.Chain, from, to Status)

// Monitor runs verification over every chain and keeps the verdicts.
type Monitor struct {
	verifier ChainVerifier
	cfg      Config
	onChange ChangeFunc
	logger   *zap.Logger

	mu     sync.Mutex
	status map[ledger.Chain]*ChainStatus
}

// New creates a Monitor.
func New(verifier ChainVerifier, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		status:   make(map[ledger.Chain]*ChainStatus),
	}
	for _, c := range ledger.Chains() {
		m.status[c] = &ChainStatus{Chain: c, Status: StatusUnknown}
	}
	return m
}

// SetOnChange configures the status transition callback.
func (m *Monitor) SetOnChange(fn ChangeFunc) {
	m.onChange = fn
}

// CheckAll verifies every chain concurrently and records the verdicts.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range ledger.Chains() {
		wg.Add(1)
		go func(chain ledger.Chain) {
			defer wg.Done()
			m.check(ctx, chain)
		}(c)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, chain ledger.Chain) {
	rep, err := m.verifier.VerifyChain(ctx, chain, "", "")
	now := time.Now().UTC()

	m.mu.Lock()
	st := m.status[chain]
	prev := st.Status
	if err != nil {
		st.Failures++
		if st.Failures >= m.cfg.FailThreshold {
			st.Status = StatusUnavailable
		}
	} else {
		st.Failures = 0
		st.RowsChecked = rep.RowsChecked
		st.BrokenAt = rep.BrokenAt
		st.LastHash = rep.LastHash
		st.CheckedAt = now
		st.Status = StatusIntact
		if !rep.Intact {
			st.Status = StatusBroken
		}
	}
	next, failures := st.Status, st.Failures
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("health: verify chain",
			zap.String("chain", string(chain)),
			zap.Int("fail_count", failures),
			zap.Error(err),
		)
	}
	if next == prev {
		return
	}
	switch next {
	case StatusBroken:
		m.logger.Error("health: chain broken", zap.String("chain", string(chain)), zap.String("broken_at", rep.BrokenAt))
	case StatusUnavailable:
		m.logger.Warn("health: chain unavailable", zap.String("chain", string(chain)))
	case StatusIntact:
		m.logger.Info("health: chain intact", zap.String("chain", string(chain)), zap.String("previous", string(prev)))
	}
	if m.onChange != nil {
		m.onChange(ctx, chain, prev, next)
	}
}

// Snapshot returns the status of every chain in chain order.
func (m *Monitor) Snapshot() []ChainStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChainStatus, 0, len(m.status))
	for _, c := range ledger.Chains() {
		out = append(out, *m.status[c])
	}
	return out
}

// Ready reports whether every chain has been verified intact.
func (m *Monitor) Ready() bool {
	for _, s := range m.Snapshot() {
		if s.Status != StatusIntact {
			return false
		}
	}
	return true
}
