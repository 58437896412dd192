package gate

import (
	"fmt"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/store"
)

// Record and Filter are re-exported so callers of the gate never need to
// import the store.
type (
	Record = store.Record
	Filter = store.Filter
)

// Kind is the type of change a Mutation makes.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"

	// KindEvent appends a ledger row without touching a domain table.
	KindEvent Kind = "event"
)

// reservedFields may never be set by the caller; the gate owns them.
var reservedFields = []string{"id", "tenant_id"}

// Mutation describes one audited change.
type Mutation struct {
	Kind     Kind
	Table    string
	RecordID string
	Fields   map[string]any

	// Chain defaults to audit_events, or automation_events for KindEvent.
	Chain ledger.Chain

	// Action defaults to "<table>.<kind>".
	Action     string
	TargetType string

	// Payload is the ledger row payload. When nil the gate records the kind
	// and the changed fields.
	Payload any
}

// WriteResult identifies what an audited write produced.
type WriteResult struct {
	RecordID string `json:"record_id,omitempty"`
	RowID    string `json:"row_id"`
	Hash     string `json:"hash"`
	Seq      int64  `json:"seq"`
}

func (m *Mutation) normalize() error {
	switch m.Kind {
	case KindInsert, KindUpdate, KindDelete:
		if m.Table == "" {
			return fmt.Errorf("%w: table is required for %s", ledger.ErrValidation, m.Kind)
		}
		if m.Kind != KindInsert && m.RecordID == "" {
			return fmt.Errorf("%w: record id is required for %s", ledger.ErrValidation, m.Kind)
		}
		if m.Kind == KindUpdate && len(m.Fields) == 0 {
			return fmt.Errorf("%w: update without fields", ledger.ErrValidation)
		}
		if m.Chain == "" {
			m.Chain = ledger.ChainAuditEvents
		}
		if m.TargetType == "" {
			m.TargetType = m.Table
		}
	case KindEvent:
		if m.Action == "" {
			return fmt.Errorf("%w: action is required for events", ledger.ErrValidation)
		}
		if m.Chain == "" {
			m.Chain = ledger.ChainAutomationEvents
		}
	default:
		return fmt.Errorf("%w: unknown mutation kind %q", ledger.ErrValidation, m.Kind)
	}

	if _, err := ledger.ParseChain(string(m.Chain)); err != nil {
		return err
	}
	for _, f := range reservedFields {
		if _, ok := m.Fields[f]; ok {
			return fmt.Errorf("%w: field %q is set by the gate, not the caller", ledger.ErrValidation, f)
		}
	}
	if m.Action == "" {
		m.Action = m.Table + "." + string(m.Kind)
	}
	return nil
}

func (m *Mutation) payload() any {
	if m.Payload != nil {
		return m.Payload
	}
	p := map[string]any{"op": string(m.Kind)}
	if len(m.Fields) > 0 {
		p["fields"] = m.Fields
	}
	return p
}
