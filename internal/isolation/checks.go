package isolation

import (
	"fmt"
	"reflect"
	"strings"
)

// Severity grades a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
)

// Check ids.
const (
	CheckTenantScopedNonEmpty    = "tenant_scoped_non_empty"
	CheckExemptionJustified      = "exemption_justified"
	CheckNoDuplicateScoped       = "no_duplicate_scoped"
	CheckConflictingRegistration = "conflicting_registration"
	CheckCoverageThreshold       = "coverage_threshold"
	CheckGateWrappersExported    = "gate_wrappers_exported"
)

// DefaultCoverageThreshold is the minimum share of registered tables that
// must be tenant-scoped.
const DefaultCoverageThreshold = 0.30

// GateWrappers are the methods the gate must export.
var GateWrappers = []string{"ResolveContext", "AuditedWrite", "ScopedRead"}

// Violation is one failed expectation of a check.
type Violation struct {
	CheckID  string   `json:"check_id"`
	Severity Severity `json:"severity"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
}

// input is everything a check may look at.
type input struct {
	registry  *Registry
	threshold float64
	gate      any
}

type check struct {
	id       string
	severity Severity
	run      func(in input) []Violation
}

// checks run in this order; ids and count are fixed.
var checks = []check{
	{CheckTenantScopedNonEmpty, SeverityCritical, tenantScopedNonEmpty},
	{CheckExemptionJustified, SeverityHigh, exemptionJustified},
	{CheckNoDuplicateScoped, SeverityMedium, noDuplicateScoped},
	{CheckConflictingRegistration, SeverityCritical, conflictingRegistration},
	{CheckCoverageThreshold, SeverityWarning, coverageThreshold},
	{CheckGateWrappersExported, SeverityCritical, gateWrappersExported},
}

func tenantScopedNonEmpty(in input) []Violation {
	if len(in.registry.scoped) > 0 {
		return nil
	}
	return []Violation{{Message: "tenant-scoped registry is empty"}}
}

func exemptionJustified(in input) []Violation {
	var out []Violation
	for _, e := range in.registry.exempt {
		if strings.TrimSpace(e.Justification) == "" {
			out = append(out, Violation{Resource: e.Table, Message: "exemption has no justification"})
		}
	}
	return out
}

func noDuplicateScoped(in input) []Violation {
	seen := make(map[string]int)
	var out []Violation
	for _, t := range in.registry.scoped {
		seen[t]++
		if seen[t] == 2 {
			out = append(out, Violation{Resource: t, Message: "table listed more than once as tenant-scoped"})
		}
	}
	return out
}

func conflictingRegistration(in input) []Violation {
	var out []Violation
	reported := make(map[string]bool)
	for _, e := range in.registry.exempt {
		if in.registry.scopedSet[e.Table] && !reported[e.Table] {
			reported[e.Table] = true
			out = append(out, Violation{Resource: e.Table, Message: "table is both tenant-scoped and exempt"})
		}
	}
	return out
}

func coverageThreshold(in input) []Violation {
	total := len(in.registry.scopedSet) + len(in.registry.exemptSet)
	for t := range in.registry.exemptSet {
		if in.registry.scopedSet[t] {
			total--
		}
	}
	if total == 0 {
		return []Violation{{Message: "no tables registered"}}
	}
	ratio := float64(len(in.registry.scopedSet)) / float64(total)
	if ratio >= in.threshold {
		return nil
	}
	return []Violation{{Message: fmt.Sprintf("tenant-scoped coverage %.1f%% is below %.1f%%", ratio*100, in.threshold*100)}}
}

// gateWrappersExported is structural only: it looks for the methods on the
// gate value's type and never calls them.
func gateWrappersExported(in input) []Violation {
	if in.gate == nil {
		return []Violation{{Message: "no gate registered with the engine"}}
	}
	typ := reflect.TypeOf(in.gate)
	var out []Violation
	for _, name := range GateWrappers {
		if _, ok := typ.MethodByName(name); !ok {
			out = append(out, Violation{Resource: name, Message: fmt.Sprintf("%s does not export %s", typ, name)})
		}
	}
	return out
}
