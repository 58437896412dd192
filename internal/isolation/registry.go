package isolation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

// AuditRunsTable is the platform table isolation results are persisted to.
// The gate resolves it without this registry; listing it here only documents
// it for reviewers.
const AuditRunsTable = gate.AuditRunsTable

// Exemption is a table deliberately left out of tenant scoping. SystemOnly
// exemptions are refused to tenant scopes by the gate.
type Exemption struct {
	Table         string `yaml:"table" json:"table"`
	Justification string `yaml:"justification" json:"justification"`
	SystemOnly    bool   `yaml:"system_only,omitempty" json:"system_only,omitempty"`
}

type registryFile struct {
	Version      string      `yaml:"version"`
	TenantScoped []string    `yaml:"tenant_scoped"`
	Exempt       []Exemption `yaml:"exempt"`
}

// Registry is the tenant boundary registry. It is loaded once and never
// changes; accessors hand out copies.
type Registry struct {
	version string
	scoped  []string
	exempt  []Exemption

	scopedSet     map[string]bool
	exemptSet     map[string]bool
	systemOnlySet map[string]bool
}

// ParseRegistry decodes a registry artifact. It rejects malformed YAML and
// unknown keys but not inconsistent content: contradictions are for the
// engine to report.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse tenant registry: %w", err)
	}
	return NewRegistry(f.Version, f.TenantScoped, f.Exempt), nil
}

// LoadRegistry reads a registry artifact from path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant registry: %w", err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the registry compiled into the binary.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultRegistry)
	if err != nil {
		panic(fmt.Sprintf("embedded tenant registry: %v", err))
	}
	return r
}

// NewRegistry builds a registry from its parts. The slices are copied.
func NewRegistry(version string, scoped []string, exempt []Exemption) *Registry {
	r := &Registry{
		version:   version,
		scoped:    append([]string(nil), scoped...),
		exempt:    append([]Exemption(nil), exempt...),
		scopedSet:     make(map[string]bool, len(scoped)),
		exemptSet:     make(map[string]bool, len(exempt)),
		systemOnlySet: make(map[string]bool),
	}
	for _, t := range scoped {
		r.scopedSet[t] = true
	}
	for _, e := range exempt {
		r.exemptSet[e.Table] = true
		if e.SystemOnly {
			r.systemOnlySet[e.Table] = true
		}
	}
	return r
}

// Version returns the artifact version.
func (r *Registry) Version() string { return r.version }

// TenantScoped returns the tenant-scoped tables in declaration order.
func (r *Registry) TenantScoped() []string { return append([]string(nil), r.scoped...) }

// Exempt returns the exemptions in declaration order.
func (r *Registry) Exempt() []Exemption { return append([]Exemption(nil), r.exempt...) }

// Contains reports whether table is registered in either list.
func (r *Registry) Contains(table string) bool {
	return r.scopedSet[table] || r.exemptSet[table]
}

// IsTenantScoped reports whether table is in the tenant-scoped list. A table
// in both lists counts as scoped.
func (r *Registry) IsTenantScoped(table string) bool { return r.scopedSet[table] }

// IsSystemOnly reports whether table is an exemption only system scopes may
// write.
func (r *Registry) IsSystemOnly(table string) bool { return r.systemOnlySet[table] }
