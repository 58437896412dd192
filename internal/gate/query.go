package gate

import (
	"fmt"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
)

const tenantColumn = "tenant_id"

// Query is a tenant-bound read of one domain table. Build it with NewQuery;
// the tenant comes from the scope and cannot be overridden.
type Query struct {
	tenantID   string
	table      string
	filters    []Filter
	limit      int
	descending bool
}

// NewQuery builds a query against table for scope. A filter on tenant_id
// naming a different tenant is rejected; one naming the scope's own tenant
// is redundant and dropped.
func NewQuery(scope Scope, table string, filters ...Filter) (Query, error) {
	if err := scope.check(); err != nil {
		return Query{}, err
	}
	if table == "" {
		return Query{}, fmt.Errorf("%w: query needs a table", ledger.ErrValidation)
	}
	q := Query{tenantID: scope.TenantID(), table: table}
	for _, f := range filters {
		if f.Column == "" {
			return Query{}, fmt.Errorf("%w: filter without column", ledger.ErrValidation)
		}
		if f.Column == tenantColumn {
			if fmt.Sprint(f.Value) != scope.TenantID() {
				return Query{}, fmt.Errorf("%w: conflicting tenant filter %v", ledger.ErrValidation, f.Value)
			}
			continue
		}
		q.filters = append(q.filters, f)
	}
	return q, nil
}

// Limit caps the number of records returned. Zero means no limit.
func (q Query) Limit(n int) Query {
	if n < 0 {
		n = 0
	}
	q.limit = n
	return q
}

// OrderByCreated sorts results by creation time, newest first when desc.
func (q Query) OrderByCreated(desc bool) Query {
	q.descending = desc
	return q
}

// Table returns the table the query reads.
func (q Query) Table() string { return q.table }

// TenantID returns the tenant the query is bound to.
func (q Query) TenantID() string { return q.tenantID }
