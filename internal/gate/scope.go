package gate

import (
	"fmt"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
)

// SystemTenant is the tenant id platform-internal writers run under.
const SystemTenant = "platform"

// Identity is what the identity boundary yields for a caller. It is the only
// input ResolveContext accepts.
type Identity struct {
	Authenticated bool
	Subject       string
	ActiveTenant  string
	Roles         []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Scope is a resolved {tenant, actor} pair. Its fields are unexported so a
// Scope cannot be assembled from request values; use ResolveContext or
// SystemScope. The zero value is rejected by every gate operation.
type Scope struct {
	tenantID string
	actorID  string
	system   bool
}

// ResolveContext turns an authenticated identity into a Scope.
func ResolveContext(id Identity) (Scope, error) {
	if !id.Authenticated || id.Subject == "" {
		return Scope{}, ledger.ErrUnauthorized
	}
	if id.ActiveTenant == "" {
		return Scope{}, ledger.ErrNoActiveTenant
	}
	return Scope{tenantID: id.ActiveTenant, actorID: id.Subject}, nil
}

// SystemScope returns the scope a platform component such as the isolation
// engine writes under. It may only touch exempt tables.
func SystemScope(actor string) Scope {
	return Scope{tenantID: SystemTenant, actorID: actor, system: true}
}

// TenantID returns the scope's tenant.
func (s Scope) TenantID() string { return s.tenantID }

// ActorID returns the scope's actor.
func (s Scope) ActorID() string { return s.actorID }

// IsSystem reports whether the scope was created by SystemScope.
func (s Scope) IsSystem() bool { return s.system }

// IsZero reports whether s is the unresolved zero value.
func (s Scope) IsZero() bool { return s.tenantID == "" || s.actorID == "" }

func (s Scope) String() string {
	return fmt.Sprintf("%s@%s", s.actorID, s.tenantID)
}

func (s Scope) check() error {
	if s.IsZero() {
		return fmt.Errorf("%w: unresolved scope", ledger.ErrUnauthorized)
	}
	return nil
}
