package auth

import (
	"fmt"
	"slices"
)

// Scope is a fine-grained permission checked independently of role.
type Scope string

const (
	ScopeOrdersCreate    Scope = "orders:create"
	ScopeOrdersRead      Scope = "orders:read"
	ScopeOrdersUpdate    Scope = "orders:update"
	ScopeOrdersStatus    Scope = "orders:status"
	ScopePaymentsProcess Scope = "payments:process"
	ScopePaymentsRead    Scope = "payments:read"
	ScopePaymentsRefund  Scope = "payments:refund"
	ScopeTablesManage    Scope = "tables:manage"
	ScopeMenuManage      Scope = "menu:manage"
	ScopeStaffManage     Scope = "staff:manage"
	ScopeReportsRead     Scope = "reports:read"
	ScopeSystemConfig    Scope = "system:config"
)

// AllScopes is the universal set held by owners and platform admins.
var AllScopes = []Scope{
	ScopeOrdersCreate,
	ScopeOrdersRead,
	ScopeOrdersUpdate,
	ScopeOrdersStatus,
	ScopePaymentsProcess,
	ScopePaymentsRead,
	ScopePaymentsRefund,
	ScopeTablesManage,
	ScopeMenuManage,
	ScopeStaffManage,
	ScopeReportsRead,
	ScopeSystemConfig,
}

// RoleScopeTable maps each role to the scopes it grants.
type RoleScopeTable map[Role][]Scope

// DefaultRoleScopes returns the built-in table. Owner and the platform roles
// are absent on purpose: ScopesFor gives them AllScopes.
func DefaultRoleScopes() RoleScopeTable {
	manager := make([]Scope, 0, len(AllScopes)-1)
	for _, s := range AllScopes {
		if s != ScopeSystemConfig {
			manager = append(manager, s)
		}
	}

	return RoleScopeTable{
		RoleManager: manager,
		RoleServer: {
			ScopeOrdersCreate,
			ScopeOrdersRead,
			ScopeOrdersUpdate,
			ScopeOrdersStatus,
			ScopePaymentsProcess,
			ScopePaymentsRead,
			ScopeTablesManage,
		},
		RoleCashier: {
			ScopeOrdersRead,
			ScopePaymentsProcess,
			ScopePaymentsRead,
		},
		RoleKitchen: {
			ScopeOrdersRead,
			ScopeOrdersStatus,
		},
		RoleExpo: {
			ScopeOrdersRead,
			ScopeOrdersStatus,
		},
		RoleCustomer: {
			ScopeOrdersCreate,
			ScopeOrdersRead,
			ScopePaymentsProcess,
			ScopeMenuManage,
		},
	}
}

// ScopeResolver answers scope questions from an immutable role table.
type ScopeResolver struct {
	table RoleScopeTable
}

// NewScopeResolver copies table so later mutation by the caller has no effect.
func NewScopeResolver(table RoleScopeTable) *ScopeResolver {
	copied := make(RoleScopeTable, len(table))
	for role, scopes := range table {
		copied[role] = slices.Clone(scopes)
	}
	return &ScopeResolver{table: copied}
}

// ScopesFor returns a copy of the scopes granted to role. Owner and platform
// admins get the universal set; unknown roles get none.
func (r *ScopeResolver) ScopesFor(role Role) []Scope {
	if role == RoleOwner || role.IsPlatformAdmin() {
		return slices.Clone(AllScopes)
	}
	scopes, ok := r.table[role]
	if !ok {
		return []Scope{}
	}
	return slices.Clone(scopes)
}

// HasScope reports whether role grants scope.
func (r *ScopeResolver) HasScope(role Role, scope Scope) bool {
	return slices.Contains(r.ScopesFor(role), scope)
}

// RequireScopes succeeds when p holds at least one of scopes (any-of).
// An empty list only requires an authenticated principal.
func RequireScopes(p *Principal, scopes ...Scope) error {
	if p.IsAnonymous() {
		return ErrUnauthenticated
	}
	if len(scopes) == 0 {
		return nil
	}
	for _, want := range scopes {
		if slices.Contains(p.Scopes, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s lacks any of %v", ErrMissingScope, p.Role, scopes)
}

// RequireAllScopes succeeds when p holds every one of scopes.
func RequireAllScopes(p *Principal, scopes ...Scope) error {
	if p.IsAnonymous() {
		return ErrUnauthenticated
	}
	for _, want := range scopes {
		if !slices.Contains(p.Scopes, want) {
			return fmt.Errorf("%w: role %s lacks %s", ErrMissingScope, p.Role, want)
		}
	}
	return nil
}
