package auth

import (
	"errors"
	"slices"
	"testing"
)

func principalWithRole(r *ScopeResolver, role Role) *Principal {
	return &Principal{ID: "usr-1", Kind: KindPIN, Role: role, RestaurantID: "R1", Scopes: r.ScopesFor(role)}
}

func TestRequireScopes_OrdersCreate(t *testing.T) {
	resolver := NewScopeResolver(DefaultRoleScopes())

	allowed := []Role{RoleOwner, RoleManager, RoleServer, RoleCustomer}
	denied := []Role{RoleKitchen, RoleExpo, RoleCashier}

	for _, role := range allowed {
		t.Run("allows "+string(role), func(t *testing.T) {
			if err := RequireScopes(principalWithRole(resolver, role), ScopeOrdersCreate); err != nil {
				t.Errorf("RequireScopes(%s, orders:create) error = %v", role, err)
			}
		})
	}
	for _, role := range denied {
		t.Run("denies "+string(role), func(t *testing.T) {
			err := RequireScopes(principalWithRole(resolver, role), ScopeOrdersCreate)
			if !errors.Is(err, ErrForbidden) {
				t.Errorf("RequireScopes(%s, orders:create) error = %v, want ErrForbidden", role, err)
			}
		})
	}
}

func TestRequireScopes_AnyOf(t *testing.T) {
	resolver := NewScopeResolver(DefaultRoleScopes())
	kitchen := principalWithRole(resolver, RoleKitchen)

	// kitchen lacks staff:manage but holds orders:status
	if err := RequireScopes(kitchen, ScopeStaffManage, ScopeOrdersStatus); err != nil {
		t.Errorf("any-of check should pass, error = %v", err)
	}
	if err := RequireScopes(kitchen, ScopeStaffManage, ScopeMenuManage); !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
}

func TestRequireAllScopes(t *testing.T) {
	p := &Principal{ID: "usr-1", Kind: KindPassword, Role: RoleManager, Scopes: []Scope{ScopeReportsRead}}

	if err := RequireAllScopes(p, ScopeReportsRead, ScopeStaffManage); !errors.Is(err, ErrMissingScope) {
		t.Errorf("one of two scopes error = %v, want ErrMissingScope", err)
	}
	p.Scopes = append(p.Scopes, ScopeStaffManage)
	if err := RequireAllScopes(p, ScopeReportsRead, ScopeStaffManage); err != nil {
		t.Errorf("all scopes held, error = %v", err)
	}
	if err := RequireAllScopes(Anonymous(), ScopeReportsRead); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("anonymous error = %v, want ErrUnauthenticated", err)
	}
}

func TestRequireScopes_Anonymous(t *testing.T) {
	if err := RequireScopes(Anonymous()); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("anonymous error = %v, want ErrUnauthenticated", err)
	}
	if err := RequireScopes(nil, ScopeOrdersRead); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("nil principal error = %v, want ErrUnauthenticated", err)
	}
}

func TestScopesFor_UniversalRoles(t *testing.T) {
	resolver := NewScopeResolver(DefaultRoleScopes())

	for _, role := range []Role{RoleOwner, RoleAdmin, RoleSuperAdmin} {
		if got := resolver.ScopesFor(role); !slices.Equal(got, AllScopes) {
			t.Errorf("ScopesFor(%s) = %v, want all scopes", role, got)
		}
	}
}

func TestScopesFor_ManagerLacksSystemConfig(t *testing.T) {
	resolver := NewScopeResolver(DefaultRoleScopes())

	if resolver.HasScope(RoleManager, ScopeSystemConfig) {
		t.Error("manager should not hold system:config")
	}
	if len(resolver.ScopesFor(RoleManager)) != len(AllScopes)-1 {
		t.Errorf("manager scope count = %d, want %d", len(resolver.ScopesFor(RoleManager)), len(AllScopes)-1)
	}
}

func TestScopesFor_TableMatrix(t *testing.T) {
	resolver := NewScopeResolver(DefaultRoleScopes())

	tests := []struct {
		role  Role
		scope Scope
		want  bool
	}{
		{RoleServer, ScopeTablesManage, true},
		{RoleServer, ScopePaymentsRefund, false},
		{RoleCashier, ScopePaymentsProcess, true},
		{RoleCashier, ScopeOrdersUpdate, false},
		{RoleExpo, ScopeOrdersStatus, true},
		{RoleCustomer, ScopeMenuManage, true},
		{RoleCustomer, ScopeStaffManage, false},
		{Role("unknown"), ScopeOrdersRead, false},
	}
	for _, tt := range tests {
		if got := resolver.HasScope(tt.role, tt.scope); got != tt.want {
			t.Errorf("HasScope(%s, %s) = %v, want %v", tt.role, tt.scope, got, tt.want)
		}
	}
}

func TestScopeResolver_IsolatedFromCallerMutation(t *testing.T) {
	table := DefaultRoleScopes()
	resolver := NewScopeResolver(table)

	table[RoleKitchen] = append(table[RoleKitchen], ScopeStaffManage)
	if resolver.HasScope(RoleKitchen, ScopeStaffManage) {
		t.Error("resolver table changed after caller mutated its copy")
	}

	got := resolver.ScopesFor(RoleServer)
	got[0] = ScopeSystemConfig
	if resolver.HasScope(RoleServer, ScopeSystemConfig) {
		t.Error("ScopesFor returned a shared slice")
	}
}
