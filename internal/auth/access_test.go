package auth

import (
	"errors"
	"slices"
	"testing"
)

func testAccess(t *testing.T, strict bool) (*RestaurantAccessResolver, *SQLiteMembershipRepository) {
	t.Helper()
	members := NewMembershipRepository(testDB(t))
	return NewRestaurantAccessResolver(members, NewScopeResolver(DefaultRoleScopes()), strict), members
}

func addMember(t *testing.T, repo *SQLiteMembershipRepository, userID, restaurantID string, role Role, active bool) {
	t.Helper()
	if err := repo.Upsert(t.Context(), &Membership{UserID: userID, RestaurantID: restaurantID, Role: role, IsActive: active}); err != nil {
		t.Fatalf("Upsert(%s@%s) error = %v", userID, restaurantID, err)
	}
}

func TestResolve_MembershipRole(t *testing.T) {
	resolver, members := testAccess(t, true)
	addMember(t, members, "usr-a", "R1", RoleManager, true)

	p := &Principal{ID: "usr-a", Kind: KindPassword, Role: RoleUser, RestaurantID: "R1"}
	got, err := resolver.Resolve(t.Context(), p, "R1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Role != RoleManager {
		t.Errorf("role = %s, want manager", got.Role)
	}
	if !slices.Contains(got.Scopes, ScopeStaffManage) || slices.Contains(got.Scopes, ScopeSystemConfig) {
		t.Errorf("scopes = %v", got.Scopes)
	}
	if p.Role != RoleUser {
		t.Error("Resolve mutated its input")
	}
}

func TestResolve_HeaderMismatch(t *testing.T) {
	resolver, members := testAccess(t, true)
	addMember(t, members, "usr-a", "R1", RoleOwner, true)
	addMember(t, members, "usr-a", "R2", RoleOwner, true)

	p := &Principal{ID: "usr-a", Kind: KindPIN, Role: RoleOwner, RestaurantID: "R1"}
	_, err := resolver.Resolve(t.Context(), p, "R2")
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("error = %v, want ErrTenantMismatch", err)
	}
	if PublicMessage(err) != MsgAccessDenied {
		t.Errorf("public message = %q", PublicMessage(err))
	}
}

func TestResolve_NotMember(t *testing.T) {
	resolver, members := testAccess(t, true)
	addMember(t, members, "usr-a", "R1", RoleServer, false)

	tests := []struct {
		name string
		p    *Principal
	}{
		{"inactive", &Principal{ID: "usr-a", Kind: KindPassword, Role: RoleUser, RestaurantID: "R1"}},
		{"absent", &Principal{ID: "usr-b", Kind: KindPIN, Role: RoleServer, RestaurantID: "R1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := resolver.Resolve(t.Context(), tt.p, ""); !errors.Is(err, ErrNotMember) {
				t.Errorf("error = %v, want ErrNotMember", err)
			}
		})
	}
}

func TestResolve_StrictTenantMissing(t *testing.T) {
	strict, _ := testAccess(t, true)
	p := &Principal{ID: "usr-a", Kind: KindPassword, Role: RoleUser}

	if _, err := strict.Resolve(t.Context(), p, "R1"); !errors.Is(err, ErrTenantMissing) {
		t.Errorf("strict: error = %v, want ErrTenantMissing", err)
	}

	lax, members := testAccess(t, false)
	addMember(t, members, "usr-a", "R1", RoleCashier, true)
	got, err := lax.Resolve(t.Context(), p, "R1")
	if err != nil {
		t.Fatalf("non-strict: error = %v", err)
	}
	if got.RestaurantID != "R1" || got.Role != RoleCashier {
		t.Errorf("non-strict principal = %+v", got)
	}
}

func TestResolve_PlatformAdminAnyTenant(t *testing.T) {
	resolver, _ := testAccess(t, true)

	for _, role := range []Role{RoleAdmin, RoleSuperAdmin} {
		p := &Principal{ID: "usr-root", Kind: KindPassword, Role: role}
		got, err := resolver.Resolve(t.Context(), p, "R7")
		if err != nil {
			t.Fatalf("%s: error = %v", role, err)
		}
		if got.RestaurantID != "R7" || len(got.Scopes) != len(AllScopes) {
			t.Errorf("%s: principal = %+v", role, got)
		}
	}
}

func TestResolve_EphemeralSkipsMembership(t *testing.T) {
	resolver, _ := testAccess(t, true)

	p := &Principal{ID: "demo:4f1c", Kind: KindEphemeral, Role: RoleKitchen, RestaurantID: "R1"}
	got, err := resolver.Resolve(t.Context(), p, "R1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Role != RoleKitchen || !slices.Equal(got.Scopes, []Scope{ScopeOrdersRead, ScopeOrdersStatus}) {
		t.Errorf("principal = %+v", got)
	}
}

func TestResolve_StationSkipsMembership(t *testing.T) {
	resolver, _ := testAccess(t, true)

	p := &Principal{ID: "c0a8f3e2-7d41-4b8e-9a55-2f6b1d3e8c90", Kind: KindStation, Role: RoleExpo, RestaurantID: "R1"}
	if _, err := resolver.Resolve(t.Context(), p, "R1"); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}
	if _, err := resolver.Resolve(t.Context(), p, "R2"); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("cross-tenant station: error = %v, want ErrTenantMismatch", err)
	}
}

func TestResolve_Anonymous(t *testing.T) {
	resolver, _ := testAccess(t, true)
	if _, err := resolver.Resolve(t.Context(), Anonymous(), "R1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestMembershipRepository(t *testing.T) {
	_, repo := testAccess(t, true)
	ctx := t.Context()

	addMember(t, repo, "usr-a", "R1", RoleServer, true)
	addMember(t, repo, "usr-a", "R2", RoleManager, true)
	addMember(t, repo, "usr-a", "R1", RoleCashier, true)

	m, err := repo.Get(ctx, "usr-a", "R1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.Role != RoleCashier {
		t.Errorf("role after upsert = %s, want cashier", m.Role)
	}

	list, err := repo.ListForUser(ctx, "usr-a")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListForUser() = %d, %v, want 2", len(list), err)
	}

	if err := repo.Deactivate(ctx, "usr-a", "R2"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if err := repo.Deactivate(ctx, "usr-z", "R2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deactivate(missing) error = %v, want ErrNotFound", err)
	}
	if err := repo.Upsert(ctx, &Membership{UserID: "usr-b", RestaurantID: "R1", Role: RoleAdmin, IsActive: true}); !errors.Is(err, ErrMalformedCredential) {
		t.Errorf("Upsert(admin) error = %v, want ErrMalformedCredential", err)
	}
}
