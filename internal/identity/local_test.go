package identity

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

func TestLocal_SignIn(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "Ana@Example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleManager)

	s, err := f.provider.SignInWithPassword(t.Context(), SignInRequest{Email: "ana@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		t.Fatal("session is missing tokens")
	}
	if s.RestaurantID != "R1" {
		t.Errorf("restaurant = %q, want R1 (single membership)", s.RestaurantID)
	}

	v := auth.NewValidator(auth.ValidatorDeps{
		Secrets: testSecrets,
		Scopes:  auth.NewScopeResolver(auth.DefaultRoleScopes()),
		Now:     func() time.Time { return f.now },
	})
	p, err := v.Authenticate(t.Context(), s.AccessToken, auth.RequestContext{})
	if err != nil {
		t.Fatalf("Authenticate(access token) error = %v", err)
	}
	if p.Kind != auth.KindPassword || p.ID != u.ID || p.RestaurantID != "R1" {
		t.Errorf("principal = %+v", p)
	}
}

func TestLocal_SignInFailuresAreIndistinguishable(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "ana@example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)
	disabled := f.seedUser(t, "old@example.com", "correct horse battery", auth.RoleUser)
	if err := f.users.SetActive(t.Context(), disabled.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	tests := []SignInRequest{
		{Email: "ana@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "correct horse battery"},
		{Email: "old@example.com", Password: "correct horse battery"},
	}
	for _, req := range tests {
		_, err := f.provider.SignInWithPassword(t.Context(), req)
		if !errors.Is(err, auth.ErrInvalidCredential) {
			t.Errorf("SignIn(%s) error = %v, want ErrInvalidCredential", req.Email, err)
		}
	}
}

func TestLocal_SignInTenantSelection(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "multi@example.com", "pw-multi-restaurant", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)
	f.join(t, u.ID, "R2", auth.RoleOwner)
	admin := f.seedUser(t, "root@example.com", "pw-platform-admin", auth.RoleSuperAdmin)

	ctx := t.Context()
	if _, err := f.provider.SignInWithPassword(ctx, SignInRequest{Email: u.Email, Password: "pw-multi-restaurant"}); !errors.Is(err, auth.ErrMalformedCredential) {
		t.Errorf("ambiguous tenant: error = %v, want ErrMalformedCredential", err)
	}
	s, err := f.provider.SignInWithPassword(ctx, SignInRequest{Email: u.Email, Password: "pw-multi-restaurant", RestaurantID: "R2"})
	if err != nil || s.RestaurantID != "R2" {
		t.Errorf("explicit tenant: session = %+v, err = %v", s, err)
	}
	if _, err := f.provider.SignInWithPassword(ctx, SignInRequest{Email: u.Email, Password: "pw-multi-restaurant", RestaurantID: "R3"}); !errors.Is(err, auth.ErrNotMember) {
		t.Errorf("foreign tenant: error = %v, want ErrNotMember", err)
	}
	s, err = f.provider.SignInWithPassword(ctx, SignInRequest{Email: admin.Email, Password: "pw-platform-admin"})
	if err != nil || s.RestaurantID != "" || s.Role != auth.RoleSuperAdmin {
		t.Errorf("admin: session = %+v, err = %v", s, err)
	}
}

func TestLocal_RefreshRotates(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "ana@example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)
	ctx := t.Context()

	first, err := f.provider.SignInWithPassword(ctx, SignInRequest{Email: u.Email, Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	second, err := f.provider.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.RestaurantID != "R1" {
		t.Errorf("restaurant = %q, want R1", second.RestaurantID)
	}

	// replaying the consumed token revokes the whole family
	if _, err := f.provider.Refresh(ctx, first.RefreshToken); !errors.Is(err, auth.ErrRevoked) {
		t.Fatalf("replay error = %v, want ErrRevoked", err)
	}
	if _, err := f.provider.Refresh(ctx, second.RefreshToken); !errors.Is(err, auth.ErrRevoked) {
		t.Errorf("sibling after replay error = %v, want ErrRevoked", err)
	}
}

func TestLocal_RefreshExpired(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "ana@example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)

	s, err := f.provider.SignInWithPassword(t.Context(), SignInRequest{Email: u.Email, Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	f.now = f.now.Add(DefaultRefreshTTL + time.Minute)

	if _, err := f.provider.Refresh(t.Context(), s.RefreshToken); !errors.Is(err, auth.ErrExpired) {
		t.Errorf("error = %v, want ErrExpired", err)
	}
	if _, err := f.provider.Refresh(t.Context(), "not-a-token"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("unknown token error = %v, want ErrInvalidCredential", err)
	}
}

func TestLocal_SignOutRevokesFamily(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "ana@example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)
	ctx := t.Context()

	s, err := f.provider.SignInWithPassword(ctx, SignInRequest{Email: u.Email, Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := f.provider.SignOut(ctx, s.AccessToken, s.RefreshToken); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if _, err := f.provider.Refresh(ctx, s.RefreshToken); err == nil {
		t.Error("refresh after sign-out succeeded")
	}
	if err := f.provider.SignOut(ctx, "", "unknown"); err != nil {
		t.Errorf("SignOut(unknown) error = %v", err)
	}
}

// TestResilience_ConcurrentRefresh verifies that two rotations of the same
// token cannot both succeed.
func TestResilience_ConcurrentRefresh(t *testing.T) {
	f := newLocalFixture(t)
	u := f.seedUser(t, "ana@example.com", "correct horse battery", auth.RoleUser)
	f.join(t, u.ID, "R1", auth.RoleServer)

	s, err := f.provider.SignInWithPassword(t.Context(), SignInRequest{Email: u.Email, Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2) //nolint:mnd // two concurrent attempts
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.provider.Refresh(t.Context(), s.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok > 1 {
		t.Errorf("%d concurrent refreshes succeeded, want at most 1", ok)
	}
}

func TestUserRepository(t *testing.T) {
	f := newLocalFixture(t)
	ctx := t.Context()
	u := f.seedUser(t, "ana@example.com", "pw", auth.RoleUser)

	if err := f.users.Create(ctx, &User{Email: "ANA@example.com", PasswordHash: "x"}); !errors.Is(err, ErrEmailExists) {
		t.Errorf("duplicate email error = %v, want ErrEmailExists", err)
	}
	got, err := f.users.GetByID(ctx, u.ID)
	if err != nil || got.Email != "ana@example.com" {
		t.Errorf("GetByID() = %+v, %v", got, err)
	}
	if _, err := f.users.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetByEmail(missing) error = %v, want ErrUserNotFound", err)
	}
	if err := f.users.UpdatePassword(ctx, "usr-missing", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdatePassword(missing) error = %v, want ErrUserNotFound", err)
	}
	if n, err := f.users.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v, want 1", n, err)
	}
}
