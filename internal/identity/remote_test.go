package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

func newGoTrue(t *testing.T, handler http.HandlerFunc) *RemoteProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoteProvider(srv.URL+"/", "anon-key", time.Second, srv.Client())
}

func TestRemote_SignIn(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body["email"] != "ana@example.com" {
			t.Errorf("email = %q", body["email"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "at", "refresh_token": "rt", "token_type": "bearer",
			"expires_in": 3600, "expires_at": 1772400000,
			"user": {"id": "u-1", "email": "ana@example.com",
				"app_metadata": {"role": "admin", "restaurant_id": "R1"}}
		}`))
	})

	s, err := p.SignInWithPassword(t.Context(), SignInRequest{Email: "ana@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if s.AccessToken != "at" || s.RefreshToken != "rt" || s.UserID != "u-1" {
		t.Errorf("session = %+v", s)
	}
	if s.Role != auth.RoleAdmin || s.RestaurantID != "R1" {
		t.Errorf("metadata role/tenant = %s/%s", s.Role, s.RestaurantID)
	}
	if !s.ExpiresAt.Equal(time.Unix(1772400000, 0)) {
		t.Errorf("expires_at = %v", s.ExpiresAt)
	}
}

func TestRemote_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, auth.ErrInvalidCredential},
		{http.StatusUnauthorized, auth.ErrInvalidCredential},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tt := range tests {
		p := newGoTrue(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		})
		if _, err := p.Refresh(t.Context(), "rt"); !errors.Is(err, tt.want) {
			t.Errorf("status %d: error = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestRemote_Timeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	p := NewRemoteProvider(srv.URL, "", 50*time.Millisecond, srv.Client())
	start := time.Now()
	if err := p.SignOut(t.Context(), "at", ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SignOut took %v, want it bounded by the timeout", elapsed)
	}
}

func TestRemote_SignOut(t *testing.T) {
	var gotAuth string
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	if err := p.SignOut(t.Context(), "at", "rt"); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if gotAuth != "Bearer at" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}
