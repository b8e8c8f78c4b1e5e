package auth

import (
	"context"
	"errors"
	"fmt"
)

// RestaurantAccessResolver pins a request to one restaurant and derives the
// principal's effective role and scopes there.
type RestaurantAccessResolver struct {
	members MembershipRepository
	scopes  *ScopeResolver
	strict  bool
}

// NewRestaurantAccessResolver creates a resolver. In strict mode a token
// without a restaurant claim is rejected unless it belongs to a platform admin.
func NewRestaurantAccessResolver(members MembershipRepository, scopes *ScopeResolver, strict bool) *RestaurantAccessResolver {
	return &RestaurantAccessResolver{members: members, scopes: scopes, strict: strict}
}

// Resolve returns a copy of p bound to the target restaurant.
//
// The target is the token's restaurant, or the header value for platform
// admins and non-strict tokens that carry none. When both are present they
// must agree. Password and PIN principals then need an active membership,
// whose role replaces the role in the token. Platform admins, stations and
// demo principals skip the lookup.
func (r *RestaurantAccessResolver) Resolve(ctx context.Context, p *Principal, headerTenant string) (*Principal, error) {
	if p.IsAnonymous() {
		return nil, ErrUnauthenticated
	}

	tenant := p.RestaurantID
	switch {
	case tenant != "" && headerTenant != "" && tenant != headerTenant:
		return nil, ErrTenantMismatch
	case tenant == "" && (p.Role.IsPlatformAdmin() || !r.strict):
		tenant = headerTenant
	case tenant == "":
		return nil, ErrTenantMissing
	}

	out := *p
	out.RestaurantID = tenant

	if needsMembership(p) {
		if tenant == "" {
			return nil, ErrTenantMissing
		}
		m, err := r.members.Get(ctx, p.ID, tenant)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotMember
		}
		if err != nil {
			return nil, fmt.Errorf("resolving membership: %w", err)
		}
		if !m.IsActive {
			return nil, ErrNotMember
		}
		out.Role = m.Role
	}

	out.Scopes = r.scopes.ScopesFor(out.Role)
	return &out, nil
}

func needsMembership(p *Principal) bool {
	if p.IsEphemeral() || p.Role.IsPlatformAdmin() {
		return false
	}
	return p.Kind == KindPassword || p.Kind == KindPIN
}
