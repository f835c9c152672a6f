package dues

import "context"

// Role is the caller's role in the association.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleResident Role = "resident"
	RoleSystem   Role = "system" // gateway webhooks and background jobs
)

// Principal is the verified caller of a core operation.
type Principal struct {
	ID         string
	Role       Role
	SuperAdmin bool
	FlatNumber string // residents only
}

// SystemPrincipal acts for gateway webhooks.
var SystemPrincipal = Principal{ID: "system", Role: RoleSystem}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
func (p Principal) IsSystem() bool { return p.Role == RoleSystem }

// CanAccessFlat reports whether p may read or pay for the flat.
func (p Principal) CanAccessFlat(f Flat) bool {
	if p.IsAdmin() || p.IsSystem() {
		return true
	}
	return p.Role == RoleResident && p.FlatNumber != "" && p.FlatNumber == f.Number
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// RequirePrincipal returns the principal or ErrUnauthenticated.
func RequirePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// RequireAdmin returns the principal if it is an admin.
func RequireAdmin(ctx context.Context) (Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return Principal{}, err
	}
	if !p.IsAdmin() {
		return Principal{}, ErrForbidden
	}
	return p, nil
}
