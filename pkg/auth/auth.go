// Package auth defines the authentication capability injected into the API
// and catalog layers. Site-specific account systems implement Authenticator;
// the default implementation accepts everything and reports plain user role,
// which is correct for deployments where the front-end has already
// authenticated the caller.
package auth

import "context"

// Role is a user's standing within a group.
type Role string

const (
	RoleUser    Role = "user"
	RoleDeputy  Role = "deputy"
	RoleManager Role = "manager"
)

// Authenticator resolves principals, group membership and roles.
type Authenticator interface {
	// AuthenticateToken validates an OAuth token and returns the principal
	// (user name) it belongs to.
	AuthenticateToken(ctx context.Context, token string) (string, error)

	// AuthenticateUser reports whether the user exists.
	AuthenticateUser(ctx context.Context, user string) (bool, error)

	// AuthenticateGroup reports whether the user belongs to the group.
	AuthenticateGroup(ctx context.Context, user, group string) (bool, error)

	// UserRole returns the user's role within the group. Deputies and
	// managers may delete other users' files from group holdings.
	UserRole(ctx context.Context, user, group string) (Role, error)
}

// Permissive accepts every principal and reports the plain user role.
type Permissive struct{}

var _ Authenticator = Permissive{}

func (Permissive) AuthenticateToken(_ context.Context, token string) (string, error) {
	return token, nil
}

func (Permissive) AuthenticateUser(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (Permissive) AuthenticateGroup(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

func (Permissive) UserRole(_ context.Context, _, _ string) (Role, error) {
	return RoleUser, nil
}
