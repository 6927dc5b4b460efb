package main

import "fmt"

type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

// requireRole checks caller against the identity stored on the pool for role.
// The zero account is never authorized, so an anonymous caller cannot match
// an unset or zeroed role.
func requireRole(pool Pool, role Role, caller AccountID) error {
	if caller == (AccountID{}) {
		return fmt.Errorf("%w: anonymous caller", ErrUnauthorized)
	}

	var expected AccountID
	switch role {
	case RoleOwner:
		expected = pool.Owner
	case RoleAdmin:
		expected = pool.Admin
	default:
		return fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}

	if caller != expected {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), role)
	}
	return nil
}
