package rpc

import (
	"context"
	"fmt"
	"slices"

	"github.com/marcus-qen/ecoscan/internal/auth"
)

// Guard decides whether a call may proceed. A guard may return an enriched
// Context for later guards and the handler.
type Guard interface {
	Name() string
	Check(ctx context.Context, c *Context) (*Context, error)
}

type guardFunc struct {
	name string
	fn   func(ctx context.Context, c *Context) (*Context, error)
}

func (g guardFunc) Name() string { return g.name }

func (g guardFunc) Check(ctx context.Context, c *Context) (*Context, error) {
	return g.fn(ctx, c)
}

// NewGuard builds a guard from a function.
func NewGuard(name string, fn func(ctx context.Context, c *Context) (*Context, error)) Guard {
	return guardFunc{name: name, fn: fn}
}

// RequireAuthenticated rejects calls without a live session.
var RequireAuthenticated Guard = guardFunc{
	name: "authenticated",
	fn: func(_ context.Context, c *Context) (*Context, error) {
		if !c.Authenticated() {
			return nil, Unauthorized("authentication required")
		}
		if c.Session.Expired(c.Now) {
			return nil, Unauthorized("session expired")
		}
		return c, nil
	},
}

// RequireRoles requires an authenticated session whose role is in roles.
func RequireRoles(name string, roles ...auth.Role) Guard {
	allowed := slices.Clone(roles)
	return guardFunc{
		name: name,
		fn: func(ctx context.Context, c *Context) (*Context, error) {
			c, err := RequireAuthenticated.Check(ctx, c)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(allowed, c.Session.Role) {
				return nil, Forbidden("insufficient role")
			}
			return c, nil
		},
	}
}

var (
	AdminOnly           = RequireRoles("admin", auth.RoleAdmin, auth.RoleSuperadmin)
	SuperadminOnly      = RequireRoles("superadmin", auth.RoleSuperadmin)
	WasteManagerOrAbove = RequireRoles("waste_manager", auth.RoleWasteManager, auth.RoleAdmin, auth.RoleSuperadmin)
)

// RequirePermission requires an authenticated session whose role holds perm.
func RequirePermission(perm auth.Permission) Guard {
	return guardFunc{
		name: "permission:" + string(perm),
		fn: func(ctx context.Context, c *Context) (*Context, error) {
			c, err := RequireAuthenticated.Check(ctx, c)
			if err != nil {
				return nil, err
			}
			if !auth.HasPermission(c.Session.Role, perm) {
				return nil, Forbidden(fmt.Sprintf("missing permission %s", perm))
			}
			return c, nil
		},
	}
}

// Chain applies guards left to right and stops at the first error.
type Chain []Guard

// Public is the empty chain.
var Public = Chain{}

// Authenticated is a chain holding only RequireAuthenticated.
var Authenticated = Chain{RequireAuthenticated}

// Check runs every guard in order.
func (ch Chain) Check(ctx context.Context, c *Context) (*Context, error) {
	for _, g := range ch {
		next, err := g.Check(ctx, c)
		if err != nil {
			return nil, err
		}
		if next != nil {
			c = next
		}
	}
	return c, nil
}

// Names lists the guard names in order.
func (ch Chain) Names() []string {
	names := make([]string, len(ch))
	for i, g := range ch {
		names[i] = g.Name()
	}
	return names
}
