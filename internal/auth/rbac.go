// Package auth decides which users may invoke which AI providers and guards
// the admin API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionTelemetryRead Permission = "telemetry:read"
	PermissionAnyProvider   Permission = "provider:*"
)

// ProviderPermission is the permission needed to dispatch to a provider.
func ProviderPermission(provider string) Permission {
	return Permission("provider:" + provider)
}

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionAnyProvider,
		PermissionTelemetryRead,
	},
	RoleMember: {
		PermissionAnyProvider,
	},
	RoleViewer: {
		PermissionTelemetryRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
		if p == PermissionAnyProvider && strings.HasPrefix(string(permission), "provider:") {
			return true
		}
	}
	return false
}

// AccessChecker is consumed by the dispatcher before every network call.
type AccessChecker interface {
	HasProviderAccess(ctx context.Context, userID, provider string) (bool, error)
}

type RBAC struct {
	users UserRepository
}

func NewRBAC(users UserRepository) *RBAC {
	return &RBAC{users: users}
}

// HasProviderAccess grants access from the user's explicit provider list when
// it is non-empty, otherwise from the role. Unknown and disabled users are denied.
func (r *RBAC) HasProviderAccess(ctx context.Context, userID, provider string) (bool, error) {
	user, err := r.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load user %s: %w", userID, err)
	}

	if !user.Enabled {
		return false, nil
	}

	if len(user.Providers) > 0 {
		return slices.Contains(user.Providers, provider) || slices.Contains(user.Providers, "*"), nil
	}

	return HasPermission(user.Role, ProviderPermission(provider)), nil
}
