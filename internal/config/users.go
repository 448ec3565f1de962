package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Users is a UserDirectory built from the users section of the config:
//
//	users:
//	  alice: [maker]
//	  bob: [checker, admin]
type Users struct {
	roles map[string][]model.Role
}

// NewUsers parses role names. Usernames match case-insensitively.
func NewUsers(entries map[string][]string) (*Users, error) {
	u := &Users{roles: make(map[string][]model.Role, len(entries))}
	for name, roles := range entries {
		parsed := make([]model.Role, 0, len(roles))
		for _, r := range roles {
			role := model.Role(strings.ToUpper(strings.TrimSpace(r)))
			switch role {
			case model.RoleMaker, model.RoleChecker, model.RoleAdmin:
			default:
				return nil, common.NewValidationError("users."+name, fmt.Sprintf("unknown role %q", r))
			}
			parsed = append(parsed, role)
		}
		u.roles[strings.ToLower(name)] = parsed
	}
	return u, nil
}

// Len returns the number of configured users.
func (u *Users) Len() int {
	return len(u.roles)
}

// Roles returns the user's roles, or a NotFoundError for unknown users.
func (u *Users) Roles(_ context.Context, username string) ([]model.Role, error) {
	roles, ok := u.roles[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, common.NewNotFoundError("user", username)
	}
	return append([]model.Role(nil), roles...), nil
}

var _ service.UserDirectory = (*Users)(nil)
