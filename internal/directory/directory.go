// Package directory resolves approver roles to users.
package directory

import (
	"context"
	"sort"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

var ErrUserNotFound = errors.New("user not found")

// StaticDirectory serves a fixed user list, typically from configuration.
type StaticDirectory struct {
	users map[string]models.User
}

func NewStatic(users []models.User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]models.User, len(users))}
	for _, u := range users {
		u.Roles = append([]string{}, u.Roles...)
		d.users[u.ID] = u
	}
	return d
}

// FindEligible returns users holding any of roles, ordered by id. Users bound
// to another organization than scope.OrganizationID are excluded.
func (d *StaticDirectory) FindEligible(_ context.Context, roles []string, scope models.Scope) ([]models.User, error) {
	eligible := []models.User{}
	for _, u := range d.users {
		if !inScope(u, scope) || !holdsAny(u, roles) {
			continue
		}
		eligible = append(eligible, u)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible, nil
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (models.User, error) {
	u, ok := d.users[userID]
	if !ok {
		return models.User{}, errors.Wrapf(ErrUserNotFound, "user %s", userID)
	}
	return u, nil
}

func inScope(u models.User, scope models.Scope) bool {
	return scope.OrganizationID == "" || u.OrganizationID == "" || u.OrganizationID == scope.OrganizationID
}

func holdsAny(u models.User, roles []string) bool {
	for _, have := range u.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
