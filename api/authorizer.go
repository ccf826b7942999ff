package api

import (
	"context"
	"strings"

	"minutes-api/domain"
)

// StaticAuthorizer lets every authenticated user work on minutes and reserves
// the admin actions for a fixed list of users.
type StaticAuthorizer struct {
	admins map[string]struct{}
}

// NewStaticAuthorizer parses a comma separated ADMIN_USERS value.
func NewStaticAuthorizer(adminUsers string) *StaticAuthorizer {
	a := &StaticAuthorizer{admins: map[string]struct{}{}}
	for _, u := range strings.Split(adminUsers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			a.admins[u] = struct{}{}
		}
	}
	return a
}

func (a *StaticAuthorizer) Allowed(_ context.Context, actor string, action domain.Action, _ string) bool {
	if actor == "" {
		return false
	}
	if action == domain.ActionAdmin {
		_, ok := a.admins[actor]
		return ok
	}
	return true
}
