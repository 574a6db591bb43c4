package sqlite3

import (
	"context"
	"fmt"

	"github.com/nilauth/authd/internal/store"
)

// GetTemplateContext mirrors postgres.Postgres.GetTemplateContext.
func (s *SQLite) GetTemplateContext(ctx context.Context, userUUID string) (store.TemplateContext, error) {
	u, err := s.GetUserByUUID(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, err
	}

	groupRefs, err := s.GroupsForUser(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, fmt.Errorf("groups for template context: %w", err)
	}

	groups := make([]store.GroupWithUsers, 0, len(groupRefs))
	for _, g := range groupRefs {
		gu, err := s.GetGroupWithUsers(ctx, g.UUID)
		if err != nil {
			return store.TemplateContext{}, fmt.Errorf("group with users for template context: %w", err)
		}
		groups = append(groups, *gu)
	}

	tenants, err := s.TenantsForUser(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, fmt.Errorf("tenants for template context: %w", err)
	}

	return store.TemplateContext{User: *u, Groups: groups, Tenants: tenants}, nil
}
