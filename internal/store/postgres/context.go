package postgres

import (
	"context"
	"fmt"

	"github.com/nilauth/authd/internal/store"
)

// GetTemplateContext builds the lazily-fetched identity-graph snapshot
// handed to internal/tmplrender when an ACL template turns out to
// reference group or tenant context.
func (p *Postgres) GetTemplateContext(ctx context.Context, userUUID string) (store.TemplateContext, error) {
	u, err := p.GetUserByUUID(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, err
	}

	groupRefs, err := p.GroupsForUser(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, fmt.Errorf("groups for template context: %w", err)
	}

	groups := make([]store.GroupWithUsers, 0, len(groupRefs))
	for _, g := range groupRefs {
		gu, err := p.GetGroupWithUsers(ctx, g.UUID)
		if err != nil {
			return store.TemplateContext{}, fmt.Errorf("group with users for template context: %w", err)
		}
		groups = append(groups, *gu)
	}

	tenants, err := p.TenantsForUser(ctx, userUUID)
	if err != nil {
		return store.TemplateContext{}, fmt.Errorf("tenants for template context: %w", err)
	}

	return store.TemplateContext{User: *u, Groups: groups, Tenants: tenants}, nil
}
