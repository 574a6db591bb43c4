package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/dbquery"
	"github.com/nilauth/authd/internal/store"
)

var policyPaginator = dbquery.NewPaginator("name", "asc", "name")
var policySearch = dbquery.NewSearchFilter("name", "description")
var policyStrict = dbquery.NewStrictFilter("name")

func (p *Postgres) loadPolicyTemplates(ctx context.Context, policyUUID string) ([]string, error) {
	var templates []string
	err := p.goqu.From(p.tableACLTemplate).
		Join(p.tablePolicyTemplate, goqu.On(goqu.I("acl_template.id").Eq(goqu.I("policy_template.template_id")))).
		Where(goqu.Ex{"policy_template.policy_uuid": policyUUID}).
		Select(goqu.I("acl_template.template")).
		ScanValsContext(ctx, &templates)
	if err != nil {
		return nil, fmt.Errorf("load policy templates: %w", err)
	}
	return templates, nil
}

// upsertTemplate returns the id of the acl_template row for template,
// inserting it if absent.
func (p *Postgres) upsertTemplate(ctx context.Context, tx *goqu.TxDatabase, template string) (int64, error) {
	var id int64
	found, err := tx.From(p.tableACLTemplate).Where(goqu.Ex{"template": template}).Select("id").ScanValContext(ctx, &id)
	if err != nil {
		return 0, fmt.Errorf("lookup template: %w", err)
	}
	if found {
		return id, nil
	}

	_, err = tx.Insert(p.tableACLTemplate).Rows(goqu.Record{"template": template}).
		Returning("id").Executor().ScanValContext(ctx, &id)
	if err != nil {
		return 0, fmt.Errorf("insert template: %w", err)
	}
	return id, nil
}

func (p *Postgres) CreatePolicy(ctx context.Context, pol store.Policy) (*store.Policy, error) {
	if pol.UUID == "" {
		pol.UUID = uuid.NewString()
	}

	err := p.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		_, err := tx.Insert(p.tablePolicy).Rows(goqu.Record{
			"uuid": pol.UUID, "name": pol.Name, "description": pol.Description,
		}).Executor().ExecContext(ctx)
		if err != nil {
			return classifyWriteError(err, "policy")
		}

		seen := make(map[string]bool, len(pol.Templates))
		for _, tmpl := range pol.Templates {
			if seen[tmpl] {
				continue
			}
			seen[tmpl] = true

			id, err := p.upsertTemplate(ctx, tx, tmpl)
			if err != nil {
				return err
			}
			_, err = tx.Insert(p.tablePolicyTemplate).Rows(goqu.Record{
				"policy_uuid": pol.UUID, "template_id": id,
			}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("link policy template: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &pol, nil
}

func (p *Postgres) GetPolicy(ctx context.Context, id string) (*store.Policy, error) {
	var pol store.Policy
	found, err := p.goqu.From(p.tablePolicy).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &pol)
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownPolicy, "policy", id)
	}

	templates, err := p.loadPolicyTemplates(ctx, id)
	if err != nil {
		return nil, err
	}
	pol.Templates = templates
	return &pol, nil
}

func (p *Postgres) ListPolicies(ctx context.Context, params store.ListParams) (store.ListResult[store.Policy], error) {
	total, err := p.goqu.From(p.tablePolicy).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Policy]{}, fmt.Errorf("count policies: %w", err)
	}

	where := goqu.And(policySearch.Expression(params.Search), policyStrict.Expression(params.Strict))

	filtered, err := p.goqu.From(p.tablePolicy).Where(where).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Policy]{}, fmt.Errorf("count filtered policies: %w", err)
	}

	page, err := policyPaginator.Validate(dbquery.Params{
		Limit: params.Limit, LimitRaw: params.LimitRaw,
		Offset: params.Offset, OffsetRaw: params.OffsetRaw,
		Order: params.Order, Direction: params.Direction,
	})
	if err != nil {
		return store.ListResult[store.Policy]{}, err
	}

	var items []store.Policy
	if err := page.Apply(p.goqu.From(p.tablePolicy).Where(where)).ScanStructsContext(ctx, &items); err != nil {
		return store.ListResult[store.Policy]{}, fmt.Errorf("list policies: %w", err)
	}

	for i := range items {
		templates, err := p.loadPolicyTemplates(ctx, items[i].UUID)
		if err != nil {
			return store.ListResult[store.Policy]{}, err
		}
		items[i].Templates = templates
	}

	return store.ListResult[store.Policy]{Total: int(total), Filtered: int(filtered), Items: items}, nil
}

func (p *Postgres) AddPolicyTemplate(ctx context.Context, policyUUID, template string) error {
	return p.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		id, err := p.upsertTemplate(ctx, tx, template)
		if err != nil {
			return err
		}
		_, err = tx.Insert(p.tablePolicyTemplate).Rows(goqu.Record{
			"policy_uuid": policyUUID, "template_id": id,
		}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("add policy template: %w", err)
		}
		return nil
	})
}

func (p *Postgres) RemovePolicyTemplate(ctx context.Context, policyUUID, template string) error {
	var id int64
	found, err := p.goqu.From(p.tableACLTemplate).Where(goqu.Ex{"template": template}).Select("id").ScanValContext(ctx, &id)
	if err != nil {
		return fmt.Errorf("lookup template: %w", err)
	}
	if !found {
		return nil
	}

	_, err = p.goqu.Delete(p.tablePolicyTemplate).
		Where(goqu.Ex{"policy_uuid": policyUUID, "template_id": id}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove policy template: %w", err)
	}
	return nil
}

func (p *Postgres) AddUserPolicy(ctx context.Context, userUUID, policyUUID string) error {
	_, err := p.goqu.Insert(p.tableUserPolicy).Rows(goqu.Record{
		"user_uuid": userUUID, "policy_uuid": policyUUID,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("add user policy: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveUserPolicy(ctx context.Context, userUUID, policyUUID string) error {
	_, err := p.goqu.Delete(p.tableUserPolicy).
		Where(goqu.Ex{"user_uuid": userUUID, "policy_uuid": policyUUID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove user policy: %w", err)
	}
	return nil
}

// EffectivePolicies unions a user's direct policies with every policy
// attached to a group the user belongs to, deduplicated by uuid.
func (p *Postgres) EffectivePolicies(ctx context.Context, userUUID string) ([]store.Policy, error) {
	direct := p.goqu.From(p.tablePolicy).
		Join(p.tableUserPolicy, goqu.On(goqu.I("policy.uuid").Eq(goqu.I("user_policy.policy_uuid")))).
		Where(goqu.Ex{"user_policy.user_uuid": userUUID}).
		Select(goqu.I("policy.uuid"), goqu.I("policy.name"), goqu.I("policy.description"))

	viaGroup := p.goqu.From(p.tablePolicy).
		Join(p.tableGroupPolicy, goqu.On(goqu.I("policy.uuid").Eq(goqu.I("group_policy.policy_uuid")))).
		Join(p.tableUserGroup, goqu.On(goqu.I("group_policy.group_uuid").Eq(goqu.I("user_group.group_uuid")))).
		Where(goqu.Ex{"user_group.user_uuid": userUUID}).
		Select(goqu.I("policy.uuid"), goqu.I("policy.name"), goqu.I("policy.description"))

	var directPolicies, groupPolicies []store.Policy
	if err := direct.ScanStructsContext(ctx, &directPolicies); err != nil {
		return nil, fmt.Errorf("direct policies: %w", err)
	}
	if err := viaGroup.ScanStructsContext(ctx, &groupPolicies); err != nil {
		return nil, fmt.Errorf("group policies: %w", err)
	}

	seen := make(map[string]bool, len(directPolicies)+len(groupPolicies))
	var out []store.Policy
	for _, pol := range append(directPolicies, groupPolicies...) {
		if seen[pol.UUID] {
			continue
		}
		seen[pol.UUID] = true
		templates, err := p.loadPolicyTemplates(ctx, pol.UUID)
		if err != nil {
			return nil, err
		}
		pol.Templates = templates
		out = append(out, pol)
	}
	return out, nil
}
