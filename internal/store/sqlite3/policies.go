package sqlite3

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

func (s *SQLite) loadPolicyTemplates(ctx context.Context, policyUUID string) ([]string, error) {
	var templates []string
	err := s.goqu.From(s.tableACLTemplate).
		Join(s.tablePolicyTemplate, goqu.On(goqu.I("acl_template.id").Eq(goqu.I("policy_template.template_id")))).
		Where(goqu.Ex{"policy_template.policy_uuid": policyUUID}).
		Select(goqu.I("acl_template.template")).
		ScanValsContext(ctx, &templates)
	if err != nil {
		return nil, fmt.Errorf("load policy templates: %w", err)
	}
	return templates, nil
}

func (s *SQLite) upsertTemplate(ctx context.Context, tx *goqu.TxDatabase, template string) (int64, error) {
	var id int64
	found, err := tx.From(s.tableACLTemplate).Where(goqu.Ex{"template": template}).Select("id").ScanValContext(ctx, &id)
	if err != nil {
		return 0, fmt.Errorf("lookup template: %w", err)
	}
	if found {
		return id, nil
	}

	result, err := tx.Insert(s.tableACLTemplate).Rows(goqu.Record{"template": template}).Executor().ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert template: %w", err)
	}
	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("template last insert id: %w", err)
	}
	return id, nil
}

func (s *SQLite) CreatePolicy(ctx context.Context, pol store.Policy) (*store.Policy, error) {
	if pol.UUID == "" {
		pol.UUID = uuid.NewString()
	}

	err := s.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		_, err := tx.Insert(s.tablePolicy).Rows(goqu.Record{
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

			id, err := s.upsertTemplate(ctx, tx, tmpl)
			if err != nil {
				return err
			}
			_, err = tx.Insert(s.tablePolicyTemplate).Rows(goqu.Record{
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

func (s *SQLite) GetPolicy(ctx context.Context, id string) (*store.Policy, error) {
	var pol store.Policy
	found, err := s.goqu.From(s.tablePolicy).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &pol)
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownPolicy, "policy", id)
	}

	templates, err := s.loadPolicyTemplates(ctx, id)
	if err != nil {
		return nil, err
	}
	pol.Templates = templates
	return &pol, nil
}

func (s *SQLite) ListPolicies(ctx context.Context, params store.ListParams) (store.ListResult[store.Policy], error) {
	total, err := s.goqu.From(s.tablePolicy).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Policy]{}, fmt.Errorf("count policies: %w", err)
	}

	where := goqu.And(policySearch.Expression(params.Search), policyStrict.Expression(params.Strict))

	filtered, err := s.goqu.From(s.tablePolicy).Where(where).CountContext(ctx)
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
	if err := page.Apply(s.goqu.From(s.tablePolicy).Where(where)).ScanStructsContext(ctx, &items); err != nil {
		return store.ListResult[store.Policy]{}, fmt.Errorf("list policies: %w", err)
	}

	for i := range items {
		templates, err := s.loadPolicyTemplates(ctx, items[i].UUID)
		if err != nil {
			return store.ListResult[store.Policy]{}, err
		}
		items[i].Templates = templates
	}

	return store.ListResult[store.Policy]{Total: int(total), Filtered: int(filtered), Items: items}, nil
}

func (s *SQLite) AddPolicyTemplate(ctx context.Context, policyUUID, template string) error {
	return s.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		id, err := s.upsertTemplate(ctx, tx, template)
		if err != nil {
			return err
		}
		_, err = tx.Insert(s.tablePolicyTemplate).Rows(goqu.Record{
			"policy_uuid": policyUUID, "template_id": id,
		}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("add policy template: %w", err)
		}
		return nil
	})
}

func (s *SQLite) RemovePolicyTemplate(ctx context.Context, policyUUID, template string) error {
	var id int64
	found, err := s.goqu.From(s.tableACLTemplate).Where(goqu.Ex{"template": template}).Select("id").ScanValContext(ctx, &id)
	if err != nil {
		return fmt.Errorf("lookup template: %w", err)
	}
	if !found {
		return nil
	}

	_, err = s.goqu.Delete(s.tablePolicyTemplate).
		Where(goqu.Ex{"policy_uuid": policyUUID, "template_id": id}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove policy template: %w", err)
	}
	return nil
}

func (s *SQLite) AddUserPolicy(ctx context.Context, userUUID, policyUUID string) error {
	_, err := s.goqu.Insert(s.tableUserPolicy).Rows(goqu.Record{
		"user_uuid": userUUID, "policy_uuid": policyUUID,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("add user policy: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveUserPolicy(ctx context.Context, userUUID, policyUUID string) error {
	_, err := s.goqu.Delete(s.tableUserPolicy).
		Where(goqu.Ex{"user_uuid": userUUID, "policy_uuid": policyUUID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove user policy: %w", err)
	}
	return nil
}

// EffectivePolicies unions a user's direct policies with every policy
// attached to a group the user belongs to, deduplicated by uuid.
func (s *SQLite) EffectivePolicies(ctx context.Context, userUUID string) ([]store.Policy, error) {
	direct := s.goqu.From(s.tablePolicy).
		Join(s.tableUserPolicy, goqu.On(goqu.I("policy.uuid").Eq(goqu.I("user_policy.policy_uuid")))).
		Where(goqu.Ex{"user_policy.user_uuid": userUUID}).
		Select(goqu.I("policy.uuid"), goqu.I("policy.name"), goqu.I("policy.description"))

	viaGroup := s.goqu.From(s.tablePolicy).
		Join(s.tableGroupPolicy, goqu.On(goqu.I("policy.uuid").Eq(goqu.I("group_policy.policy_uuid")))).
		Join(s.tableUserGroup, goqu.On(goqu.I("group_policy.group_uuid").Eq(goqu.I("user_group.group_uuid")))).
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
		templates, err := s.loadPolicyTemplates(ctx, pol.UUID)
		if err != nil {
			return nil, err
		}
		pol.Templates = templates
		out = append(out, pol)
	}
	return out, nil
}
