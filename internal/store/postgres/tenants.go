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

var tenantPaginator = dbquery.NewPaginator("name", "asc", "name")
var tenantSearch = dbquery.NewSearchFilter("name")
var tenantStrict = dbquery.NewStrictFilter("name")

func (p *Postgres) CreateTenant(ctx context.Context, t store.Tenant) (*store.Tenant, error) {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	_, err := p.goqu.Insert(p.tableTenant).Rows(goqu.Record{"uuid": t.UUID, "name": t.Name}).Executor().ExecContext(ctx)
	if err != nil {
		return nil, classifyWriteError(err, "tenant")
	}
	return &t, nil
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	var t store.Tenant
	found, err := p.goqu.From(p.tableTenant).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &t)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownTenant, "tenant", id)
	}
	return &t, nil
}

func (p *Postgres) ListTenants(ctx context.Context, params store.ListParams) (store.ListResult[store.Tenant], error) {
	total, err := p.goqu.From(p.tableTenant).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Tenant]{}, fmt.Errorf("count tenants: %w", err)
	}

	where := goqu.And(tenantSearch.Expression(params.Search), tenantStrict.Expression(params.Strict))

	filtered, err := p.goqu.From(p.tableTenant).Where(where).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Tenant]{}, fmt.Errorf("count filtered tenants: %w", err)
	}

	page, err := tenantPaginator.Validate(dbquery.Params{
		Limit: params.Limit, LimitRaw: params.LimitRaw,
		Offset: params.Offset, OffsetRaw: params.OffsetRaw,
		Order: params.Order, Direction: params.Direction,
	})
	if err != nil {
		return store.ListResult[store.Tenant]{}, err
	}

	var items []store.Tenant
	if err := page.Apply(p.goqu.From(p.tableTenant).Where(where)).ScanStructsContext(ctx, &items); err != nil {
		return store.ListResult[store.Tenant]{}, fmt.Errorf("list tenants: %w", err)
	}

	return store.ListResult[store.Tenant]{Total: int(total), Filtered: int(filtered), Items: items}, nil
}

func (p *Postgres) AddTenantUser(ctx context.Context, tenantUUID, userUUID string) error {
	_, err := p.goqu.Insert(p.tableTenantUser).Rows(goqu.Record{
		"tenant_uuid": tenantUUID, "user_uuid": userUUID,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("add tenant user: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveTenantUser(ctx context.Context, tenantUUID, userUUID string) error {
	_, err := p.goqu.Delete(p.tableTenantUser).
		Where(goqu.Ex{"tenant_uuid": tenantUUID, "user_uuid": userUUID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove tenant user: %w", err)
	}
	return nil
}

func (p *Postgres) TenantsForUser(ctx context.Context, userUUID string) ([]store.Tenant, error) {
	var tenants []store.Tenant
	err := p.goqu.From(p.tableTenant).
		Join(p.tableTenantUser, goqu.On(goqu.I("tenant.uuid").Eq(goqu.I("tenant_user.tenant_uuid")))).
		Where(goqu.Ex{"tenant_user.user_uuid": userUUID}).
		ScanStructsContext(ctx, &tenants)
	if err != nil {
		return nil, fmt.Errorf("tenants for user: %w", err)
	}
	return tenants, nil
}
