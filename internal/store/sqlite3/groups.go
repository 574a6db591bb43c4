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

var groupPaginator = dbquery.NewPaginator("name", "asc", "name")
var groupSearch = dbquery.NewSearchFilter("name")
var groupStrict = dbquery.NewStrictFilter("name")

func (s *SQLite) CreateGroup(ctx context.Context, g store.Group) (*store.Group, error) {
	if g.UUID == "" {
		g.UUID = uuid.NewString()
	}
	_, err := s.goqu.Insert(s.tableGroup).Rows(goqu.Record{"uuid": g.UUID, "name": g.Name}).Executor().ExecContext(ctx)
	if err != nil {
		return nil, classifyWriteError(err, "group")
	}
	return &g, nil
}

func (s *SQLite) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	var g store.Group
	found, err := s.goqu.From(s.tableGroup).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &g)
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownGroup, "group", id)
	}
	return &g, nil
}

func (s *SQLite) GetGroupWithUsers(ctx context.Context, id string) (*store.GroupWithUsers, error) {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	err = s.goqu.From(s.tableUser).
		Join(s.tableUserGroup, goqu.On(goqu.I("user.uuid").Eq(goqu.I("user_group.user_uuid")))).
		Where(goqu.Ex{"user_group.group_uuid": id}).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}

	users := make([]store.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toUser())
	}

	return &store.GroupWithUsers{UUID: g.UUID, Name: g.Name, Users: users}, nil
}

func (s *SQLite) ListGroups(ctx context.Context, params store.ListParams) (store.ListResult[store.Group], error) {
	total, err := s.goqu.From(s.tableGroup).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Group]{}, fmt.Errorf("count groups: %w", err)
	}

	where := goqu.And(groupSearch.Expression(params.Search), groupStrict.Expression(params.Strict))

	filtered, err := s.goqu.From(s.tableGroup).Where(where).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.Group]{}, fmt.Errorf("count filtered groups: %w", err)
	}

	page, err := groupPaginator.Validate(dbquery.Params{
		Limit: params.Limit, LimitRaw: params.LimitRaw,
		Offset: params.Offset, OffsetRaw: params.OffsetRaw,
		Order: params.Order, Direction: params.Direction,
	})
	if err != nil {
		return store.ListResult[store.Group]{}, err
	}

	var items []store.Group
	if err := page.Apply(s.goqu.From(s.tableGroup).Where(where)).ScanStructsContext(ctx, &items); err != nil {
		return store.ListResult[store.Group]{}, fmt.Errorf("list groups: %w", err)
	}

	return store.ListResult[store.Group]{Total: int(total), Filtered: int(filtered), Items: items}, nil
}

func (s *SQLite) AddUserToGroup(ctx context.Context, groupUUID, userUUID string) error {
	_, err := s.goqu.Insert(s.tableUserGroup).Rows(goqu.Record{
		"group_uuid": groupUUID, "user_uuid": userUUID,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("add user to group: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveUserFromGroup(ctx context.Context, groupUUID, userUUID string) error {
	_, err := s.goqu.Delete(s.tableUserGroup).
		Where(goqu.Ex{"group_uuid": groupUUID, "user_uuid": userUUID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove user from group: %w", err)
	}
	return nil
}

func (s *SQLite) AddGroupPolicy(ctx context.Context, groupUUID, policyUUID string) error {
	_, err := s.goqu.Insert(s.tableGroupPolicy).Rows(goqu.Record{
		"group_uuid": groupUUID, "policy_uuid": policyUUID,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("add group policy: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveGroupPolicy(ctx context.Context, groupUUID, policyUUID string) error {
	_, err := s.goqu.Delete(s.tableGroupPolicy).
		Where(goqu.Ex{"group_uuid": groupUUID, "policy_uuid": policyUUID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove group policy: %w", err)
	}
	return nil
}

func (s *SQLite) GroupsForUser(ctx context.Context, userUUID string) ([]store.Group, error) {
	var groups []store.Group
	err := s.goqu.From(s.tableGroup).
		Join(s.tableUserGroup, goqu.On(goqu.I("group.uuid").Eq(goqu.I("user_group.group_uuid")))).
		Where(goqu.Ex{"user_group.user_uuid": userUUID}).
		ScanStructsContext(ctx, &groups)
	if err != nil {
		return nil, fmt.Errorf("groups for user: %w", err)
	}
	return groups, nil
}
