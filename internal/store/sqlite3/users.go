package sqlite3

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/backend/local"
	"github.com/nilauth/authd/internal/dbquery"
	"github.com/nilauth/authd/internal/store"
)

var userPaginator = dbquery.NewPaginator("username", "asc", "username", "created_at")
var userSearch = dbquery.NewSearchFilter("username", "firstname", "lastname")
var userStrict = dbquery.NewStrictFilter("username")

type userRow struct {
	UUID         string `db:"uuid"`
	Username     string `db:"username"`
	Firstname    string `db:"firstname"`
	Lastname     string `db:"lastname"`
	PasswordHash []byte `db:"password_hash"`
}

func (r userRow) toUser() store.User {
	return store.User{
		UUID:         r.UUID,
		Username:     r.Username,
		Firstname:    r.Firstname,
		Lastname:     r.Lastname,
		PasswordHash: r.PasswordHash,
	}
}

func (s *SQLite) CreateUser(ctx context.Context, u store.User) (*store.User, error) {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}

	_, err := s.goqu.Insert(s.tableUser).Rows(goqu.Record{
		"uuid":          u.UUID,
		"username":      u.Username,
		"firstname":     u.Firstname,
		"lastname":      u.Lastname,
		"password_hash": u.PasswordHash,
	}).Executor().ExecContext(ctx)
	if err != nil {
		return nil, classifyWriteError(err, "user")
	}

	return &u, nil
}

func (s *SQLite) GetUserByUUID(ctx context.Context, id string) (*store.User, error) {
	var row userRow
	found, err := s.goqu.From(s.tableUser).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("get user by uuid: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownUser, "user", id)
	}
	u := row.toUser()
	return &u, nil
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	var row userRow
	found, err := s.goqu.From(s.tableUser).Where(goqu.Ex{"username": username}).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownUsername, "user", username)
	}
	u := row.toUser()
	return &u, nil
}

// GetUserCredentials adapts GetUserByUsername to internal/backend/local's
// UserLookup contract; see postgres.GetUserCredentials for why ACLs is
// always empty.
func (s *SQLite) GetUserCredentials(ctx context.Context, username string) (local.Credentials, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return local.Credentials{}, err
	}
	return local.Credentials{UUID: u.UUID, PasswordHash: u.PasswordHash}, nil
}

func (s *SQLite) ListUsers(ctx context.Context, params store.ListParams) (store.ListResult[store.User], error) {
	total, err := s.goqu.From(s.tableUser).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.User]{}, fmt.Errorf("count users: %w", err)
	}

	where := goqu.And(userSearch.Expression(params.Search), userStrict.Expression(params.Strict))

	filtered, err := s.goqu.From(s.tableUser).Where(where).CountContext(ctx)
	if err != nil {
		return store.ListResult[store.User]{}, fmt.Errorf("count filtered users: %w", err)
	}

	page, err := userPaginator.Validate(dbquery.Params{
		Limit: params.Limit, LimitRaw: params.LimitRaw,
		Offset: params.Offset, OffsetRaw: params.OffsetRaw,
		Order: params.Order, Direction: params.Direction,
	})
	if err != nil {
		return store.ListResult[store.User]{}, err
	}

	var rows []userRow
	if err := page.Apply(s.goqu.From(s.tableUser).Where(where)).ScanStructsContext(ctx, &rows); err != nil {
		return store.ListResult[store.User]{}, fmt.Errorf("list users: %w", err)
	}

	items := make([]store.User, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toUser())
	}

	return store.ListResult[store.User]{Total: int(total), Filtered: int(filtered), Items: items}, nil
}

// UpdateEmails mirrors postgres.Postgres.UpdateEmails: reconcile the user's
// email set to exactly desired in one transaction, preserving existing
// uuids by address.
func (s *SQLite) UpdateEmails(ctx context.Context, userUUID string, desired []store.EmailInput, actor store.ActorKind) ([]store.Email, error) {
	var result []store.Email

	err := s.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		var existing []struct {
			EmailUUID string `db:"uuid"`
			Address   string `db:"address"`
		}
		err := tx.From(s.tableUserEmail).
			Join(s.tableEmail, goqu.On(goqu.I("email.uuid").Eq(goqu.I("user_email.email_uuid")))).
			Select(goqu.I("email.uuid"), goqu.I("email.address")).
			Where(goqu.Ex{"user_uuid": userUUID}).
			ScanStructsContext(ctx, &existing)
		if err != nil {
			return fmt.Errorf("load existing emails: %w", err)
		}

		byAddress := make(map[string]string, len(existing))
		for _, e := range existing {
			byAddress[e.Address] = e.EmailUUID
		}

		mainCount := 0
		for _, d := range desired {
			if d.Main {
				mainCount++
			}
		}
		if mainCount > 1 {
			return autherr.New(autherr.KindConflict, "at most one email may be marked main")
		}

		if _, err := tx.Delete(s.tableUserEmail).Where(goqu.Ex{"user_uuid": userUUID}).Executor().ExecContext(ctx); err != nil {
			return fmt.Errorf("clear user_email: %w", err)
		}

		for _, d := range desired {
			confirmed := d.Confirmed
			if actor != store.ActorAdmin {
				confirmed = false
			}

			emailUUID, ok := byAddress[d.Address]
			if !ok {
				emailUUID = uuid.NewString()
				_, err := tx.Insert(s.tableEmail).Rows(goqu.Record{
					"uuid": emailUUID, "address": d.Address, "confirmed": confirmed,
				}).Executor().ExecContext(ctx)
				if err != nil {
					return classifyWriteError(err, "email")
				}
			} else {
				_, err := tx.Update(s.tableEmail).Set(goqu.Record{"confirmed": confirmed}).
					Where(goqu.Ex{"uuid": emailUUID}).Executor().ExecContext(ctx)
				if err != nil {
					return fmt.Errorf("update email %q: %w", d.Address, err)
				}
			}

			_, err := tx.Insert(s.tableUserEmail).Rows(goqu.Record{
				"user_uuid": userUUID, "email_uuid": emailUUID, "main": d.Main,
			}).Executor().ExecContext(ctx)
			if err != nil {
				return classifyWriteError(err, "user_email")
			}

			result = append(result, store.Email{UUID: emailUUID, Address: d.Address, Main: d.Main, Confirmed: confirmed})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
