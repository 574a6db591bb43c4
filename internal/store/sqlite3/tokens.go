package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/store"
)

type tokenRow struct {
	UUID         string `db:"uuid"`
	AuthID       string `db:"auth_id"`
	UserUUID     string `db:"user_uuid"`
	XivoUUID     string `db:"xivo_uuid"`
	SessionUUID  string `db:"session_uuid"`
	IssuedT      int64  `db:"issued_t"`
	ExpireT      int64  `db:"expire_t"`
	Metadata     []byte `db:"metadata"`
	RemoteAddr   string `db:"remote_addr"`
	UserAgent    string `db:"user_agent"`
	RefreshToken []byte `db:"refresh_token"`
}

func (r tokenRow) toToken(acls []string) (store.Token, error) {
	meta := map[string]any{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return store.Token{}, fmt.Errorf("decode token metadata: %w", err)
		}
	}
	return store.Token{
		UUID:         r.UUID,
		AuthID:       r.AuthID,
		UserUUID:     r.UserUUID,
		XivoUUID:     r.XivoUUID,
		IssuedAt:     time.Unix(r.IssuedT, 0).UTC(),
		ExpireAt:     time.Unix(r.ExpireT, 0).UTC(),
		ACLs:         acls,
		Metadata:     meta,
		SessionUUID:  r.SessionUUID,
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent,
		RefreshToken: string(r.RefreshToken),
	}, nil
}

func (s *SQLite) loadACLs(ctx context.Context, tokenUUID string) ([]string, error) {
	var values []string
	err := s.goqu.From(s.tableACL).Where(goqu.Ex{"token_uuid": tokenUUID}).
		Order(goqu.I("id").Asc()).Select("value").ScanValsContext(ctx, &values)
	if err != nil {
		return nil, fmt.Errorf("load token acls: %w", err)
	}
	return values, nil
}

func (s *SQLite) CreateToken(ctx context.Context, t store.Token) (*store.Token, error) {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.SessionUUID == "" {
		t.SessionUUID = uuid.NewString()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode token metadata: %w", err)
	}

	err = s.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		_, err := tx.Insert(s.tableToken).Rows(goqu.Record{
			"uuid":          t.UUID,
			"auth_id":       t.AuthID,
			"user_uuid":     nullable(t.UserUUID),
			"xivo_uuid":     nullable(t.XivoUUID),
			"session_uuid":  t.SessionUUID,
			"issued_t":      t.IssuedAt.Unix(),
			"expire_t":      t.ExpireAt.Unix(),
			"metadata":      string(metadata),
			"remote_addr":   nullable(t.RemoteAddr),
			"user_agent":    nullable(t.UserAgent),
			"refresh_token": []byte(t.RefreshToken),
		}).Executor().ExecContext(ctx)
		if err != nil {
			return classifyWriteError(err, "token")
		}

		for _, acl := range t.ACLs {
			_, err := tx.Insert(s.tableACL).Rows(goqu.Record{
				"value": acl, "token_uuid": t.UUID,
			}).Executor().ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("insert token acl: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLite) GetToken(ctx context.Context, id string) (*store.Token, error) {
	var row tokenRow
	found, err := s.goqu.From(s.tableToken).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownToken, "token", id)
	}

	acls, err := s.loadACLs(ctx, id)
	if err != nil {
		return nil, err
	}

	tok, err := row.toToken(acls)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *SQLite) DeleteToken(ctx context.Context, id string) error {
	_, err := s.goqu.Delete(s.tableToken).Where(goqu.Ex{"uuid": id}).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SweepExpired mirrors postgres.Postgres.SweepExpired.
func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) ([]store.Token, []store.Session, error) {
	var tokens []store.Token
	var sessions []store.Session

	err := s.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		var rows []tokenRow
		err := tx.From(s.tableToken).Where(goqu.I("expire_t").Lt(now.Unix())).ScanStructsContext(ctx, &rows)
		if err != nil {
			return fmt.Errorf("select expired tokens: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		seenSession := make(map[string]bool, len(rows))
		var uuids []string
		for _, r := range rows {
			uuids = append(uuids, r.UUID)

			var acls []string
			err := tx.From(s.tableACL).Where(goqu.Ex{"token_uuid": r.UUID}).
				Order(goqu.I("id").Asc()).Select("value").ScanValsContext(ctx, &acls)
			if err != nil {
				return fmt.Errorf("load token acls: %w", err)
			}
			tok, err := r.toToken(acls)
			if err != nil {
				return err
			}
			tokens = append(tokens, tok)

			if !seenSession[r.SessionUUID] {
				seenSession[r.SessionUUID] = true
				sessions = append(sessions, store.Session{UUID: r.SessionUUID})
			}
		}

		_, err = tx.Delete(s.tableToken).Where(goqu.Ex{"uuid": uuids}).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("delete expired tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return tokens, sessions, nil
}

// ListExpiringBetween returns tokens whose expire_t falls in (from, to], for
// the sweeper's notice phase.
func (s *SQLite) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]store.Token, error) {
	var rows []tokenRow
	err := s.goqu.From(s.tableToken).
		Where(goqu.I("expire_t").Gt(from.Unix()), goqu.I("expire_t").Lte(to.Unix())).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}

	tokens := make([]store.Token, 0, len(rows))
	for _, r := range rows {
		acls, err := s.loadACLs(ctx, r.UUID)
		if err != nil {
			return nil, err
		}
		tok, err := r.toToken(acls)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}
