package postgres

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

func (p *Postgres) loadACLs(ctx context.Context, tokenUUID string) ([]string, error) {
	var values []string
	err := p.goqu.From(p.tableACL).Where(goqu.Ex{"token_uuid": tokenUUID}).
		Order(goqu.I("id").Asc()).Select("value").ScanValsContext(ctx, &values)
	if err != nil {
		return nil, fmt.Errorf("load token acls: %w", err)
	}
	return values, nil
}

func (p *Postgres) CreateToken(ctx context.Context, t store.Token) (*store.Token, error) {
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

	err = p.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		_, err := tx.Insert(p.tableToken).Rows(goqu.Record{
			"uuid":          t.UUID,
			"auth_id":       t.AuthID,
			"user_uuid":     nullable(t.UserUUID),
			"xivo_uuid":     nullable(t.XivoUUID),
			"session_uuid":  t.SessionUUID,
			"issued_t":      t.IssuedAt.Unix(),
			"expire_t":      t.ExpireAt.Unix(),
			"metadata":      metadata,
			"remote_addr":   nullable(t.RemoteAddr),
			"user_agent":    nullable(t.UserAgent),
			"refresh_token": []byte(t.RefreshToken),
		}).Executor().ExecContext(ctx)
		if err != nil {
			return classifyWriteError(err, "token")
		}

		for _, acl := range t.ACLs {
			_, err := tx.Insert(p.tableACL).Rows(goqu.Record{
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

func (p *Postgres) GetToken(ctx context.Context, id string) (*store.Token, error) {
	var row tokenRow
	found, err := p.goqu.From(p.tableToken).Where(goqu.Ex{"uuid": id}).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if !found {
		return nil, autherr.Unknown(autherr.KindUnknownToken, "token", id)
	}

	acls, err := p.loadACLs(ctx, id)
	if err != nil {
		return nil, err
	}

	tok, err := row.toToken(acls)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (p *Postgres) DeleteToken(ctx context.Context, id string) error {
	_, err := p.goqu.Delete(p.tableToken).Where(goqu.Ex{"uuid": id}).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SweepExpired deletes every token whose expire_t is strictly before now, in
// one transaction, returning both the deleted tokens and their sessions so
// the caller can correlate them for event publication. Grounded on the
// core's delete_expired_tokens_and_sessions semantics (see DESIGN.md for why
// only the variant returning sessions alongside tokens is implemented);
// session identity is carried on the token row itself.
func (p *Postgres) SweepExpired(ctx context.Context, now time.Time) ([]store.Token, []store.Session, error) {
	var tokens []store.Token
	var sessions []store.Session

	err := p.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		var rows []tokenRow
		err := tx.From(p.tableToken).Where(goqu.I("expire_t").Lt(now.Unix())).ScanStructsContext(ctx, &rows)
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

			acls, err := p.loadACLs(ctx, r.UUID)
			if err != nil {
				return err
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

		_, err = tx.Delete(p.tableToken).Where(goqu.Ex{"uuid": uuids}).Executor().ExecContext(ctx)
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
func (p *Postgres) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]store.Token, error) {
	var rows []tokenRow
	err := p.goqu.From(p.tableToken).
		Where(goqu.I("expire_t").Gt(from.Unix()), goqu.I("expire_t").Lte(to.Unix())).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}

	tokens := make([]store.Token, 0, len(rows))
	for _, r := range rows {
		acls, err := p.loadACLs(ctx, r.UUID)
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
