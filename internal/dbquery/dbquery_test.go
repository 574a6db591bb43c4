package dbquery

import (
	"strings"
	"testing"

	"github.com/nilauth/authd/internal/autherr"
)

func TestSearchFilterEmptyMatchesAll(t *testing.T) {
	f := NewSearchFilter("username", "email")

	ex := f.Expression("")
	sql, _, err := goquSelectSQL(ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql == "" {
		t.Fatal("expected a SQL fragment even for tautology")
	}
}

func TestSearchFilterMultiWordRequiresEach(t *testing.T) {
	f := NewSearchFilter("username", "email")

	ex := f.Expression("alice example")
	sql, _, err := goquSelectSQL(ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql == "" {
		t.Fatal("expected a non-empty predicate for a two-word search")
	}
	if !strings.Contains(sql, " AND ") {
		t.Fatalf("expected each word to be a separate AND-ed condition: %s", sql)
	}
}

func TestStrictFilterIgnoresUndeclaredKeys(t *testing.T) {
	f := NewStrictFilter("tenant_uuid")

	ex := f.Expression(map[string]any{"tenant_uuid": "t1", "other": "x"})
	sql, args, err := goquSelectSQL(ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql == "" || len(args) == 0 {
		t.Fatal("expected the declared key to produce a predicate")
	}
	if strings.Contains(sql, "other") {
		t.Fatalf("undeclared key leaked into the predicate: %s", sql)
	}
}

func TestPaginatorRejectsUnknownDirection(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at", "username")

	_, err := p.Validate(Params{Direction: "sideways"})
	assertKind(t, err, autherr.KindInvalidSortDirection)
}

func TestPaginatorRejectsUnknownColumn(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at", "username")

	_, err := p.Validate(Params{Order: "password"})
	assertKind(t, err, autherr.KindInvalidSortColumn)
}

func TestPaginatorRejectsBooleanLimit(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at")

	_, err := p.Validate(Params{LimitRaw: true})
	assertKind(t, err, autherr.KindInvalidLimit)
}

func TestPaginatorRejectsBooleanOffset(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at")

	_, err := p.Validate(Params{OffsetRaw: false})
	assertKind(t, err, autherr.KindInvalidOffset)
}

func TestPaginatorRejectsNegativeLimit(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at")
	limit := int64(-1)

	_, err := p.Validate(Params{Limit: &limit})
	assertKind(t, err, autherr.KindInvalidLimit)
}

func TestPaginatorDefaults(t *testing.T) {
	p := NewPaginator("created_at", "asc", "created_at")

	page, err := p.Validate(Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Order != "created_at" || page.Direction != "asc" || page.Offset != 0 || page.HasLimit {
		t.Fatalf("unexpected defaults: %+v", page)
	}
}

func assertKind(t *testing.T, err error, kind autherr.Kind) {
	t.Helper()
	e, ok := autherr.As(err)
	if !ok {
		t.Fatalf("expected *autherr.Error, got %T (%v)", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %v, got %v", kind, e.Kind)
	}
}
