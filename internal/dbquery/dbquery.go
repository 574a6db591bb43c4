// Package dbquery builds goqu expression trees for the two list-query
// building blocks every store list operation composes: a free-text
// SearchFilter over a fixed tuple of columns, and a StrictFilter of named
// exact-match keys. A Paginator validates and applies limit/offset/order.
//
// Grounded on the teacher's own goqu usage in internal/store/postgres
// (github.com/doug-martin/goqu/v9, goqu.Ex / goqu.I / ToSQL), extended here
// with the richer filter/paginate contract the store needs for list
// operations across users, policies, tenants and tokens.
package dbquery

import (
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/nilauth/authd/internal/autherr"
)

// SearchFilter turns a free-form search string into a case-insensitive
// substring predicate over a fixed tuple of columns. Each whitespace-
// separated word must match at least one of the columns; an empty or
// absent search string matches everything.
type SearchFilter struct {
	columns []string
}

// NewSearchFilter binds a SearchFilter to the given columns.
func NewSearchFilter(columns ...string) SearchFilter {
	return SearchFilter{columns: columns}
}

// Expression builds the goqu predicate for search. A nil or empty search
// yields goqu.Ex{} (a tautology), matching everything.
func (f SearchFilter) Expression(search string) exp.Expression {
	words := strings.Fields(search)
	if len(words) == 0 || len(f.columns) == 0 {
		return goqu.Ex{}
	}

	var wordExprs []exp.Expression
	for _, word := range words {
		pattern := "%" + word + "%"

		var colExprs []exp.Expression
		for _, col := range f.columns {
			colExprs = append(colExprs, goqu.I(col).ILike(pattern))
		}
		wordExprs = append(wordExprs, goqu.Or(colExprs...))
	}

	return goqu.And(wordExprs...)
}

// StrictFilter AND-combines named exact-match keys supplied as a map; keys
// absent from the map are skipped so the filter degrades to a tautology when
// nothing is supplied. A key that is present is matched on its value as
// given, zero values included.
type StrictFilter struct {
	allowed map[string]bool
}

// NewStrictFilter declares the set of keys a StrictFilter accepts.
func NewStrictFilter(keys ...string) StrictFilter {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	return StrictFilter{allowed: allowed}
}

// Expression builds the AND-combined equality predicate. Keys not declared
// via NewStrictFilter are ignored rather than rejected; key validation for
// caller-facing input happens at the HTTP edge, not here.
func (f StrictFilter) Expression(values map[string]any) exp.Expression {
	ex := goqu.Ex{}
	for k, v := range values {
		if !f.allowed[k] {
			continue
		}
		ex[k] = v
	}
	return ex
}

// Page is the validated, ready-to-apply result of a Paginator.
type Page struct {
	Limit     uint
	HasLimit  bool
	Offset    uint
	Order     string
	Direction string
}

// Paginator validates and applies {limit, offset, order, direction} against
// a fixed set of sortable columns and a default order/direction pair.
type Paginator struct {
	sortable     map[string]bool
	defaultOrder string
	defaultDir   string
}

// NewPaginator declares the sortable columns and the default order/direction
// applied when the caller specifies neither.
func NewPaginator(defaultOrder, defaultDir string, sortable ...string) Paginator {
	s := make(map[string]bool, len(sortable))
	for _, c := range sortable {
		s[c] = true
	}
	return Paginator{sortable: s, defaultOrder: defaultOrder, defaultDir: defaultDir}
}

// Params is the raw, caller-supplied pagination request. Pointers
// distinguish "absent" from "zero"; Raw carries the original, not-yet-typed
// value for limit/offset so booleans (which Go's JSON decoder would happily
// coerce into 0/1 ints if asked) can be rejected explicitly.
type Params struct {
	Limit     *int64
	LimitRaw  any
	Offset    *int64
	OffsetRaw any
	Order     string
	Direction string
}

// Validate checks Params against the paginator's declared columns and
// produces a Page, or a classified *autherr.Error.
func (p Paginator) Validate(params Params) (Page, error) {
	page := Page{
		Offset:    0,
		Order:     p.defaultOrder,
		Direction: p.defaultDir,
	}

	if params.Direction != "" {
		dir := strings.ToLower(params.Direction)
		if dir != "asc" && dir != "desc" {
			return Page{}, autherr.New(autherr.KindInvalidSortDirection, "invalid sort direction: %q", params.Direction)
		}
		page.Direction = dir
	}

	if params.Order != "" {
		if !p.sortable[params.Order] {
			return Page{}, autherr.New(autherr.KindInvalidSortColumn, "invalid sort column: %q", params.Order)
		}
		page.Order = params.Order
	}

	if params.LimitRaw != nil {
		if _, isBool := params.LimitRaw.(bool); isBool {
			return Page{}, autherr.New(autherr.KindInvalidLimit, "limit must be a non-negative integer, got bool")
		}
	}
	if params.Limit != nil {
		if *params.Limit < 0 {
			return Page{}, autherr.New(autherr.KindInvalidLimit, "limit must be non-negative, got %d", *params.Limit)
		}
		page.Limit = uint(*params.Limit)
		page.HasLimit = true
	}

	if params.OffsetRaw != nil {
		if _, isBool := params.OffsetRaw.(bool); isBool {
			return Page{}, autherr.New(autherr.KindInvalidOffset, "offset must be a non-negative integer, got bool")
		}
	}
	if params.Offset != nil {
		if *params.Offset < 0 {
			return Page{}, autherr.New(autherr.KindInvalidOffset, "offset must be non-negative, got %d", *params.Offset)
		}
		page.Offset = uint(*params.Offset)
	}

	return page, nil
}

// Apply appends ORDER BY / LIMIT / OFFSET clauses for this page to a goqu
// SelectDataset.
func (pg Page) Apply(ds *goqu.SelectDataset) *goqu.SelectDataset {
	ordered := goqu.I(pg.Order).Asc()
	if pg.Direction == "desc" {
		ordered = goqu.I(pg.Order).Desc()
	}
	ds = ds.Order(ordered).Offset(pg.Offset)
	if pg.HasLimit {
		ds = ds.Limit(pg.Limit)
	}
	return ds
}
