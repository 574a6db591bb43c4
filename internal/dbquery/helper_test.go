package dbquery

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

// goquSelectSQL renders a predicate against a dummy table so expression
// trees built by this package can be asserted on without a live database.
func goquSelectSQL(ex exp.Expression) (string, []any, error) {
	dialect := goqu.Dialect("postgres")
	return dialect.From("dummy").Prepared(true).Where(ex).ToSQL()
}
