package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// listQuery appends time-range, ordering and pagination clauses to a base
// SELECT. timeCol names the column Since/Until apply to.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	q := &listQuery{args: args}
	q.sb.WriteString(base)
	return q
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *listQuery) where(clause string, v any) {
	q.sb.WriteString(" AND ")
	q.sb.WriteString(fmt.Sprintf(clause, q.arg(v)))
}

func (q *listQuery) apply(timeCol string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		q.where(timeCol+" >= %s", *opts.Since)
	}
	if opts.Until != nil {
		q.where(timeCol+" <= %s", *opts.Until)
	}
	q.sb.WriteString(" ORDER BY " + timeCol + " DESC")
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
	return q.sb.String(), q.args
}
