package storage

import (
	"fmt"
	"strings"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

// buildListRunsQuery renders the run-listing SQL for a filter. SQLite
// accepts $N placeholders just like Postgres, so one builder serves both
// backends.
func buildListRunsQuery(filter model.RunFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, pipeline, status, started_at, completed_at, created_at FROM runs`)

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Pipeline != "" {
		conds = append(conds, "pipeline = "+arg(filter.Pipeline))
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			ph[i] = arg(string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.TimeRange != nil {
		if filter.TimeRange.From != nil {
			conds = append(conds, "started_at >= "+arg(*filter.TimeRange.From))
		}
		if filter.TimeRange.To != nil {
			conds = append(conds, "started_at <= "+arg(*filter.TimeRange.To))
		}
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY started_at DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	sb.WriteString(" LIMIT " + arg(limit))
	return sb.String(), args
}
