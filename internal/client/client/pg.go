package client

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG is a Transport that runs the same row operations directly against
// Postgres. Results are aggregated server-side into a JSON array so they
// decode exactly like REST responses.
type PG struct {
	db   rowQuerier
	pool *pgxpool.Pool
}

// NewPG connects a pool to dsn.
func NewPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, mapPGError("pg.connect", err)
	}
	return &PG{db: pool, pool: pool}, nil
}

func (p *PG) Name() string { return "pg" }

// Close releases the pool.
func (p *PG) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PG) run(ctx context.Context, op, sql string, args []any) ([]byte, error) {
	var out []byte
	if err := p.db.QueryRow(ctx, sql, args...).Scan(&out); err != nil {
		return nil, mapPGError("pg."+op, err)
	}
	return out, nil
}

func (p *PG) Select(ctx context.Context, q Query) ([]byte, error) {
	sql, args := buildSelect(q)
	return p.run(ctx, "select", sql, args)
}

func (p *PG) Insert(ctx context.Context, table string, row Row) ([]byte, error) {
	sql, args := buildInsert(table, row)
	return p.run(ctx, "insert", sql, args)
}

func (p *PG) Update(ctx context.Context, q Query, row Row) ([]byte, error) {
	sql, args := buildUpdate(q, row)
	return p.run(ctx, "update", sql, args)
}

func (p *PG) Delete(ctx context.Context, q Query) ([]byte, error) {
	sql, args := buildDelete(q)
	return p.run(ctx, "delete", sql, args)
}

func ident(s string) string { return pgx.Identifier{s}.Sanitize() }

type sqlArgs struct{ args []any }

func (a *sqlArgs) add(v any) string {
	a.args = append(a.args, v)
	return "$" + strconv.Itoa(len(a.args))
}

func (a *sqlArgs) predicate(f Filter) string {
	col := ident(f.Column)
	switch f.Op {
	case OpILike:
		return col + " ILIKE " + a.add(f.Value)
	case OpIn:
		return col + " = ANY(" + a.add(f.Value) + ")"
	default:
		return col + " = " + a.add(f.Value)
	}
}

func (a *sqlArgs) where(q Query) string {
	var conds []string
	for _, f := range q.Filters {
		conds = append(conds, a.predicate(f))
	}
	if len(q.Or) > 0 {
		ors := make([]string, 0, len(q.Or))
		for _, f := range q.Or {
			ors = append(ors, a.predicate(f))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

const aggregate = "SELECT coalesce(json_agg(r), '[]'::json) FROM r"

// buildSelect orders twice: inside the CTE so LIMIT keeps the right rows,
// and inside json_agg because a CTE's order does not survive aggregation.
func buildSelect(q Query) (string, []any) {
	var a sqlArgs
	sql := "SELECT * FROM " + ident(q.Table) + a.where(q)
	agg := aggregate
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		order := ident(q.OrderBy) + " " + dir
		sql += " ORDER BY " + order
		agg = "SELECT coalesce(json_agg(r ORDER BY r." + order + "), '[]'::json) FROM r"
	}
	if q.Limit > 0 {
		sql += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return "WITH r AS (" + sql + ") " + agg, a.args
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

func buildInsert(table string, row Row) (string, []any) {
	var a sqlArgs
	cols := sortedColumns(row)
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
		params[i] = a.add(row[c])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		ident(table), strings.Join(names, ", "), strings.Join(params, ", "))
	return "WITH r AS (" + sql + ") " + aggregate, a.args
}

func buildUpdate(q Query, row Row) (string, []any) {
	var a sqlArgs
	cols := sortedColumns(row)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = ident(c) + " = " + a.add(row[c])
	}
	sql := "UPDATE " + ident(q.Table) + " SET " + strings.Join(sets, ", ") + a.where(q) + " RETURNING *"
	return "WITH r AS (" + sql + ") " + aggregate, a.args
}

func buildDelete(q Query) (string, []any) {
	var a sqlArgs
	sql := "DELETE FROM " + ident(q.Table) + a.where(q) + " RETURNING *"
	return "WITH r AS (" + sql + ") " + aggregate, a.args
}
