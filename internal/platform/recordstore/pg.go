package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/ipd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is a Store over a tenant-scoped Postgres schema.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	q, args, err := buildSelect(table, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, normalizeRow(m))
	}
	return out, nil
}

func (s *PGStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	q, args, err := buildInsert(table, row)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(err)
	}
	return normalizeRow(m), nil
}

func (s *PGStore) Update(ctx context.Context, table string, filter Filter, patch Row) (int64, error) {
	q, args, err := buildUpdate(table, filter, patch)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn(ctx).Exec(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	q, args, err := buildDelete(table, filter)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn(ctx).Exec(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Call(ctx context.Context, fn string, args Row) (any, error) {
	q, params, err := buildCall(fn, args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := s.conn(ctx).QueryRow(ctx, q, params...).Scan(&v); err != nil {
		return nil, classify(err)
	}
	return normalizeValue(v), nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// InTx runs fn in one transaction on the request's tenant connection.
func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

// classify maps driver errors onto the store's sentinel errors. Errors the
// server answered with (other than unique violations) pass through unchanged.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// whereClause renders filter as "a = $n AND b IS NULL", numbering from start.
func whereClause(filter Filter, start int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var (
		parts []string
		args  []any
	)
	n := start
	for _, col := range sortedKeys(filter) {
		v := filter[col]
		if v == nil {
			parts = append(parts, quote(col)+" IS NULL")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", quote(col), n))
		args = append(args, v)
		n++
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func buildSelect(table string, filter Filter) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if err := checkColumns(filter); err != nil {
		return "", nil, err
	}
	where, args := whereClause(filter, 1)
	return "SELECT * FROM " + quote(t.Name) + where + " ORDER BY " + quote(t.Unique[0]), args, nil
}

func buildInsert(table string, row Row) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("insert into %s: empty row", table)
	}
	if err := checkColumns(row); err != nil {
		return "", nil, err
	}
	cols := sortedKeys(row)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quote(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quote(t.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return q, args, nil
}

func buildUpdate(table string, filter Filter, patch Row) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if t.AppendOnly {
		return "", nil, fmt.Errorf("update %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return "", nil, ErrEmptyFilter
	}
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("update %s: empty patch", table)
	}
	if err := checkColumns(filter); err != nil {
		return "", nil, err
	}
	if err := checkColumns(patch); err != nil {
		return "", nil, err
	}
	cols := sortedKeys(patch)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quote(col), i+1)
		args = append(args, patch[col])
	}
	where, whereArgs := whereClause(filter, len(cols)+1)
	return "UPDATE " + quote(t.Name) + " SET " + strings.Join(sets, ", ") + where, append(args, whereArgs...), nil
}

func buildDelete(table string, filter Filter) (string, []any, error) {
	t, err := lookupTable(table)
	if err != nil {
		return "", nil, err
	}
	if t.AppendOnly {
		return "", nil, fmt.Errorf("delete from %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return "", nil, ErrEmptyFilter
	}
	if err := checkColumns(filter); err != nil {
		return "", nil, err
	}
	where, args := whereClause(filter, 1)
	return "DELETE FROM " + quote(t.Name) + where, args, nil
}

func buildCall(fn string, args Row) (string, []any, error) {
	if err := checkIdent(fn); err != nil {
		return "", nil, err
	}
	if err := checkColumns(args); err != nil {
		return "", nil, err
	}
	names := sortedKeys(args)
	named := make([]string, len(names))
	params := make([]any, len(names))
	for i, name := range names {
		named[i] = fmt.Sprintf("%s => $%d", quote(name), i+1)
		params[i] = args[name]
	}
	return fmt.Sprintf("SELECT %s(%s)", quote(fn), strings.Join(named, ", ")), params, nil
}

func normalizeRow(m map[string]any) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k] = normalizeValue(v)
	}
	return row
}

// normalizeValue converts driver-specific types into plain JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	default:
		return v
	}
}
