// Package recordstore is the relational record store the IPD workflow reads
// and writes through. Rows are addressed by table name and equality filter,
// which keeps the domain packages independent of whether the records live in
// Postgres, behind a hosted PostgREST endpoint, or in process memory.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
)

var (
	// ErrUnavailable reports that the backing store could not be reached.
	ErrUnavailable = errors.New("record store unavailable")
	// ErrConflict reports a unique constraint violation on insert or update.
	ErrConflict = errors.New("record conflicts with an existing row")
	// ErrUnknownTable reports a table outside the known schema.
	ErrUnknownTable = errors.New("unknown table")
	// ErrInvalidIdentifier reports a column or function name that is not a
	// plain lower-case identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrEmptyFilter guards against unfiltered update and delete.
	ErrEmptyFilter = errors.New("update and delete require a filter")
	// ErrUnknownFunction reports a remote procedure the store does not expose.
	ErrUnknownFunction = errors.New("unknown function")
)

// Row is one record keyed by column name.
type Row map[string]any

// Filter selects rows whose columns equal the given values. A nil value
// matches SQL NULL.
type Filter map[string]any

// Store is the record store contract.
type Store interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) (int64, error)
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	// Call invokes a remote procedure and returns its scalar result.
	Call(ctx context.Context, fn string, args Row) (any, error)
	Ping(ctx context.Context) error
}

// Transactor is implemented by stores that can run several operations atomically.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunInTx runs fn in a transaction when s supports one, otherwise runs it directly.
// The boolean reports whether the work was atomic.
func RunInTx(ctx context.Context, s Store, fn func(ctx context.Context) error) (bool, error) {
	if tx, ok := s.(Transactor); ok {
		return true, tx.InTx(ctx, fn)
	}
	return false, fn(ctx)
}

// Table describes a table of the IPD schema.
type Table struct {
	Name string
	// Unique lists the columns that carry a unique constraint; the first
	// is the primary key.
	Unique []string
	// AppendOnly tables reject update and delete.
	AppendOnly bool
}

// Table names.
const (
	TableVisits               = "visits"
	TableDischargeChecklist   = "discharge_checklist"
	TableGatePasses           = "gate_passes"
	TableBills                = "ipd_bills"
	TableTheatrePatients      = "theatre_patients"
	TableTheatreStatusHistory = "theatre_status_history"
)

// FnGenerateGatePassNumber allocates the next gate pass number.
const FnGenerateGatePassNumber = "generate_gate_pass_number"

// Schema is the set of tables this service touches, mirroring migrations/.
var Schema = map[string]Table{
	TableVisits:               {Name: TableVisits, Unique: []string{"visit_id"}},
	TableDischargeChecklist:   {Name: TableDischargeChecklist, Unique: []string{"visit_id"}},
	TableGatePasses:           {Name: TableGatePasses, Unique: []string{"gate_pass_number", "visit_id"}},
	TableBills:                {Name: TableBills, Unique: []string{"visit_id"}},
	TableTheatrePatients:      {Name: TableTheatrePatients, Unique: []string{"id"}},
	TableTheatreStatusHistory: {Name: TableTheatreStatusHistory, Unique: []string{"id"}, AppendOnly: true},
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func lookupTable(name string) (Table, error) {
	t, ok := Schema[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func checkColumns[M ~map[string]any](m M) error {
	for col := range m {
		if err := checkIdent(col); err != nil {
			return err
		}
	}
	return nil
}

// Decode converts a row into a struct using its json tags.
func Decode(row Row, out any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

// DecodeAll converts rows into a slice of T.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := Decode(row, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the first row or nil.
func First(rows []Row) Row {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
