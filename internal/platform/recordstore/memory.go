package recordstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ProcFunc implements a remote procedure for the in-memory store.
type ProcFunc func(args Row) (any, error)

// MemoryStore is an in-process Store used in development and tests. It honours
// the unique and append-only rules of Schema. InTx keeps an undo log of the
// rows written through its context and reverts only those when fn fails.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
	procs  map[string]ProcFunc
	seq    int64
	now    func() time.Time
}

type memTxKey struct{}

// memTx collects undo steps; each runs with MemoryStore.mu held.
type memTx struct {
	undo []func()
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (tx *memTx) record(fn func()) {
	if tx != nil {
		tx.undo = append(tx.undo, fn)
	}
}

func sameRow(a, b Row) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// NewMemoryStore creates an empty store with generate_gate_pass_number registered.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tables: make(map[string][]Row),
		procs:  make(map[string]ProcFunc),
		now:    time.Now,
	}
	s.procs[FnGenerateGatePassNumber] = func(Row) (any, error) {
		s.seq++
		return fmt.Sprintf("GP-%s-%06d", s.now().UTC().Format("20060102"), s.seq), nil
	}
	return s
}

// RegisterProc adds or replaces a remote procedure.
func (s *MemoryStore) RegisterProc(name string, fn ProcFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = fn
}

func (s *MemoryStore) Select(_ context.Context, table string, filter Filter) ([]Row, error) {
	if _, err := lookupTable(table); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, row := range s.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(row); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRow(row)
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = s.now().UTC()
	}
	if err := s.checkUnique(t, stored, -1); err != nil {
		return nil, err
	}
	s.tables[table] = append(s.tables[table], stored)
	txFrom(ctx).record(func() {
		rows := s.tables[table]
		for i, r := range rows {
			if sameRow(r, stored) {
				s.tables[table] = append(rows[:i:i], rows[i+1:]...)
				return
			}
		}
	})
	return cloneRow(stored), nil
}

func (s *MemoryStore) Update(ctx context.Context, table string, filter Filter, patch Row) (int64, error) {
	t, err := lookupTable(table)
	if err != nil {
		return 0, err
	}
	if t.AppendOnly {
		return 0, fmt.Errorf("update %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	if err := checkColumns(patch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	var n int64
	for i, row := range rows {
		if !matches(row, filter) {
			continue
		}
		updated := cloneRow(row)
		for k, v := range patch {
			updated[k] = cloneValue(v)
		}
		if err := s.checkUnique(t, updated, i); err != nil {
			return n, err
		}
		rows[i] = updated
		n++
		previous := row
		txFrom(ctx).record(func() {
			for j, r := range s.tables[table] {
				if sameRow(r, updated) {
					s.tables[table][j] = previous
					return
				}
			}
		})
	}
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	t, err := lookupTable(table)
	if err != nil {
		return 0, err
	}
	if t.AppendOnly {
		return 0, fmt.Errorf("delete from %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept, removed []Row
	for _, row := range s.tables[table] {
		if matches(row, filter) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	if len(removed) > 0 {
		txFrom(ctx).record(func() {
			s.tables[table] = append(s.tables[table], removed...)
		})
	}
	return int64(len(removed)), nil
}

func (s *MemoryStore) Call(_ context.Context, fn string, args Row) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[fn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}
	return proc(args)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// InTx runs fn and, if it fails, reverts the writes fn made through the
// context it was given. Writes made outside that context are left alone.
// A nested InTx joins the outer transaction.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// checkUnique must be called with s.mu held. skip is the index of the row
// being replaced, or -1 on insert.
func (s *MemoryStore) checkUnique(t Table, candidate Row, skip int) error {
	for _, col := range t.Unique {
		v, ok := candidate[col]
		if !ok || v == nil {
			continue
		}
		for i, row := range s.tables[t.Name] {
			if i == skip {
				continue
			}
			if equalValues(row[col], v) {
				return fmt.Errorf("%w: %s.%s = %v", ErrConflict, t.Name, col, v)
			}
		}
	}
	return nil
}

func matches(row Row, filter Filter) bool {
	for col, want := range filter {
		got, ok := row[col]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	case *time.Time:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}
