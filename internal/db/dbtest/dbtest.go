// Package dbtest provides in-memory fakes of the pgx query surface for store tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Row implements pgx.Row with a custom scan function.
type Row struct {
	ScanFunc func(dest ...any) error
}

// Scan calls ScanFunc.
func (r *Row) Scan(dest ...any) error {
	if r.ScanFunc == nil {
		return pgx.ErrNoRows
	}
	return r.ScanFunc(dest...)
}

// ValuesRow returns a Row that assigns values to the scan destinations in order.
func ValuesRow(values ...any) *Row {
	return &Row{ScanFunc: func(dest ...any) error { return Assign(dest, values) }}
}

// ErrRow returns a Row whose Scan fails with err.
func ErrRow(err error) *Row {
	return &Row{ScanFunc: func(...any) error { return err }}
}

// Assign copies values into pointer destinations by reflection.
// A nil value leaves the destination at its zero value.
func Assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if values[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		value := reflect.ValueOf(values[i])
		switch {
		case value.Type().AssignableTo(elem.Type()):
			elem.Set(value)
		case elem.Kind() == reflect.Pointer && value.Type().AssignableTo(elem.Type().Elem()):
			ptr := reflect.New(elem.Type().Elem())
			ptr.Elem().Set(value)
			elem.Set(ptr)
		case value.Type().ConvertibleTo(elem.Type()):
			elem.Set(value.Convert(elem.Type()))
		default:
			return fmt.Errorf("scan: cannot assign %T to %s", values[i], elem.Type())
		}
	}
	return nil
}

// Rows implements pgx.Rows over a fixed slice of value tuples.
type Rows struct {
	Data    [][]any
	Failure error
	pos     int
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.Failure }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.Data) {
		return errors.New("scan called without row")
	}
	return Assign(dest, r.Data[r.pos-1])
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.Data) {
		return nil, errors.New("values called without row")
	}
	return r.Data[r.pos-1], nil
}

// Call records one statement sent to the fake.
type Call struct {
	SQL  string
	Args []any
}

// DBTX implements db.DBTX with overridable callbacks and records every call.
type DBTX struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row

	mu    sync.Mutex
	calls []Call
}

func (d *DBTX) record(sql string, args []any) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{SQL: sql, Args: args})
	d.mu.Unlock()
}

// Calls returns a copy of the recorded statements.
func (d *DBTX) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *DBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.record(sql, args)
	if d.ExecFunc != nil {
		return d.ExecFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *DBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.record(sql, args)
	if d.QueryFunc != nil {
		return d.QueryFunc(ctx, sql, args...)
	}
	return &Rows{}, nil
}

func (d *DBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.record(sql, args)
	if d.QueryRowFunc != nil {
		return d.QueryRowFunc(ctx, sql, args...)
	}
	return ErrRow(pgx.ErrNoRows)
}

// Tx is a pgx.Tx that runs statements on a DBTX and records the outcome.
type Tx struct {
	*DBTX
	Committed  bool
	RolledBack bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("copy not supported")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Conn() *pgx.Conn                                        { return nil }

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("prepare not supported")
}

// Pool is a DBTX that can also begin transactions on the same fake.
type Pool struct {
	*DBTX

	txMu sync.Mutex
	txs  []*Tx
}

// NewPool wraps fake.
func NewPool(fake *DBTX) *Pool {
	return &Pool{DBTX: fake}
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	tx := &Tx{DBTX: p.DBTX}
	p.txMu.Lock()
	p.txs = append(p.txs, tx)
	p.txMu.Unlock()
	return tx, nil
}

// Txs returns the transactions begun so far.
func (p *Pool) Txs() []*Tx {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	out := make([]*Tx, len(p.txs))
	copy(out, p.txs)
	return out
}
