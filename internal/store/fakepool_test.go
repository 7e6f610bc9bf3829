package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakePool is a scripted Pool implementation. Tests enqueue results and then
// inspect the recorded statements. Unscripted Execs succeed with one row
// affected; unscripted Queries return no rows.
type fakePool struct {
	mu      sync.Mutex
	calls   []fakeCall
	results []fakeResult

	beginErr error
	hook     func(sql string)

	begins    int
	commits   int
	rollbacks int
}

type fakeCall struct {
	kind string // "exec", "query", "queryrow"
	sql  string
	args []any
}

type fakeResult struct {
	rows     [][]any
	affected int64
	err      error
}

func (p *fakePool) respond(r fakeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
}

func (p *fakePool) record(kind, sql string, args []any) fakeResult {
	p.mu.Lock()
	p.calls = append(p.calls, fakeCall{kind: kind, sql: sql, args: args})
	var res fakeResult
	if len(p.results) > 0 {
		res = p.results[0]
		p.results = p.results[1:]
	} else {
		res = fakeResult{affected: 1}
	}
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		hook(sql)
	}
	return res
}

func (p *fakePool) callsOf(kind string) []fakeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []fakeCall
	for _, c := range p.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	res := p.record("exec", sql, args)
	return res.affected, res.err
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (Rows, error) {
	res := p.record("query", sql, args)
	if res.err != nil {
		return nil, res.err
	}
	return &fakeRows{rows: res.rows}, nil
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) Row {
	res := p.record("queryrow", sql, args)
	return &fakeRow{result: res}
}

func (p *fakePool) Begin(context.Context) (Tx, error) {
	p.mu.Lock()
	p.begins++
	err := p.beginErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeTx{pool: p}, nil
}

func (p *fakePool) Ping(context.Context) error { return nil }
func (p *fakePool) Close()                     {}

type fakeTx struct {
	pool *fakePool
	done bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return t.pool.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pool.mu.Lock()
	t.pool.commits++
	t.pool.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pool.mu.Lock()
	t.pool.rollbacks++
	t.pool.mu.Unlock()
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	return scanInto(row, dest)
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeRow struct {
	result fakeResult
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.result.err != nil {
		return r.result.err
	}
	if len(r.result.rows) == 0 {
		return fmt.Errorf("no scripted row")
	}
	return scanInto(r.result.rows[0], dest)
}

func scanInto(src []any, dest []any) error {
	if len(src) != len(dest) {
		return fmt.Errorf("scan: have %d columns, want %d", len(src), len(dest))
	}
	for i, v := range src {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			switch sv := v.(type) {
			case []byte:
				*d = sv
			case string:
				*d = []byte(sv)
			case nil:
				*d = nil
			default:
				return fmt.Errorf("scan: column %d: cannot assign %T to []byte", i, v)
			}
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		case *int64:
			switch sv := v.(type) {
			case int64:
				*d = sv
			case int:
				*d = int64(sv)
			default:
				return fmt.Errorf("scan: column %d: cannot assign %T to int64", i, v)
			}
		case *bool:
			*d = v.(bool)
		case *any:
			*d = v
		default:
			return fmt.Errorf("scan: column %d: unsupported destination %T", i, dest[i])
		}
	}
	return nil
}
