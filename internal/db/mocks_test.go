package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// mockRows replays rows through a per-row scan function.
type mockRows struct {
	rows   []func(dest ...any) error
	idx    int
	closed bool
	errVal error
}

func newMockRows(rows ...func(dest ...any) error) *mockRows {
	return &mockRows{rows: rows, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.rows)
}

func (r *mockRows) Scan(dest ...any) error { return r.rows[r.idx](dest...) }

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// passthroughTx runs fn against the wrapped DBTX without a real transaction.
type passthroughTx struct {
	db    DBTX
	calls int
}

func (p *passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	p.calls++
	return fn(ctx, p.db)
}

func templateScan(id string, eventType, channel string, created time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		subject := "Subject for " + eventType
		*dest[0].(*string) = id
		*dest[1].(*string) = eventType
		*dest[2].(*string) = channel
		*dest[3].(*string) = "tpl-" + id
		*dest[4].(**string) = &subject
		*dest[5].(*string) = "Hello {{userId}}"
		*dest[6].(*bool) = true
		*dest[7].(*time.Time) = created
		*dest[8].(*time.Time) = created
		return nil
	}
}

func notificationScan(id, status string, attempts int) func(dest ...any) error {
	return func(dest ...any) error {
		email := "user@example.com"
		*dest[0].(*string) = id
		*dest[1].(*string) = "order.placed"
		*dest[2].(*string) = "user-1"
		*dest[3].(**string) = &email
		*dest[4].(**string) = nil
		*dest[5].(**string) = nil
		*dest[6].(*string) = "body"
		*dest[7].(*string) = "email"
		*dest[8].(*string) = status
		*dest[9].(*int) = attempts
		*dest[10].(**time.Time) = nil
		*dest[11].(**time.Time) = nil
		*dest[12].(**string) = nil
		*dest[13].(*[]byte) = []byte(`{"eventType":"order.placed"}`)
		*dest[14].(**string) = nil
		*dest[15].(*time.Time) = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		*dest[16].(*time.Time) = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		return nil
	}
}
