package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type sqlConfig struct {
	Engine   string `json:"engine"`
	Server   string `json:"server"`
	Database string `json:"database"`
	Table    string `json:"table"`
	Order    string `json:"order"`
	Charset  string `json:"charset,omitempty"`
}

const (
	engPostgres = "postgres"
	engSQLite   = "sqlite"
)

// SQLSnapshot is the maximum observed value of the ordering column.
// Valid is false while the table is empty.
type SQLSnapshot struct {
	Valid bool   `json:"valid"`
	Max   string `json:"max,omitempty"`
}

func (*SQLSnapshot) snapshotKind() Kind { return KindSQL }

// identRe matches a bare or schema-qualified SQL identifier. Table and
// order names are interpolated into queries, so anything else is rejected
// at config time.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type sqlConnector struct {
	engine string
	dsn    string
	table  string
	order  string

	mu       sync.Mutex
	db       *sql.DB
	pageSize int
}

func newSQL(cfg []byte) (Connector, error) {
	var c sqlConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}

	engine := strings.ToLower(strings.TrimSpace(c.Engine))
	switch engine {
	case engPostgres, engSQLite:
	case "":
		return nil, configErrorf("sql: engine is required")
	default:
		return nil, configErrorf("sql: unsupported engine %q", c.Engine)
	}
	if strings.TrimSpace(c.Database) == "" {
		return nil, configErrorf("sql: database is required")
	}
	if engine == engPostgres && strings.TrimSpace(c.Server) == "" {
		return nil, configErrorf("sql: server is required for postgres")
	}
	if !identRe.MatchString(c.Table) {
		return nil, configErrorf("sql: invalid table name %q", c.Table)
	}
	if !identRe.MatchString(c.Order) || strings.Contains(c.Order, ".") {
		return nil, configErrorf("sql: invalid order column %q", c.Order)
	}

	var dsn string
	switch engine {
	case engPostgres:
		dsn = fmt.Sprintf("postgres://%s/%s", c.Server, c.Database)
		if cs := strings.TrimSpace(c.Charset); cs != "" {
			dsn += "?client_encoding=" + cs
		}
	case engSQLite:
		dsn = c.Database
	}

	return &sqlConnector{
		engine:   engine,
		dsn:      dsn,
		table:    c.Table,
		order:    c.Order,
		pageSize: 500,
	}, nil
}

func (s *sqlConnector) Kind() Kind { return KindSQL }

// SetPageLimit bounds the number of rows rendered per change.
func (s *sqlConnector) SetPageLimit(n int) {
	if n > 0 {
		s.mu.Lock()
		s.pageSize = n
		s.mu.Unlock()
	}
}

func (s *sqlConnector) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	driver := "pgx"
	if s.engine == engSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, s.dsn)
	if err != nil {
		return nil, transient(err)
	}
	db.SetMaxOpenConns(2)
	s.db = db
	return db, nil
}

func (s *sqlConnector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqlConnector) placeholder(n int) string {
	if s.engine == engPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *sqlConnector) Snapshot(ctx context.Context) (Snapshot, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var max sql.NullString
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.order, s.table)
	if err := db.QueryRowContext(ctx, q).Scan(&max); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, transient(err)
	}
	if !max.Valid {
		return &SQLSnapshot{}, nil
	}
	return &SQLSnapshot{Valid: true, Max: max.String}, nil
}

func (s *sqlConnector) Diff(ctx context.Context, prev, cur Snapshot) (*Change, error) {
	if prev == nil {
		return nil, nil
	}
	p, ok := prev.(*SQLSnapshot)
	if !ok {
		return nil, configErrorf("sql: snapshot type mismatch")
	}
	c, ok := cur.(*SQLSnapshot)
	if !ok {
		return nil, configErrorf("sql: snapshot type mismatch")
	}

	// Fire only on strict growth of the maximum. A shrinking or unchanged
	// maximum (truncate, rollback) never produces an event.
	if !c.Valid {
		return nil, nil
	}
	if p.Valid && !orderLess(p.Max, c.Max) {
		return nil, nil
	}

	s.mu.Lock()
	limit := s.pageSize
	s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	where := ""
	var args []any
	if p.Valid {
		where = fmt.Sprintf(" WHERE %s > %s", s.order, s.placeholder(1))
		args = append(args, p.Max)
	}

	var count int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.table, where)
	if err := db.QueryRowContext(ctx, countQ, args...).Scan(&count); err != nil {
		return nil, transient(err)
	}

	rowsQ := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT %d", s.table, where, s.order, limit)
	rows, err := db.QueryContext(ctx, rowsQ, args...)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	items, err := renderRows(rows, s.order)
	if err != nil {
		return nil, transient(err)
	}
	return &Change{
		Count: count,
		Items: items,
		Note:  fmt.Sprintf("%d new row(s), order > %s", count, valueOr(p, "none")),
	}, nil
}

func valueOr(s *SQLSnapshot, fallback string) string {
	if s != nil && s.Valid {
		return s.Max
	}
	return fallback
}

// renderRows formats each row as "[order]\nk = v" lines, mirroring the
// notification body layout.
func renderRows(rows *sql.Rows, orderCol string) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []string
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		var b strings.Builder
		for i, col := range cols {
			if col == orderCol {
				fmt.Fprintf(&b, "[%s]", formatValue(vals[i]))
				break
			}
		}
		for i, col := range cols {
			if col == orderCol {
				continue
			}
			fmt.Fprintf(&b, "\n%s = %s", col, formatValue(vals[i]))
		}
		out = append(out, b.String())
	}
	return out, rows.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// orderLess compares two order values, numerically when both parse as
// numbers and lexicographically otherwise (timestamps in ISO form sort
// correctly either way).
func orderLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}
