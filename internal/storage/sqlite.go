package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "trackerbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Parameters(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM parameter`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetParameter(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parameter(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		name, value,
	)
	return err
}

func (s *sqliteStore) Grant(ctx context.Context, userID int64) (Grant, bool, error) {
	var g Grant
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, level, updated_at FROM permission WHERE user_id = ?`, userID,
	).Scan(&g.UserID, &g.Name, &g.Level, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, err
	}
	g.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return g, true, nil
}

func (s *sqliteStore) SetGrant(ctx context.Context, g Grant) error {
	if !ValidPermission(g.Level) {
		return fmt.Errorf("invalid permission level %d", g.Level)
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission(user_id, name, level, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   name=excluded.name, level=excluded.level, updated_at=excluded.updated_at`,
		g.UserID, g.Name, int(g.Level), g.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GrantMasterIfNone(ctx context.Context, userID int64, name string) (bool, error) {
	// Conditional insert: the WHERE clause and the insert run in one
	// statement, so concurrent callers produce exactly one MASTER.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO permission(user_id, name, level, updated_at)
		 SELECT ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM permission WHERE level = ?)`,
		userID, name, int(PermMaster), time.Now().Format(time.RFC3339Nano), int(PermMaster),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Privileged(ctx context.Context) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, level, updated_at FROM permission WHERE level IN (?, ?)`,
		int(PermAdmin), int(PermMaster),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		var updated string
		if err := rows.Scan(&g.UserID, &g.Name, &g.Level, &updated); err != nil {
			return nil, err
		}
		g.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identifier, kind, config, polling, active FROM channel WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var cfg string
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Kind, &cfg, &c.Polling, &c.Active); err != nil {
			return nil, err
		}
		c.Config = json.RawMessage(cfg)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetSubscription(ctx context.Context, userID, channelID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription(user_id, channel_id, active, suspended) VALUES(?,?,?,0)
		 ON CONFLICT(user_id, channel_id) DO UPDATE SET active=excluded.active`,
		userID, channelID, boolInt(active),
	)
	return err
}

func (s *sqliteStore) Subscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.user_id, s.channel_id, c.identifier, s.active, s.suspended
		 FROM subscription s JOIN channel c ON c.id = s.channel_id
		 WHERE s.user_id = ? ORDER BY c.identifier`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.UserID, &sub.ChannelID, &sub.ChannelIdentifier, &sub.Active, &sub.Suspended); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Subscribers(ctx context.Context, channelID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM subscription WHERE channel_id = ? AND active = 1 AND suspended = 0`,
		channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetChannelSuspended(ctx context.Context, channelID int64, suspended bool) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM subscription WHERE channel_id = ? AND active = 1 AND suspended = ?`,
		channelID, boolInt(!suspended))
	if err != nil {
		return nil, err
	}
	var affected []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		affected = append(affected, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscription SET suspended = ? WHERE channel_id = ? AND active = 1`,
		boolInt(suspended), channelID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return affected, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
