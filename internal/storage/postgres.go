package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "trackerbot/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	st := &pgStore{pool: pool, log: log}
	if err := st.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) init(ctx context.Context) error {
	stmts := []string{
		`create table if not exists parameter (
			name  text primary key,
			value text not null default ''
		)`,
		`create table if not exists permission (
			user_id    bigint primary key,
			name       text not null default '',
			level      integer not null default 0,
			updated_at timestamptz not null default now()
		)`,
		`create index if not exists idx_permission_level on permission(level)`,
		`create table if not exists channel (
			id         bigserial primary key,
			identifier text not null unique,
			kind       text not null,
			config     jsonb not null default '{}',
			polling    text not null default '',
			active     boolean not null default true
		)`,
		`create table if not exists subscription (
			user_id    bigint not null,
			channel_id bigint not null references channel(id) on delete cascade,
			active     boolean not null default true,
			suspended  boolean not null default false,
			primary key (user_id, channel_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) Parameters(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `select name, value from parameter`)
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

func (s *pgStore) SetParameter(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx,
		`insert into parameter(name, value) values($1,$2)
		 on conflict (name) do update set value=excluded.value`,
		name, value)
	return err
}

func (s *pgStore) Grant(ctx context.Context, userID int64) (Grant, bool, error) {
	var g Grant
	err := s.pool.QueryRow(ctx,
		`select user_id, name, level, updated_at from permission where user_id=$1`, userID,
	).Scan(&g.UserID, &g.Name, &g.Level, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, err
	}
	return g, true, nil
}

func (s *pgStore) SetGrant(ctx context.Context, g Grant) error {
	if !ValidPermission(g.Level) {
		return fmt.Errorf("invalid permission level %d", g.Level)
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`insert into permission(user_id, name, level, updated_at) values($1,$2,$3,$4)
		 on conflict (user_id) do update set
		   name=excluded.name, level=excluded.level, updated_at=excluded.updated_at`,
		g.UserID, g.Name, int(g.Level), g.UpdatedAt)
	return err
}

// masterBootstrapLock keys the advisory lock serializing first-MASTER
// bootstrap attempts.
const masterBootstrapLock = int64(0x7472_6163_6b6d_7374)

func (s *pgStore) GrantMasterIfNone(ctx context.Context, userID int64, name string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A transaction-scoped advisory lock serializes the check-then-insert
	// without schema constraints, so the table itself still admits any
	// level an operator writes through SetGrant.
	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, masterBootstrapLock); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx,
		`insert into permission(user_id, name, level, updated_at)
		 select $1, $2, $3, now()
		 where not exists (select 1 from permission where level = $3)
		 on conflict (user_id) do nothing`,
		userID, name, int(PermMaster))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) Privileged(ctx context.Context) ([]Grant, error) {
	rows, err := s.pool.Query(ctx,
		`select user_id, name, level, updated_at from permission where level = any($1)`,
		[]int{int(PermAdmin), int(PermMaster)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.UserID, &g.Name, &g.Level, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *pgStore) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx,
		`select id, identifier, kind, config, polling, active from channel where active order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var cfg []byte
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Kind, &cfg, &c.Polling, &c.Active); err != nil {
			return nil, err
		}
		c.Config = json.RawMessage(cfg)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) SetSubscription(ctx context.Context, userID, channelID int64, active bool) error {
	_, err := s.pool.Exec(ctx,
		`insert into subscription(user_id, channel_id, active, suspended) values($1,$2,$3,false)
		 on conflict (user_id, channel_id) do update set active=excluded.active`,
		userID, channelID, active)
	return err
}

func (s *pgStore) Subscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`select s.user_id, s.channel_id, c.identifier, s.active, s.suspended
		 from subscription s join channel c on c.id = s.channel_id
		 where s.user_id=$1 order by c.identifier`, userID)
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

func (s *pgStore) Subscribers(ctx context.Context, channelID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`select user_id from subscription where channel_id=$1 and active and not suspended`,
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

func (s *pgStore) SetChannelSuspended(ctx context.Context, channelID int64, suspended bool) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`update subscription set suspended=$1
		 where channel_id=$2 and active and suspended=$3
		 returning user_id`,
		suspended, channelID, !suspended)
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
