package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTimeLayout is fixed-width so the TEXT `at` column compares
// lexicographically in time order; RFC3339Nano trims trailing zeros and
// would sort whole seconds after fractional ones.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) AppendOutcome(ctx context.Context, o relay.Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, chat_id, msg_id, target_id, status, strategy, reason)
		 VALUES(?,?,?,?,?,?,?)`,
		o.At.UTC().Format(sqliteTimeLayout), o.ChatID, o.MessageID, o.TargetID,
		string(o.Status), nullStr(o.Strategy), nullStr(o.Reason),
	)
	return err
}

func (s *sqliteStore) OutcomesSince(ctx context.Context, since time.Time, limit int) ([]relay.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, chat_id, msg_id, target_id, status, COALESCE(strategy,''), COALESCE(reason,'')
		 FROM outcomes WHERE at >= ? ORDER BY id ASC LIMIT ?`,
		since.UTC().Format(sqliteTimeLayout), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Outcome
	for rows.Next() {
		var o relay.Outcome
		var at, status string
		if err := rows.Scan(&at, &o.ChatID, &o.MessageID, &o.TargetID, &status, &o.Strategy, &o.Reason); err != nil {
			return nil, err
		}
		o.Status = relay.Status(status)
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			o.At = t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) StatsSince(ctx context.Context, since time.Time) (relay.Stats, error) {
	st := relay.Stats{Since: since, ByStatus: map[relay.Status]int{}}
	if s == nil || s.db == nil {
		return st, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outcomes WHERE at >= ? GROUP BY status`,
		since.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.ByStatus[relay.Status(status)] = n
		st.Total += n
	}
	return st, rows.Err()
}

func (s *sqliteStore) PruneOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE at < ?`,
		cutoff.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
