// Package storage persists peer state that should survive a restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-rudp/pkg/banlist"
)

var ErrClosed = errors.New("ban store closed")

// DefaultCleanupInterval is how often expired bans are deleted.
const DefaultCleanupInterval = time.Hour

// BanStore keeps ban list entries in a SQLite database.
type BanStore struct {
	db   *sql.DB
	log  zerolog.Logger
	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// Option configures a BanStore.
type Option func(*BanStore)

// WithLogger sets the logger used for cleanup reports.
func WithLogger(l zerolog.Logger) Option {
	return func(s *BanStore) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *BanStore) { s.now = now }
}

// OpenBanStore opens or creates the database at dbPath and starts the
// cleanup goroutine. A zero cleanup interval disables it.
func OpenBanStore(dbPath string, cleanup time.Duration, opts ...Option) (*BanStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ban database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &BanStore{
		db:   db,
		log:  zerolog.Nop(),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if cleanup > 0 {
		go s.cleanupLoop(cleanup)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *BanStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bans (
		ip TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- 0 marks a permanent ban
	CREATE INDEX IF NOT EXISTS idx_bans_expires ON bans(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func expiresToUnix(e banlist.Entry) int64 {
	if e.Permanent() {
		return 0
	}
	return e.Expires.UnixMilli()
}

// Save stores e, replacing any ban on the same pattern.
func (s *BanStore) Save(e banlist.Entry) error {
	query := `
		INSERT INTO bans (ip, expires_at) VALUES (?, ?)
		ON CONFLICT(ip) DO UPDATE SET expires_at = excluded.expires_at
	`
	if _, err := s.db.Exec(query, e.IP, expiresToUnix(e)); err != nil {
		return fmt.Errorf("save ban %s: %w", e.IP, err)
	}
	return nil
}

// Replace makes the table hold exactly entries.
func (s *BanStore) Replace(entries []banlist.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM bans`); err != nil {
		return fmt.Errorf("clear bans: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO bans (ip, expires_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.IP, expiresToUnix(e)); err != nil {
			return fmt.Errorf("save ban %s: %w", e.IP, err)
		}
	}
	return tx.Commit()
}

// Delete removes the ban on the exact pattern ip.
func (s *BanStore) Delete(ip string) error {
	if _, err := s.db.Exec(`DELETE FROM bans WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("delete ban %s: %w", ip, err)
	}
	return nil
}

// Load returns the bans that have not expired yet.
func (s *BanStore) Load() ([]banlist.Entry, error) {
	query := `
		SELECT ip, expires_at FROM bans
		WHERE expires_at = 0 OR expires_at >= ?
		ORDER BY ip ASC
	`
	rows, err := s.db.Query(query, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("load bans: %w", err)
	}
	defer rows.Close()

	var entries []banlist.Entry
	for rows.Next() {
		var (
			e       banlist.Entry
			expires int64
		)
		if err := rows.Scan(&e.IP, &expires); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		if expires != 0 {
			e.Expires = time.UnixMilli(expires)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count is the number of stored bans, expired ones included.
func (s *BanStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bans: %w", err)
	}
	return n, nil
}

// DeleteExpired removes bans that expired before now and reports how many.
func (s *BanStore) DeleteExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM bans WHERE expires_at != 0 AND expires_at < ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	return result.RowsAffected()
}

func (s *BanStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			count, err := s.DeleteExpired()
			if err != nil {
				s.log.Warn().Err(err).Msg("ban cleanup failed")
				continue
			}
			if count > 0 {
				s.log.Info().Int64("count", count).Msg("expired bans removed")
			}
		}
	}
}

// Close stops the cleanup goroutine and closes the database.
func (s *BanStore) Close() error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	close(s.stop)
	<-s.done
	return s.db.Close()
}
