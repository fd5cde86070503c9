// Package store persists portal channel lists in SQLite so a restart does not
// have to fetch a large get_all_channels response again.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skerit/stbroker/internal/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	provider_key TEXT PRIMARY KEY,
	fetched_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	provider_key TEXT NOT NULL,
	position     INTEGER NOT NULL,
	id           TEXT NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (provider_key, position)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open channel cache: %w", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init channel cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ProviderKey identifies a portal account: the same portal seen with two
// MACs has two channel lists.
func ProviderKey(base, mac string) string {
	sum := sha256.Sum256([]byte(strings.TrimSuffix(base, "/") + "\x00" + strings.ToUpper(mac)))
	return hex.EncodeToString(sum[:8])
}

// SaveChannels replaces the stored list for key.
func (s *Store) SaveChannels(ctx context.Context, key string, channels []catalog.Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE provider_key = ?`, key); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO channels (provider_key, position, id, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, ch := range channels {
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("encode channel %s: %w", ch.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, key, i, ch.ID, string(data)); err != nil {
			return fmt.Errorf("insert channel %s: %w", ch.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO providers (provider_key, fetched_at) VALUES (?, ?)
		 ON CONFLICT(provider_key) DO UPDATE SET fetched_at = excluded.fetched_at`,
		key, time.Now().Unix()); err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	return tx.Commit()
}

// LoadChannels returns the stored list for key in its original order.
// A key never saved yields a nil list and a zero time.
func (s *Store) LoadChannels(ctx context.Context, key string) ([]catalog.Channel, time.Time, error) {
	var fetched int64
	err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM providers WHERE provider_key = ?`, key).Scan(&fetched)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM channels WHERE provider_key = ? ORDER BY position`, key)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()
	var out []catalog.Channel
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, time.Time{}, err
		}
		var ch catalog.Channel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return nil, time.Time{}, fmt.Errorf("decode channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return out, time.Unix(fetched, 0), nil
}

// Purge forgets everything stored for key.
func (s *Store) Purge(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE provider_key = ?`, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE provider_key = ?`, key)
	return err
}

// ProviderCache binds a Store to one provider key; it satisfies catalog.Cache.
type ProviderCache struct {
	s   *Store
	key string
}

func (s *Store) Provider(key string) *ProviderCache {
	return &ProviderCache{s: s, key: key}
}

func (p *ProviderCache) Load(ctx context.Context) ([]catalog.Channel, time.Time, error) {
	return p.s.LoadChannels(ctx, p.key)
}

func (p *ProviderCache) Save(ctx context.Context, channels []catalog.Channel) error {
	return p.s.SaveChannels(ctx, p.key, channels)
}

var _ catalog.Cache = (*ProviderCache)(nil)
