// Package database persists catalog snapshots to an embedded SQLite file so
// the relay serves its channel list immediately on restart, before the first
// provider refresh completes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"xtream-relay/work/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	kind        TEXT NOT NULL,
	category_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	PRIMARY KEY (kind, category_id)
);
CREATE TABLE IF NOT EXISTS channels (
	kind           TEXT NOT NULL,
	stream_id      INTEGER NOT NULL,
	raw_name       TEXT NOT NULL,
	name           TEXT NOT NULL,
	grp            TEXT NOT NULL DEFAULT '',
	quality        TEXT NOT NULL DEFAULT '',
	category_id    TEXT NOT NULL DEFAULT '',
	epg_channel_id TEXT NOT NULL DEFAULT '',
	logo           TEXT NOT NULL DEFAULT '',
	container_ext  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (kind, stream_id)
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	refreshed  INTEGER NOT NULL
);
`

// CategoryRow is one persisted category.
type CategoryRow struct {
	Kind       string
	CategoryID string
	Name       string
}

// ChannelRow is one persisted channel or VOD entry.
type ChannelRow struct {
	Kind         string
	StreamID     int
	RawName      string
	Name         string
	Group        string
	Quality      string
	CategoryID   string
	EpgChannelID string
	Logo         string
	ContainerExt string
}

// Store wraps the SQLite snapshot database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("[DATABASE] Opened snapshot store at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceSnapshot atomically replaces the whole snapshot with the given rows.
func (s *Store) ReplaceSnapshot(ctx context.Context, cats []CategoryRow, chans []ChannelRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}

	catStmt, err := tx.PrepareContext(ctx, `INSERT INTO categories (kind, category_id, name) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare category insert: %w", err)
	}
	defer catStmt.Close()
	for _, c := range cats {
		if _, err := catStmt.ExecContext(ctx, c.Kind, c.CategoryID, c.Name); err != nil {
			return fmt.Errorf("insert category %s/%s: %w", c.Kind, c.CategoryID, err)
		}
	}

	chanStmt, err := tx.PrepareContext(ctx, `INSERT INTO channels
		(kind, stream_id, raw_name, name, grp, quality, category_id, epg_channel_id, logo, container_ext)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare channel insert: %w", err)
	}
	defer chanStmt.Close()
	for _, ch := range chans {
		if _, err := chanStmt.ExecContext(ctx, ch.Kind, ch.StreamID, ch.RawName, ch.Name,
			ch.Group, ch.Quality, ch.CategoryID, ch.EpgChannelID, ch.Logo, ch.ContainerExt); err != nil {
			return fmt.Errorf("insert channel %s/%d: %w", ch.Kind, ch.StreamID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, refreshed) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET refreshed = excluded.refreshed`,
		time.Now().Unix()); err != nil {
		return fmt.Errorf("record refresh time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	logger.Debug("{database - ReplaceSnapshot} stored %d categories, %d channels", len(cats), len(chans))
	return nil
}

// LoadSnapshot reads back the persisted snapshot. A fresh database returns
// empty slices, a zero time, and no error.
func (s *Store) LoadSnapshot(ctx context.Context) ([]CategoryRow, []ChannelRow, time.Time, error) {
	var cats []CategoryRow
	rows, err := s.db.QueryContext(ctx, `SELECT kind, category_id, name FROM categories ORDER BY kind, name`)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("query categories: %w", err)
	}
	for rows.Next() {
		var c CategoryRow
		if err := rows.Scan(&c.Kind, &c.CategoryID, &c.Name); err != nil {
			rows.Close()
			return nil, nil, time.Time{}, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("read categories: %w", err)
	}

	var chans []ChannelRow
	rows, err = s.db.QueryContext(ctx, `SELECT kind, stream_id, raw_name, name, grp, quality,
		category_id, epg_channel_id, logo, container_ext FROM channels ORDER BY kind, name`)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("query channels: %w", err)
	}
	for rows.Next() {
		var ch ChannelRow
		if err := rows.Scan(&ch.Kind, &ch.StreamID, &ch.RawName, &ch.Name, &ch.Group, &ch.Quality,
			&ch.CategoryID, &ch.EpgChannelID, &ch.Logo, &ch.ContainerExt); err != nil {
			rows.Close()
			return nil, nil, time.Time{}, fmt.Errorf("scan channel: %w", err)
		}
		chans = append(chans, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("read channels: %w", err)
	}

	var refreshed time.Time
	var unix int64
	err = s.db.QueryRowContext(ctx, `SELECT refreshed FROM snapshot_meta WHERE id = 1`).Scan(&unix)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, time.Time{}, fmt.Errorf("read refresh time: %w", err)
	default:
		refreshed = time.Unix(unix, 0)
	}

	return cats, chans, refreshed, nil
}
