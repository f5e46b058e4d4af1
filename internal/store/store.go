// Package store persists device records in SQLite so restarts keep the
// device inventory. Reloaded devices are always seeded as unreachable;
// runtime status never survives a restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/beamcast/beamcast/pkg/models"
)

// Store wraps the SQLite database holding the device table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the recommended
// pragmas and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements for pragmas, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id            TEXT PRIMARY KEY,
			friendly_name TEXT NOT NULL,
			manufacturer  TEXT NOT NULL DEFAULT '',
			location_url  TEXT NOT NULL,
			control_url   TEXT NOT NULL,
			ip            TEXT NOT NULL DEFAULT '',
			port          INTEGER NOT NULL DEFAULT 0,
			is_looping    INTEGER NOT NULL DEFAULT 0,
			current_video TEXT NOT NULL DEFAULT '',
			first_seen    DATETIME NOT NULL,
			last_seen     DATETIME NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create devices table: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveDevices replaces the stored snapshot with the given devices.
func (s *Store) SaveDevices(ctx context.Context, devices []models.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}

	for _, d := range devices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (
				id, friendly_name, manufacturer, location_url, control_url,
				ip, port, is_looping, current_video, first_seen, last_seen
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.FriendlyName, d.Manufacturer, d.LocationURL, d.ControlURL,
			d.IP, d.Port, d.IsLooping, d.CurrentVideo, d.FirstSeen.UTC(), d.LastSeen.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert device %q: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// LoadDevices returns the stored snapshot. Every device comes back with
// status Unreachable: a record is only trusted again after a fresh SSDP
// reply or a verified transport query, never on startup alone.
func (s *Store) LoadDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, friendly_name, manufacturer, location_url, control_url,
			ip, port, is_looping, current_video, first_seen, last_seen
		FROM devices ORDER BY friendly_name, id`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var firstSeen, lastSeen time.Time
		err := rows.Scan(
			&d.ID, &d.FriendlyName, &d.Manufacturer, &d.LocationURL, &d.ControlURL,
			&d.IP, &d.Port, &d.IsLooping, &d.CurrentVideo, &firstSeen, &lastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeen = firstSeen
		d.LastSeen = lastSeen
		d.Status = models.StatusUnreachable
		d.CurrentVideo = ""
		d.IsLooping = false
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
