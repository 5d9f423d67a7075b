// Copyright 2026 The bedup Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalog persists inode candidates, volume watermarks and dedup
// events in a SQLite database running in WAL mode.
//
// Writes accumulate in an explicit transaction that Commit finishes, so
// the dedup pass controls commit boundaries. Checkpoint work runs on a
// separate connection (see CheckpointConn) so the foreground connection
// never stalls on it.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	dedup "github.com/VariousForks/bedup"
)

const schema = `
CREATE TABLE IF NOT EXISTS volumes (
	id INTEGER PRIMARY KEY,
	fs_uuid TEXT NOT NULL,
	path TEXT NOT NULL,
	st_dev INTEGER NOT NULL,
	last_tracked_generation INTEGER,
	last_tracked_size_cutoff INTEGER,
	UNIQUE (fs_uuid, path)
);

CREATE TABLE IF NOT EXISTS inodes (
	vol_id INTEGER NOT NULL REFERENCES volumes (id),
	ino INTEGER NOT NULL,
	size INTEGER NOT NULL,
	has_updates INTEGER NOT NULL,
	PRIMARY KEY (vol_id, ino)
);

CREATE INDEX IF NOT EXISTS inodes_by_size ON inodes (size);

CREATE TABLE IF NOT EXISTS dedup_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fs_uuid TEXT NOT NULL,
	item_size INTEGER NOT NULL,
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dedup_event_inodes (
	event_id INTEGER NOT NULL REFERENCES dedup_events (id),
	vol_id INTEGER NOT NULL,
	ino INTEGER NOT NULL,
	PRIMARY KEY (event_id, vol_id, ino)
);
`

// Catalog implements dedup.Catalog over a SQLite database.
//
// Not safe for concurrent use; the pipeline owns this connection and the
// checkpointer gets its own.
type Catalog struct {
	dsn string
	db  *sqlx.DB

	// The open write transaction, or nil. Started lazily by the first
	// statement after a Commit.
	tx *sqlx.Tx
}

var _ dedup.Catalog = (*Catalog)(nil)

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Catalog, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	// One connection: PRAGMAs and the explicit transaction must all see
	// the same underlying handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Applying schema: %w", err)
	}

	return &Catalog{dsn: dsn, db: db}, nil
}

// Close commits any open transaction and closes the database.
func (c *Catalog) Close() error {
	if err := c.Commit(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

func (c *Catalog) ensureTx() (*sqlx.Tx, error) {
	if c.tx == nil {
		tx, err := c.db.Beginx()
		if err != nil {
			return nil, fmt.Errorf("Beginx: %w", err)
		}
		c.tx = tx
	}
	return c.tx, nil
}

// Commit commits the open transaction, if any. The next statement starts
// a fresh one.
func (c *Catalog) Commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Run a PRAGMA outside any transaction.
func (c *Catalog) pragma(stmt string) error {
	if err := c.Commit(); err != nil {
		return err
	}
	_, err := c.db.Exec(stmt)
	return err
}

// SetRelaxedDurability disables most commit-time fsync calls. SQLite is
// in WAL mode, so consistency is not compromised; a crash can lose recent
// commits, which the dedup pass tolerates.
func (c *Catalog) SetRelaxedDurability() error {
	return c.pragma("PRAGMA synchronous=NORMAL;")
}

// SetFullDurability restores fsync on commit.
func (c *Catalog) SetFullDurability() error {
	return c.pragma("PRAGMA synchronous=FULL;")
}

// DisableAutoCheckpoint turns off WAL auto-checkpointing in favor of
// explicit requests from the Checkpointer.
func (c *Catalog) DisableAutoCheckpoint() error {
	return c.pragma("PRAGMA wal_autocheckpoint=0;")
}

// CheckpointConn opens an independent connection for checkpoint work.
func (c *Catalog) CheckpointConn() (dedup.CheckpointConn, error) {
	db, err := sqlx.Open("sqlite3", c.dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &checkpointConn{db: db}, nil
}

type checkpointConn struct {
	db *sqlx.DB
}

func (cc *checkpointConn) Checkpoint() error {
	_, err := cc.db.Exec("PRAGMA wal_checkpoint;")
	return err
}

func (cc *checkpointConn) Close() error {
	return cc.db.Close()
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// UpsertInode inserts or refreshes the (volID, ino) row.
func (c *Catalog) UpsertInode(volID int64, ino, size uint64, hasUpdates bool) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO inodes (vol_id, ino, size, has_updates)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (vol_id, ino)
		DO UPDATE SET size = excluded.size, has_updates = excluded.has_updates`,
		volID, int64(ino), int64(size), boolToInt(hasUpdates))
	return err
}

// DeleteInode deletes the (volID, ino) row; deleting an absent row is not
// an error.
func (c *Catalog) DeleteInode(volID int64, ino uint64) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"DELETE FROM inodes WHERE vol_id = ? AND ino = ?", volID, int64(ino))
	return err
}

// SetHasUpdates sets the has-updates flag of an existing row.
func (c *Catalog) SetHasUpdates(volID int64, ino uint64, hasUpdates bool) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE inodes SET has_updates = ? WHERE vol_id = ? AND ino = ?",
		boolToInt(hasUpdates), volID, int64(ino))
	return err
}

// ClearUpdates clears has-updates for all inodes of the given volumes
// whose size lies in the inclusive range [lo, hi].
func (c *Catalog) ClearUpdates(volIDs []int64, lo, hi uint64) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}
	query, args, err := sqlx.In(`
		UPDATE inodes SET has_updates = 0
		WHERE vol_id IN (?) AND size BETWEEN ? AND ?`,
		volIDs, int64(lo), int64(hi))
	if err != nil {
		return err
	}
	_, err = tx.Exec(query, args...)
	return err
}

// MaxSize returns the maximum size present among all inodes of the given
// volumes, updated or not.
func (c *Catalog) MaxSize(volIDs []int64) (uint64, bool, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return 0, false, err
	}
	query, args, err := sqlx.In(
		"SELECT size FROM inodes WHERE vol_id IN (?) ORDER BY size DESC LIMIT 1",
		volIDs)
	if err != nil {
		return 0, false, err
	}

	var size int64
	err = tx.Get(&size, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(size), true, nil
}

// CountSizeGroups counts the sizes with at least two inodes, at least one
// of them updated, within the given volumes.
func (c *Catalog) CountSizeGroups(volIDs []int64) (int64, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return 0, err
	}
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM (
			SELECT size FROM inodes
			WHERE vol_id IN (?)
			GROUP BY size
			HAVING COUNT(*) > 1 AND MAX(has_updates) > 0
		)`, volIDs)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := tx.Get(&n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// SizeGroups returns up to limit eligible size groups of size at most
// windowStart, in descending size order.
func (c *Catalog) SizeGroups(volIDs []int64, windowStart uint64, limit int) ([]dedup.SizeGroup, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return nil, err
	}
	query, args, err := sqlx.In(`
		SELECT size, COUNT(*) AS inode_count FROM inodes
		WHERE vol_id IN (?) AND size <= ?
		GROUP BY size
		HAVING COUNT(*) > 1 AND MAX(has_updates) > 0
		ORDER BY size DESC
		LIMIT ?`, volIDs, int64(windowStart), limit)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []dedup.SizeGroup
	for rows.Next() {
		var size, count int64
		if err := rows.Scan(&size, &count); err != nil {
			return nil, err
		}
		groups = append(groups, dedup.SizeGroup{
			Size:       uint64(size),
			InodeCount: count,
		})
	}
	return groups, rows.Err()
}

// InodesBySize returns all inodes of the given volumes whose size is one
// of sizes, ordered by (size descending, ino ascending).
func (c *Catalog) InodesBySize(volIDs []int64, sizes []uint64) ([]dedup.InodeRecord, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return nil, err
	}

	signed := make([]int64, len(sizes))
	for i, s := range sizes {
		signed[i] = int64(s)
	}
	query, args, err := sqlx.In(`
		SELECT vol_id, ino, size, has_updates FROM inodes
		WHERE vol_id IN (?) AND size IN (?)
		ORDER BY size DESC, ino ASC`, volIDs, signed)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []dedup.InodeRecord
	for rows.Next() {
		var volID, ino, size, hasUpdates int64
		if err := rows.Scan(&volID, &ino, &size, &hasUpdates); err != nil {
			return nil, err
		}
		recs = append(recs, dedup.InodeRecord{
			VolID:      volID,
			Ino:        uint64(ino),
			Size:       uint64(size),
			HasUpdates: hasUpdates != 0,
		})
	}
	return recs, rows.Err()
}

////////////////////////////////////////////////////////////////////////
// Volumes
////////////////////////////////////////////////////////////////////////

// LoadVolume finds or creates the volume row keyed by (FS.UUID, Desc) and
// fills vol.ID and the watermark fields.
func (c *Catalog) LoadVolume(vol *dedup.Volume) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO volumes (fs_uuid, path, st_dev)
		VALUES (?, ?, ?)
		ON CONFLICT (fs_uuid, path) DO UPDATE SET st_dev = excluded.st_dev`,
		vol.FS.UUID, vol.Desc, int64(vol.Dev))
	if err != nil {
		return err
	}

	var row struct {
		ID         int64         `db:"id"`
		Generation sql.NullInt64 `db:"last_tracked_generation"`
		Cutoff     sql.NullInt64 `db:"last_tracked_size_cutoff"`
	}
	err = tx.Get(&row, `
		SELECT id, last_tracked_generation, last_tracked_size_cutoff
		FROM volumes WHERE fs_uuid = ? AND path = ?`,
		vol.FS.UUID, vol.Desc)
	if err != nil {
		return err
	}

	vol.ID = row.ID
	vol.LastTrackedGeneration = uint64(row.Generation.Int64)
	vol.LastTrackedCutoffSet = row.Cutoff.Valid
	vol.LastTrackedSizeCutoff = uint64(row.Cutoff.Int64)
	return nil
}

// SaveVolume persists a volume's watermark fields.
func (c *Catalog) SaveVolume(vol *dedup.Volume) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}

	cutoff := sql.NullInt64{}
	if vol.LastTrackedCutoffSet {
		cutoff = sql.NullInt64{Int64: int64(vol.LastTrackedSizeCutoff), Valid: true}
	}
	_, err = tx.Exec(`
		UPDATE volumes
		SET last_tracked_generation = ?, last_tracked_size_cutoff = ?
		WHERE id = ?`,
		int64(vol.LastTrackedGeneration), cutoff, vol.ID)
	return err
}

// ResetVolume forgets a volume's inode rows and watermarks, forcing the
// next scan to cover all generations. Dedup events are kept.
func (c *Catalog) ResetVolume(vol *dedup.Volume) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM inodes WHERE vol_id = ?", vol.ID); err != nil {
		return err
	}

	vol.LastTrackedGeneration = 0
	vol.LastTrackedSizeCutoff = 0
	vol.LastTrackedCutoffSet = false
	if err := c.SaveVolume(vol); err != nil {
		return err
	}
	return c.Commit()
}

////////////////////////////////////////////////////////////////////////
// Events
////////////////////////////////////////////////////////////////////////

// AppendEvent appends a dedup event and its participating inodes.
func (c *Catalog) AppendEvent(
	fsUUID string,
	itemSize uint64,
	created time.Time,
	participants []dedup.EventInode) error {
	tx, err := c.ensureTx()
	if err != nil {
		return err
	}

	res, err := tx.Exec(
		"INSERT INTO dedup_events (fs_uuid, item_size, created) VALUES (?, ?, ?)",
		fsUUID, int64(itemSize), created.Unix())
	if err != nil {
		return err
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, p := range participants {
		_, err := tx.Exec(`
			INSERT INTO dedup_event_inodes (event_id, vol_id, ino)
			VALUES (?, ?, ?)`, eventID, p.VolID, int64(p.Ino))
		if err != nil {
			return err
		}
	}
	return nil
}

// Event is one persisted dedup event with its participants.
type Event struct {
	ID       int64
	ItemSize uint64
	Created  time.Time
	Inodes   []dedup.EventInode
}

// Events returns all dedup events of a filesystem in append order.
func (c *Catalog) Events(fsUUID string) ([]Event, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT id, item_size, created FROM dedup_events
		WHERE fs_uuid = ? ORDER BY id`, fsUUID)
	if err != nil {
		return nil, err
	}
	var events []Event
	for rows.Next() {
		var e Event
		var size, created int64
		if err := rows.Scan(&e.ID, &size, &created); err != nil {
			rows.Close()
			return nil, err
		}
		e.ItemSize = uint64(size)
		e.Created = time.Unix(created, 0)
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		rows, err := tx.Query(`
			SELECT vol_id, ino FROM dedup_event_inodes
			WHERE event_id = ? ORDER BY vol_id, ino`, events[i].ID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var volID, ino int64
			if err := rows.Scan(&volID, &ino); err != nil {
				rows.Close()
				return nil, err
			}
			events[i].Inodes = append(events[i].Inodes, dedup.EventInode{
				VolID: volID, Ino: uint64(ino)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// FakeUpdates re-flags the participants of up to maxEvents past dedup
// events, so a later pass re-verifies that they still share extents.
// Returns the number of events for which at least two participants were
// still present in the catalog.
func (c *Catalog) FakeUpdates(maxEvents int64) (int64, error) {
	tx, err := c.ensureTx()
	if err != nil {
		return 0, err
	}

	var eventIDs []int64
	if err := tx.Select(&eventIDs,
		"SELECT id FROM dedup_events ORDER BY id LIMIT ?", maxEvents); err != nil {
		return 0, err
	}

	var faked int64
	for _, eventID := range eventIDs {
		var participants []dedup.EventInode
		rows, err := tx.Query(
			"SELECT vol_id, ino FROM dedup_event_inodes WHERE event_id = ?", eventID)
		if err != nil {
			return faked, err
		}
		for rows.Next() {
			var volID, ino int64
			if err := rows.Scan(&volID, &ino); err != nil {
				rows.Close()
				return faked, err
			}
			participants = append(participants, dedup.EventInode{
				VolID: volID, Ino: uint64(ino)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return faked, err
		}

		var present int64
		for _, p := range participants {
			res, err := tx.Exec(
				"UPDATE inodes SET has_updates = 1 WHERE vol_id = ? AND ino = ?",
				p.VolID, int64(p.Ino))
			if err != nil {
				return faked, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return faked, err
			}
			present += n
		}
		if present > 1 {
			faked++
		}
	}
	return faked, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
