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

package dedup

import (
	"fmt"
	"log"
)

// DefaultWindowSize is the number of size groups fetched per window.
const DefaultWindowSize = 200

// WindowedQuery streams commonality groups out of the catalog in strictly
// descending size order, without materializing the whole candidate set.
// Update flags are cleared in bounded windows between fetches: once a
// window of sizes has been yielded, has-updates is cleared over that
// inclusive size range, except for inodes the consumer marked skipped,
// which are re-flagged for the next pass.
//
// Usage follows the sql.Rows pattern:
//
//	for q.Next() {
//		g := q.Group()
//		...
//		q.Skip(rec) // defer rec to the next pass
//	}
//	err := q.Err()
//	q.Close()
//
// Between Begin (implied by the first Next) and Close the catalog runs
// with relaxed durability and auto-checkpointing disabled; checkpoints
// are requested from the background Checkpointer at window boundaries.
type WindowedQuery struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	catalog  Catalog
	vols     []*Volume
	volIDs   []int64
	volsByID map[int64]*Volume

	windowSize int

	// May be nil.
	errorLogger *log.Logger

	checkpointer *Checkpointer

	/////////////////////////
	// Iteration state
	/////////////////////////

	begun     bool
	exhausted bool
	err       error

	// Upper bound for the next window fetch.
	windowStart uint64

	// Groups fetched for the current window, yielded one per Next call.
	pending []CommonalityGroup
	cur     CommonalityGroup

	// The inclusive size range to clear once the consumer is done with the
	// current window, i.e. on the Next call after its last group. Clearing
	// only then lets skips registered while processing that group make the
	// same window boundary.
	clearPending     bool
	clearHi, clearLo uint64

	// Inodes deferred mid-window; their has-updates flag is restored at
	// the next window boundary.
	skipped []InodeRecord
}

// NewWindowedQuery creates a query over the inodes of the given volumes.
// windowSize <= 0 selects DefaultWindowSize. The logger may be nil.
func NewWindowedQuery(
	catalog Catalog,
	vols []*Volume,
	windowSize int,
	errorLogger *log.Logger) *WindowedQuery {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	q := &WindowedQuery{
		catalog:     catalog,
		vols:        vols,
		volIDs:      make([]int64, 0, len(vols)),
		volsByID:    make(map[int64]*Volume, len(vols)),
		windowSize:  windowSize,
		errorLogger: errorLogger,
	}
	for _, vol := range vols {
		q.volIDs = append(q.volIDs, vol.ID)
		q.volsByID[vol.ID] = vol
	}
	q.checkpointer = NewCheckpointer(catalog.CheckpointConn, errorLogger)

	return q
}

// Count returns the number of size groups eligible for processing, for
// progress reporting.
func (q *WindowedQuery) Count() (int64, error) {
	return q.catalog.CountSizeGroups(q.volIDs)
}

// Skip defers an inode yielded by the current group: its has-updates flag
// is re-set at the next window boundary so it participates in the next
// pass.
func (q *WindowedQuery) Skip(rec InodeRecord) {
	q.skipped = append(q.skipped, rec)
}

// Next advances to the next commonality group. It returns false when the
// pass is complete or an error occurred; consult Err afterwards.
func (q *WindowedQuery) Next() bool {
	if q.err != nil {
		return false
	}

	if !q.begun {
		if q.err = q.begin(); q.err != nil {
			return false
		}
	}

	for len(q.pending) == 0 {
		if q.clearPending {
			q.clearPending = false
			if q.err = q.clearUpdates(q.clearHi, q.clearLo); q.err != nil {
				return false
			}
			if q.clearLo == 0 {
				q.exhausted = true
			} else {
				q.windowStart = q.clearLo - 1
			}
		}
		if q.exhausted {
			return false
		}
		if q.err = q.fetchWindow(); q.err != nil {
			return false
		}
	}

	q.cur = q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.clearPending = true
	}

	return true
}

// Group returns the group Next advanced to.
func (q *WindowedQuery) Group() CommonalityGroup {
	return q.cur
}

// Err returns the first error encountered during iteration.
func (q *WindowedQuery) Err() error {
	return q.err
}

// Close shuts down the background checkpointer and restores full
// durability so the final commit of the pass is durable.
func (q *WindowedQuery) Close() error {
	q.checkpointer.Close()
	if !q.begun {
		return nil
	}
	if err := q.catalog.SetFullDurability(); err != nil {
		return fmt.Errorf("SetFullDurability: %w", err)
	}
	return nil
}

// Set up the pass: relax durability (clearing updates and logging events
// commit frequently, and losing those commits in a crash is tolerable),
// hand checkpointing to the background goroutine, and find the initial
// window bound.
func (q *WindowedQuery) begin() error {
	if err := q.catalog.SetRelaxedDurability(); err != nil {
		return fmt.Errorf("SetRelaxedDurability: %w", err)
	}
	if err := q.catalog.DisableAutoCheckpoint(); err != nil {
		return fmt.Errorf("DisableAutoCheckpoint: %w", err)
	}

	// The bound covers the whole candidate pool, not just eligible groups,
	// so that update flags without commonality get cleared too.
	maxSize, ok, err := q.catalog.MaxSize(q.volIDs)
	if err != nil {
		return fmt.Errorf("MaxSize: %w", err)
	}
	if !ok {
		q.exhausted = true
	}
	q.windowStart = maxSize
	q.begun = true
	return nil
}

// Fetch the next window of size groups at or below windowStart. On an
// empty result the remaining range [0, windowStart] is cleared and the
// iteration ends.
func (q *WindowedQuery) fetchWindow() error {
	groups, err := q.catalog.SizeGroups(q.volIDs, q.windowStart, q.windowSize)
	if err != nil {
		return fmt.Errorf("SizeGroups: %w", err)
	}

	if len(groups) == 0 {
		if err := q.clearUpdates(q.windowStart, 0); err != nil {
			return err
		}
		q.exhausted = true
		return nil
	}

	// [windowEnd, windowStart] is inclusive at both ends. The clear range
	// starts at the pre-fetch bound, not at the first group's size, so
	// that updated sizes without commonality in between are cleared too:
	// the union of cleared ranges over a pass covers [0, initial bound].
	windowEnd := groups[len(groups)-1].Size

	sizes := make([]uint64, len(groups))
	for i, g := range groups {
		sizes[i] = g.Size
	}

	rows, err := q.catalog.InodesBySize(q.volIDs, sizes)
	if err != nil {
		return fmt.Errorf("InodesBySize: %w", err)
	}

	// Rows arrive ordered by (size desc, ino asc); group them by size.
	q.pending = q.pending[:0]
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].Size == rows[i].Size {
			rows[j].Vol = q.volsByID[rows[j].VolID]
			j++
		}
		q.pending = append(q.pending, CommonalityGroup{
			Size:   rows[i].Size,
			Inodes: rows[i:j:j],
		})
		i = j
	}

	q.clearHi = q.windowStart
	q.clearLo = windowEnd
	return nil
}

// Clear has-updates over the inclusive size range [lo, hi], re-flagging
// skipped inodes, then commit and request a background checkpoint.
func (q *WindowedQuery) clearUpdates(hi, lo uint64) error {
	if err := q.catalog.ClearUpdates(q.volIDs, lo, hi); err != nil {
		return fmt.Errorf("ClearUpdates: %w", err)
	}

	for _, rec := range q.skipped {
		if err := q.catalog.SetHasUpdates(rec.VolID, rec.Ino, true); err != nil {
			return fmt.Errorf("SetHasUpdates: %w", err)
		}
	}
	q.skipped = q.skipped[:0]

	if err := q.catalog.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	q.checkpointer.PleaseCheckpoint()
	return nil
}
