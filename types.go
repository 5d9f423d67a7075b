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
	"os"
)

// Filesystem represents one mounted filesystem, identified by its UUID.
// All volumes in a dedup pass must belong to the same filesystem; extent
// sharing does not cross filesystem boundaries.
type Filesystem struct {
	// The filesystem UUID, as reported by the kernel.
	UUID string

	// The volumes belonging to this filesystem that were selected for the
	// current run.
	Volumes []*Volume
}

// Volume represents one mounted subtree with its own generation sequence.
//
// The two watermark fields are the only inter-run state required for
// correct incremental operation: a successful scan records the top
// generation it saw and the size cutoff that was in force, so the next
// scan can restrict itself to newer generations as long as the cutoff has
// not shrunk.
type Volume struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// The catalog row ID for this volume.
	ID int64

	// An open handle on the volume's root directory, used as the base for
	// volume-relative operations.
	FD *os.File

	// The device number (st_dev) of files on this volume.
	Dev uint64

	// A human-readable description, typically the mount path.
	Desc string

	// The enclosing filesystem.
	FS *Filesystem

	/////////////////////////
	// Per-run configuration
	/////////////////////////

	// The minimum file size considered for deduplication in this run.
	SizeCutoff uint64

	/////////////////////////
	// Watermarks
	/////////////////////////

	// The generation watermark of the last successful scan. Mutated only
	// by Scanner.Scan at end of scan, persisted by the Catalog.
	//
	// INVARIANT: monotonically non-decreasing across runs while the size
	// cutoff does not shrink.
	LastTrackedGeneration uint64

	// The size cutoff in force during the last successful scan. Valid only
	// when LastTrackedCutoffSet is true (a volume that has never been
	// scanned has no tracked cutoff).
	LastTrackedSizeCutoff uint64
	LastTrackedCutoffSet  bool
}

// InodeRecord is a persisted candidate row: one inode on one volume, with
// the size recorded at scan time and the has-updates flag that admits it
// into the next dedup pass.
//
// INVARIANT: (VolID, Ino) is unique within the catalog.
type InodeRecord struct {
	VolID      int64
	Ino        uint64
	Size       uint64
	HasUpdates bool

	// The owning volume, resolved from VolID when the record is yielded by
	// a WindowedQuery. Nil for records read straight from the Catalog.
	Vol *Volume
}

// CommonalityGroup is a set of candidate inodes sharing the same size
// within the selected volumes, as yielded by a WindowedQuery.
type CommonalityGroup struct {
	Size   uint64
	Inodes []InodeRecord
}

// SizeGroup is one row of the catalog's grouped candidate scan: a size
// for which at least two inodes exist, at least one of them updated.
type SizeGroup struct {
	Size       uint64
	InodeCount int64
}

// EventInode identifies one participant of a dedup event.
type EventInode struct {
	VolID int64
	Ino   uint64
}
