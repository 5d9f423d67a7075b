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
	"time"
)

// Catalog persists inode candidates, volume watermarks and dedup events.
//
// Writes accumulate in a transaction that Commit finishes; the catalog is
// expected to run with relaxed durability between SetRelaxedDurability and
// SetFullDurability. Losing recently cleared update flags in a crash is
// tolerated: on restart they remain set and are simply re-processed.
//
// Implementations need not be safe for concurrent use; the pipeline owns
// the foreground connection and the Checkpointer gets its own through
// CheckpointConn.
type Catalog interface {
	// Insert or refresh the (volID, ino) row.
	UpsertInode(volID int64, ino, size uint64, hasUpdates bool) error

	// Delete the (volID, ino) row. Deleting an absent row is not an error.
	DeleteInode(volID int64, ino uint64) error

	// Set the has-updates flag of an existing row.
	SetHasUpdates(volID int64, ino uint64, hasUpdates bool) error

	// Clear the has-updates flag for all inodes of the given volumes whose
	// size lies in the inclusive range [lo, hi].
	ClearUpdates(volIDs []int64, lo, hi uint64) error

	// Return the maximum size present among all inodes of the given
	// volumes, updated or not. ok is false when there are no rows.
	MaxSize(volIDs []int64) (size uint64, ok bool, err error)

	// Count the size groups eligible for processing: sizes with at least
	// two inodes, at least one of them updated.
	CountSizeGroups(volIDs []int64) (int64, error)

	// Return up to limit eligible size groups whose size is at most
	// windowStart, in descending size order.
	SizeGroups(volIDs []int64, windowStart uint64, limit int) ([]SizeGroup, error)

	// Return all inodes of the given volumes whose size is one of sizes,
	// ordered by (size descending, ino ascending).
	InodesBySize(volIDs []int64, sizes []uint64) ([]InodeRecord, error)

	// Persist a volume's watermark fields.
	SaveVolume(vol *Volume) error

	// Append a dedup event and its participating inodes.
	AppendEvent(fsUUID string, itemSize uint64, created time.Time, participants []EventInode) error

	// Commit the current transaction.
	Commit() error

	// Durability and checkpoint control for the dedup pass.
	SetRelaxedDurability() error
	SetFullDurability() error
	DisableAutoCheckpoint() error

	// Open an independent connection for the Checkpointer. The caller owns
	// the returned connection and must close it.
	CheckpointConn() (CheckpointConn, error)
}

// CheckpointConn is a catalog connection dedicated to checkpoint work, so
// checkpoints do not contend with the foreground connection.
type CheckpointConn interface {
	// Issue one write-ahead-log checkpoint.
	Checkpoint() error

	Close() error
}

// SearchKey is a key in the filesystem's internal tree: the (objectid,
// type, offset) triple the tree is ordered by.
type SearchKey struct {
	ObjectID uint64
	Type     uint32
	Offset   uint64
}

// Tree item types the scanner cares about.
const (
	// InodeItemKey is the key type of inode items in the filesystem tree.
	InodeItemKey uint32 = 1
)

// SearchParams bounds one tree-search call. The kernel treats the min
// criteria as an iterator position on tuple order, not an intersection of
// ranges, so callers advance MinKey between calls.
type SearchParams struct {
	MinKey     SearchKey
	MaxKey     SearchKey
	MinTransid uint64
	MaxTransid uint64
	NrItems    int
}

// TreeItem is one item returned by a tree search.
type TreeItem struct {
	Key     SearchKey
	Transid uint64

	// Decoded payload for inode items; nil for every other item type. The
	// search cannot be prevented from returning irrelevant types.
	Inode *InodeItem
}

// InodeItem is the decoded payload of an inode item.
type InodeItem struct {
	Generation uint64
	Size       uint64
	Mode       uint32
}

// VolumeOps exposes the kernel facilities of the underlying filesystem.
// The btrfsvol package implements it for btrfs; deduptesting fakes it.
type VolumeOps interface {
	// Return the current top generation of the volume's root.
	RootGeneration(vol *Volume) (uint64, error)

	// Search the volume's tree, returning at most p.NrItems items with
	// transid at least p.MinTransid, starting at p.MinKey.
	TreeSearch(vol *Volume, p SearchParams) ([]TreeItem, error)

	// Resolve one volume-relative path for the inode. Returns an error
	// satisfying errors.Is(err, syscall.ENOENT) when the inode is gone.
	LookupInoPathOne(vol *Volume, ino uint64) (string, error)

	// Open the volume-relative path.
	OpenReadonly(vol *Volume, path string) (*os.File, error)
	OpenReadWrite(vol *Volume, path string) (*os.File, error)

	// Replace dst's extents with references to src's extents, preserving
	// byte-wise content. With checkFirst set the kernel re-verifies byte
	// equality before sharing. Returns false when the extents were already
	// shared and no work was done.
	CloneData(dst, src *os.File, checkFirst bool) (bool, error)

	// Defragment the file. Never called by the pipeline: defragmentation
	// can unshare extents and disable compression as a side effect.
	Defragment(f *os.File) error

	// Mark every file immutable at the kernel level for the duration of
	// the returned acquisition, and report which of them are currently
	// held open for writing elsewhere. The caller must call Release on
	// every exit path.
	ImmutableFds(files []*os.File) (ImmutableSet, error)
}

// ImmutableSet is a scoped immutability acquisition over a set of open
// files. Release restores each file's prior flags.
type ImmutableSet interface {
	// Report whether the file was found open for writing by another
	// process when the acquisition was made.
	WriteBusy(f *os.File) bool

	Release()
}

// FingerprintFns supplies the two cheap fingerprints of the funnel. Both
// must be deterministic pure functions of file content and layout.
type FingerprintFns interface {
	// A low-cost fingerprint of the file's content, typically a hash of a
	// small sample of its bytes.
	MiniHash(rec InodeRecord, f *os.File) ([]byte, error)

	// A fingerprint of the file's extent map. Files whose extent maps
	// collide are already sharing storage.
	FiemapHash(f *os.File) ([]byte, error)
}

// ProgressReporter receives user-facing progress from the scanner and the
// pipeline. Implementations must tolerate being called with keys they do
// not display.
type ProgressReporter interface {
	// Print a one-off message.
	Notify(format string, args ...interface{})

	// Install a status-line template, or clear it when template is empty.
	Format(template string)

	// Update one value referenced by the current template.
	Update(key string, value interface{})

	// Set the total for a counter referenced by the current template.
	SetTotal(key string, n int64)
}
