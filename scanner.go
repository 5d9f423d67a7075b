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
	"math"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// How many items to request from the tree-search primitive per call.
const scanBatchSize = 4096

// Scanner incrementally updates the catalog from the filesystem's
// internal tree, without walking the directory hierarchy. Files are
// identified by the generation counter the filesystem bumps on every
// committed transaction: items newer than the volume's watermark are the
// only ones that can have changed since the last scan.
type Scanner struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	Catalog  Catalog
	Ops      VolumeOps
	Progress ProgressReporter
}

// Scan brings the catalog up to date for one volume: it inserts or
// refreshes an inode row for every regular file of at least
// vol.SizeCutoff bytes whose generation exceeds the volume's watermark,
// then advances the watermark to the top generation observed at entry.
//
// Tree-search I/O errors are fatal to the scan. Per-inode path lookup
// errors are local: the offending row is dropped and the scan continues.
func (s *Scanner) Scan(vol *Volume) error {
	topGeneration, err := s.Ops.RootGeneration(vol)
	if err != nil {
		return fmt.Errorf("RootGeneration: %w", err)
	}

	// A larger-or-equal cutoff means every prior candidate is still a
	// candidate; only newer generations add work. A shrunken cutoff forces
	// a rescan of all generations.
	var minGeneration uint64
	if vol.LastTrackedCutoffSet && vol.LastTrackedSizeCutoff <= vol.SizeCutoff {
		minGeneration = vol.LastTrackedGeneration + 1
	}

	if minGeneration > topGeneration {
		s.Progress.Notify(
			"Skipping scan of %q, generation is still %d",
			vol.Desc, topGeneration)
		return s.Catalog.Commit()
	}

	s.Progress.Notify(
		"Scanning volume %q generations from %d to %d, with size cutoff %d",
		vol.Desc, minGeneration, topGeneration, vol.SizeCutoff)
	s.Progress.Format("{elapsed} Updated {desc:counter} items: {path} {desc}")

	params := SearchParams{
		// The search iterates tuple order from MinKey; min criteria are
		// modified by the kernel during traversal, they are not an
		// intersection of ranges. Capping MaxKey.Type at the inode item
		// type trims some, but not all, irrelevant item types.
		MaxKey: SearchKey{
			ObjectID: math.MaxUint64,
			Type:     InodeItemKey,
			Offset:   math.MaxUint64,
		},
		MinTransid: minGeneration,
		MaxTransid: math.MaxUint64,
		NrItems:    scanBatchSize,
	}

	for {
		items, err := s.Ops.TreeSearch(vol, params)
		if err != nil {
			return fmt.Errorf("TreeSearch: %w", err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			// The search grabs item types we don't care about.
			if item.Inode == nil {
				continue
			}
			if err := s.scanItem(vol, item); err != nil {
				return err
			}
		}

		// Advance the iterator past the last key seen.
		last := items[len(items)-1]
		params.MinKey = last.Key
		params.MinKey.Offset++
	}

	s.Progress.Format("")

	vol.LastTrackedGeneration = topGeneration
	vol.LastTrackedSizeCutoff = vol.SizeCutoff
	vol.LastTrackedCutoffSet = true
	if err := s.Catalog.SaveVolume(vol); err != nil {
		return fmt.Errorf("SaveVolume: %w", err)
	}

	return s.Catalog.Commit()
}

// Process one inode item from a tree-search batch.
func (s *Scanner) scanItem(vol *Volume, item TreeItem) error {
	size := item.Inode.Size
	if size < vol.SizeCutoff {
		return nil
	}

	// Secondary generation filter: files already covered by the previous
	// scan at a cutoff they met then must not be re-enqueued.
	inodeGen := item.Inode.Generation
	if vol.LastTrackedCutoffSet && size >= vol.LastTrackedSizeCutoff {
		if inodeGen <= vol.LastTrackedGeneration {
			return nil
		}
	} else {
		var minGeneration uint64
		if vol.LastTrackedCutoffSet && vol.LastTrackedSizeCutoff <= vol.SizeCutoff {
			minGeneration = vol.LastTrackedGeneration + 1
		}
		if inodeGen < minGeneration {
			return nil
		}
	}

	if item.Inode.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil
	}

	ino := item.Key.ObjectID
	path, err := s.Ops.LookupInoPathOne(vol, ino)
	if err != nil {
		s.Progress.Notify("Error at path lookup of inode %d: %v", ino, err)
		if delErr := s.Catalog.DeleteInode(vol.ID, ino); delErr != nil {
			return fmt.Errorf("DeleteInode: %w", delErr)
		}
		return nil
	}

	// Paths that don't survive the filesystem encoding are skipped rather
	// than recorded.
	if !utf8.ValidString(path) {
		return nil
	}

	if err := s.Catalog.UpsertInode(vol.ID, ino, size, true); err != nil {
		return fmt.Errorf("UpsertInode: %w", err)
	}

	s.Progress.Update("path", path)
	s.Progress.Update("desc", fmt.Sprintf(
		"(ino %d outer gen %d inner gen %d size %d)",
		ino, item.Transid, inodeGen, size))
	return nil
}
