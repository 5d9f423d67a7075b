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
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"log"
	"os"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/VariousForks/bedup/internal/fdlimit"
)

// Buffer size for hashing and byte comparison.
const compareBufSize = 8192

// File descriptors reserved outside per-group opens: stdio, database
// handles (WAL mode), one that somehow doesn't get closed, plus one per
// volume.
const ofileReservedBase = 7

// DedupPipeline turns a stream of same-size candidate groups into kernel
// share operations, narrowing each group through a funnel of increasingly
// expensive tests so that whole-file hashing and byte comparison run on
// as few files as possible.
type DedupPipeline struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	Catalog      Catalog
	Ops          VolumeOps
	Fingerprints FingerprintFns
	Progress     ProgressReporter
	Clock        timeutil.Clock

	// May be nil.
	ErrorLogger *log.Logger
	DebugLogger *log.Logger

	// Window size for the catalog query; zero selects the default.
	WindowSize int
}

// An open candidate file, carried between funnel stages.
type openFile struct {
	f    *os.File
	rec  InodeRecord
	path string
}

// DedupVolumeSet runs one full dedup pass over the given volumes, which
// must all belong to the same filesystem.
func (p *DedupPipeline) DedupVolumeSet(vols []*Volume) error {
	if len(vols) == 0 {
		panic("DedupVolumeSet called with empty volume set")
	}
	fs := vols[0].FS
	for _, vol := range vols {
		if vol.FS != fs {
			panic(fmt.Sprintf(
				"Volume %q does not belong to filesystem %q", vol.Desc, fs.UUID))
		}
	}

	ofileReserved := ofileReservedBase + len(vols)

	query := NewWindowedQuery(p.Catalog, vols, p.WindowSize, p.ErrorLogger)

	n, err := query.Count()
	if err != nil {
		return fmt.Errorf("Count: %w", err)
	}

	if n > 0 {
		p.Progress.Format("{elapsed} Size group {comm1:counter}/{comm1:total}")
		p.Progress.SetTotal("comm1", n)
		if err := p.run(query, fs, ofileReserved); err != nil {
			query.Close()
			return err
		}
		if err := query.Err(); err != nil {
			query.Close()
			return err
		}
	}

	// Restore full durability before the terminal commit.
	if err := query.Close(); err != nil {
		return err
	}
	if err := p.Catalog.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

// The dedup loop proper.
func (p *DedupPipeline) run(
	query *WindowedQuery,
	fs *Filesystem,
	ofileReserved int) error {
	var spaceGain1, spaceGain2, spaceGain3 uint64

	ofileSoft, ofileHard, err := fdlimit.Get()
	if err != nil {
		return fmt.Errorf("fdlimit.Get: %w", err)
	}

	groupIndex := int64(0)
	for query.Next() {
		group := query.Group()
		groupIndex++
		p.Progress.Update("comm1", groupIndex)

		size := group.Size
		spaceGain1 += size * uint64(len(group.Inodes)-1)
		p.debugf("group %d: %d inodes of size %d", groupIndex, len(group.Inodes), size)

		// Stage 2: partition by cheap content fingerprint.
		partitions, err := p.partitionByMiniHash(group)
		if err != nil {
			return err
		}

		for _, inodes := range partitions {
			if len(inodes) < 2 {
				continue
			}
			spaceGain2 += size * uint64(len(inodes)-1)

			// Stage 3: files whose extent maps all collide are already
			// sharing storage.
			distinct, err := p.countDistinctExtentMaps(inodes)
			if err != nil {
				return err
			}
			if distinct < 2 {
				continue
			}
			spaceGain3 += size * uint64(len(inodes)-1)

			// Check the open-files budget before stage 4 opens everything.
			ofileReq := 2*len(inodes) + ofileReserved
			if ofileReq > ofileSoft {
				if ofileReq <= ofileHard {
					if err := fdlimit.RaiseSoft(ofileReq); err != nil {
						return fmt.Errorf("fdlimit.RaiseSoft: %w", err)
					}
					ofileSoft = ofileReq
				} else {
					p.Progress.Notify(
						"Too many duplicates (%d at size %d), would bring us "+
							"over the open files limit (%d, %d).",
						len(inodes), size, ofileSoft, ofileHard)
					for _, rec := range inodes {
						if rec.HasUpdates {
							query.Skip(rec)
						}
					}
					continue
				}
			}

			// Stages 4-6.
			if err := p.dedupPartition(query, fs, size, inodes); err != nil {
				return err
			}
		}
	}

	p.Progress.Format("")
	p.Progress.Notify(
		"Potential space gain: pass 1 %d, pass 2 %d, pass 3 %d",
		spaceGain1, spaceGain2, spaceGain3)
	return nil
}

// Stage 2: open each candidate read-only and partition by the cheap
// content fingerprint. Stale rows (path lookup says not found) are
// deleted. Partitions preserve first-appearance order so processing stays
// deterministic.
func (p *DedupPipeline) partitionByMiniHash(
	group CommonalityGroup) ([][]InodeRecord, error) {
	byHash := make(map[string][]InodeRecord)
	var order []string

	for _, rec := range group.Inodes {
		path, err := p.Ops.LookupInoPathOne(rec.Vol, rec.Ino)
		if err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("LookupInoPathOne: %w", err)
			}
			// Stale record for a removed inode.
			if err := p.Catalog.DeleteInode(rec.VolID, rec.Ino); err != nil {
				return nil, fmt.Errorf("DeleteInode: %w", err)
			}
			continue
		}

		f, err := p.Ops.OpenReadonly(rec.Vol, path)
		if err != nil {
			return nil, fmt.Errorf("OpenReadonly %q: %w", path, err)
		}
		sum, err := p.Fingerprints.MiniHash(rec, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("MiniHash %q: %w", path, err)
		}

		key := string(sum)
		if _, ok := byHash[key]; !ok {
			order = append(order, key)
		}
		byHash[key] = append(byHash[key], rec)
	}

	partitions := make([][]InodeRecord, 0, len(order))
	for _, key := range order {
		partitions = append(partitions, byHash[key])
	}
	return partitions, nil
}

// Stage 3: count distinct extent-map fingerprints within a partition.
func (p *DedupPipeline) countDistinctExtentMaps(
	inodes []InodeRecord) (int, error) {
	fies := make(map[string]struct{})

	for _, rec := range inodes {
		path, err := p.Ops.LookupInoPathOne(rec.Vol, rec.Ino)
		if err != nil {
			if !isNotFound(err) {
				return 0, fmt.Errorf("LookupInoPathOne: %w", err)
			}
			if err := p.Catalog.DeleteInode(rec.VolID, rec.Ino); err != nil {
				return 0, fmt.Errorf("DeleteInode: %w", err)
			}
			continue
		}

		f, err := p.Ops.OpenReadonly(rec.Vol, path)
		if err != nil {
			return 0, fmt.Errorf("OpenReadonly %q: %w", path, err)
		}
		sum, err := p.Fingerprints.FiemapHash(f)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("FiemapHash %q: %w", path, err)
		}

		fies[string(sum)] = struct{}{}
	}

	return len(fies), nil
}

// Stages 4-6 for one surviving partition: open read-write with error
// triage, acquire scoped immutability, hash, recheck identity, byte
// compare and share.
func (p *DedupPipeline) dedupPartition(
	query *WindowedQuery,
	fs *Filesystem,
	size uint64,
	inodes []InodeRecord) error {
	// Stage 4: open everything read-write. We can't pick a source side
	// yet; the digest stage may eliminate any of them.
	var files []openFile
	defer func() {
		for _, of := range files {
			of.f.Close()
		}
	}()

	for _, rec := range inodes {
		path, err := p.Ops.LookupInoPathOne(rec.Vol, rec.Ino)
		if err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("LookupInoPathOne: %w", err)
			}
			if err := p.Catalog.DeleteInode(rec.VolID, rec.Ino); err != nil {
				return fmt.Errorf("DeleteInode: %w", err)
			}
			continue
		}

		f, err := p.Ops.OpenReadWrite(rec.Vol, path)
		if err != nil {
			switch {
			case isTextBusy(err):
				// The file contains the image of a running process.
				p.Progress.Notify("File %q is busy, skipping", path)
				query.Skip(rec)
			case isAccessDenied(err):
				// Could be SELinux or immutability.
				p.Progress.Notify("Access denied on %q, skipping", path)
				query.Skip(rec)
			case isNotFound(err):
				// Moved or unlinked by a racing process.
				p.Progress.Notify("File %q may have moved, skipping", path)
				query.Skip(rec)
			default:
				return fmt.Errorf("OpenReadWrite %q: %w", path, err)
			}
			continue
		}

		// It's not completely guaranteed we have the right inode; there
		// may still be races at this point. Rechecked after hashing.
		files = append(files, openFile{f: f, rec: rec, path: path})
	}

	if len(files) == 0 {
		return nil
	}

	fds := make([]*os.File, len(files))
	for i, of := range files {
		fds[i] = of.f
	}
	immutable, err := p.Ops.ImmutableFds(fds)
	if err != nil {
		return fmt.Errorf("ImmutableFds: %w", err)
	}
	defer immutable.Release()

	// Stage 5: whole-file digest with identity and size rechecks.
	byDigest := make(map[string][]openFile)
	var order []string

	buf := make([]byte, compareBufSize)
	for _, of := range files {
		if immutable.WriteBusy(of.f) {
			p.Progress.Notify("File %q is in use, skipping", of.path)
			query.Skip(of.rec)
			continue
		}

		digest, n, err := digestFile(of.f, buf)
		if err != nil {
			return fmt.Errorf("Hashing %q: %w", of.path, err)
		}

		// Gets rid of a replacement race: the descriptor must still name
		// the inode and device the catalog row was made for.
		var st unix.Stat_t
		if err := unix.Fstat(int(of.f.Fd()), &st); err != nil {
			return fmt.Errorf("Fstat %q: %w", of.path, err)
		}
		if st.Ino != of.rec.Ino || uint64(st.Dev) != of.rec.Vol.Dev {
			query.Skip(of.rec)
			continue
		}

		if n != size {
			if n < of.rec.Vol.SizeCutoff {
				// Left in place, this row would cause spurious commonality
				// groups in every future invocation.
				if err := p.Catalog.DeleteInode(of.rec.VolID, of.rec.Ino); err != nil {
					return fmt.Errorf("DeleteInode: %w", err)
				}
			} else {
				query.Skip(of.rec)
			}
			continue
		}

		key := string(digest)
		if _, ok := byDigest[key]; !ok {
			order = append(order, key)
		}
		byDigest[key] = append(byDigest[key], of)
	}

	// Stage 6: byte comparison and share, per digest partition.
	for _, key := range order {
		fileset := byDigest[key]
		if len(fileset) < 2 {
			continue
		}
		if err := p.shareFileset(fs, size, fileset); err != nil {
			return err
		}
	}

	return nil
}

// Elect the first file as source and clone it over the rest, verifying
// byte equality first. Records a dedup event when at least one clone
// succeeded.
func (p *DedupPipeline) shareFileset(
	fs *Filesystem,
	size uint64,
	fileset []openFile) error {
	source := fileset[0]
	var successful []openFile

	buf1 := make([]byte, compareBufSize)
	buf2 := make([]byte, compareBufSize)
	for _, dest := range fileset[1:] {
		equal, err := compareFiles(source.f, dest.f, buf1, buf2)
		if err != nil {
			return fmt.Errorf("Comparing %q and %q: %w", source.path, dest.path, err)
		}
		if !equal {
			// We just used a cryptographic hash; this warrants
			// investigation, not silent fallthrough.
			p.Progress.Notify("Files differ: %q %q", source.path, dest.path)
			return fmt.Errorf("%w: %q %q", ErrDigestCollision, source.path, dest.path)
		}

		shared, err := p.Ops.CloneData(dest.f, source.f, true)
		if err != nil {
			return fmt.Errorf("CloneData %q <- %q: %w", dest.path, source.path, err)
		}
		if shared {
			p.Progress.Notify("Deduplicated: %q %q", source.path, dest.path)
			successful = append(successful, dest)
		} else {
			p.Progress.Notify(
				"Did not deduplicate (same extents): %q %q", source.path, dest.path)
		}
	}

	if len(successful) == 0 {
		return nil
	}

	participants := make([]EventInode, 0, 1+len(successful))
	participants = append(participants, EventInode{
		VolID: source.rec.VolID, Ino: source.rec.Ino})
	for _, of := range successful {
		participants = append(participants, EventInode{
			VolID: of.rec.VolID, Ino: of.rec.Ino})
	}

	if err := p.Catalog.AppendEvent(fs.UUID, size, p.Clock.Now(), participants); err != nil {
		return fmt.Errorf("AppendEvent: %w", err)
	}
	if err := p.Catalog.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (p *DedupPipeline) debugf(format string, v ...interface{}) {
	if p.DebugLogger != nil {
		p.DebugLogger.Printf(format, v...)
	}
}

// Hash the whole file from the beginning, returning the digest and the
// number of bytes read.
func digestFile(f *os.File, buf []byte) ([]byte, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var h hash.Hash = sha1.New()
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), uint64(n), nil
}

// Byte-compare two files in full.
func compareFiles(a, b *os.File, buf1, buf2 []byte) (bool, error) {
	if _, err := a.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		return false, err
	}

	for {
		n1, err1 := io.ReadFull(a, buf1)
		n2, err2 := io.ReadFull(b, buf2)
		if !bytes.Equal(buf1[:n1], buf2[:n2]) {
			return false, nil
		}
		atEOF1 := err1 == io.EOF || err1 == io.ErrUnexpectedEOF
		atEOF2 := err2 == io.EOF || err2 == io.ErrUnexpectedEOF
		if atEOF1 || atEOF2 {
			return atEOF1 && atEOF2 && n1 == n2, nil
		}
		if err1 != nil {
			return false, err1
		}
		if err2 != nil {
			return false, err2
		}
	}
}
