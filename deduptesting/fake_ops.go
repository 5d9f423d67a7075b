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

// Package deduptesting provides fakes for testing the dedup pipeline
// without a btrfs filesystem: a VolumeOps over real temp files with
// simulated generations and extent identities, fingerprint functions
// driven by the fake's data, and a recording ProgressReporter.
package deduptesting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"

	dedup "github.com/VariousForks/bedup"
)

// FakeFile is one file of a fake volume. Its inode number is the real
// inode number of the backing temp file, so the pipeline's fstat-based
// identity recheck behaves as it would on a real volume.
type FakeFile struct {
	Ino  uint64
	Gen  uint64
	Size uint64
	Mode uint32
	Path string

	// Extent identities; files sharing storage have equal slices.
	Extents []uint64

	// Simulated conditions.
	WriteBusy bool
	OpenRWErr error // returned by OpenReadWrite when non-nil
	LookupErr error // returned by LookupInoPathOne when non-nil

	backing string
}

// Backing returns the absolute path of the backing temp file, for tests
// that want to mutate it behind the pipeline's back.
func (f *FakeFile) Backing() string {
	return f.backing
}

// FakeVolume is the per-volume state of a FakeOps.
type FakeVolume struct {
	TopGeneration uint64

	files map[uint64]*FakeFile
}

// FakeOps implements dedup.VolumeOps over a directory of temp files.
type FakeOps struct {
	// The directory backing files are created under.
	Dir string

	// The number of CloneData calls that actually shared extents.
	CloneCalls int

	// Whether the last ImmutableFds acquisition was released.
	Released bool

	mu syncutil.InvariantMutex

	// INVARIANT: For each volume, files[k].Ino == k for all keys k.
	// INVARIANT: Every registered file has at least one extent identity.
	vols map[*dedup.Volume]*FakeVolume // GUARDED_BY(mu)

	nextExtentID uint64 // GUARDED_BY(mu)
}

var _ dedup.VolumeOps = &FakeOps{}

// NewFakeOps creates a FakeOps rooted at dir, which must exist.
func NewFakeOps(dir string) *FakeOps {
	o := &FakeOps{
		Dir:          dir,
		vols:         make(map[*dedup.Volume]*FakeVolume),
		nextExtentID: 1,
	}
	o.mu = syncutil.NewInvariantMutex(o.checkInvariants)
	return o
}

func (o *FakeOps) checkInvariants() {
	for _, fv := range o.vols {
		for ino, f := range fv.files {
			if f.Ino != ino {
				panic(fmt.Sprintf("file keyed %d has ino %d", ino, f.Ino))
			}
			if len(f.Extents) == 0 {
				panic(fmt.Sprintf("file %d has no extents", ino))
			}
		}
	}
}

// AddVolume registers a volume with the fake and fills in vol.Dev from
// the backing directory, so identity checks line up.
func (o *FakeOps) AddVolume(vol *dedup.Volume) (*FakeVolume, error) {
	var st unix.Stat_t
	if err := unix.Stat(o.Dir, &st); err != nil {
		return nil, err
	}
	vol.Dev = uint64(st.Dev)

	o.mu.Lock()
	defer o.mu.Unlock()
	fv := &FakeVolume{files: make(map[uint64]*FakeFile)}
	o.vols[vol] = fv
	return fv, nil
}

// AddFile creates a backing file with the given content and registers it
// on the volume at generation gen, with a fresh extent identity of its
// own. Returns the fake file, whose Ino is the backing file's real inode
// number.
func (o *FakeOps) AddFile(
	vol *dedup.Volume,
	path string,
	content []byte,
	gen uint64) (*FakeFile, error) {
	o.mu.RLock()
	fv, ok := o.vols[vol]
	nfiles := 0
	if ok {
		nfiles = len(fv.files)
	}
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown volume %q", vol.Desc)
	}

	backing := filepath.Join(o.Dir, fmt.Sprintf("backing-%d-%s", nfiles, filepath.Base(path)))
	if err := os.WriteFile(backing, content, 0644); err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Stat(backing, &st); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f := &FakeFile{
		Ino:     st.Ino,
		Gen:     gen,
		Size:    uint64(len(content)),
		Mode:    unix.S_IFREG | 0644,
		Path:    path,
		Extents: []uint64{o.nextExtentID},
		backing: backing,
	}
	o.nextExtentID++

	fv.files[f.Ino] = f
	if gen > fv.TopGeneration {
		fv.TopGeneration = gen
	}
	return f, nil
}

// Remove unregisters a file from its volume, simulating deletion: path
// lookups start failing with ENOENT. The backing file is kept so open
// descriptors stay readable.
func (o *FakeOps) Remove(vol *dedup.Volume, f *FakeFile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.vols[vol].files, f.Ino)
}

func (o *FakeOps) volume(vol *dedup.Volume) *FakeVolume {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fv, ok := o.vols[vol]
	if !ok {
		panic(fmt.Sprintf("unknown volume %q", vol.Desc))
	}
	return fv
}

func (o *FakeOps) fileByBackingIdentity(f *os.File) (*FakeFile, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, fv := range o.vols {
		if file, ok := fv.files[st.Ino]; ok {
			return file, nil
		}
	}
	return nil, fmt.Errorf("no fake file for inode %d", st.Ino)
}

////////////////////////////////////////////////////////////////////////
// VolumeOps
////////////////////////////////////////////////////////////////////////

func (o *FakeOps) RootGeneration(vol *dedup.Volume) (uint64, error) {
	return o.volume(vol).TopGeneration, nil
}

func (o *FakeOps) TreeSearch(
	vol *dedup.Volume,
	p dedup.SearchParams) ([]dedup.TreeItem, error) {
	fv := o.volume(vol)

	inos := make([]uint64, 0, len(fv.files))
	for ino := range fv.files {
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })

	var items []dedup.TreeItem
	for _, ino := range inos {
		f := fv.files[ino]
		key := dedup.SearchKey{ObjectID: ino, Type: dedup.InodeItemKey}
		if !keyAtLeast(key, p.MinKey) {
			continue
		}
		if f.Gen < p.MinTransid || f.Gen > p.MaxTransid {
			continue
		}
		items = append(items, dedup.TreeItem{
			Key:     key,
			Transid: f.Gen,
			Inode: &dedup.InodeItem{
				Generation: f.Gen,
				Size:       f.Size,
				Mode:       f.Mode,
			},
		})
		if len(items) >= p.NrItems {
			break
		}
	}
	return items, nil
}

func keyAtLeast(k, min dedup.SearchKey) bool {
	if k.ObjectID != min.ObjectID {
		return k.ObjectID > min.ObjectID
	}
	if k.Type != min.Type {
		return k.Type > min.Type
	}
	return k.Offset >= min.Offset
}

func (o *FakeOps) LookupInoPathOne(vol *dedup.Volume, ino uint64) (string, error) {
	f, ok := o.volume(vol).files[ino]
	if !ok {
		return "", &os.SyscallError{Syscall: "ino_paths", Err: syscall.ENOENT}
	}
	if f.LookupErr != nil {
		return "", &os.SyscallError{Syscall: "ino_paths", Err: f.LookupErr}
	}
	return f.Path, nil
}

func (o *FakeOps) openByPath(vol *dedup.Volume, path string, flags int) (*os.File, error) {
	for _, f := range o.volume(vol).files {
		if f.Path == path {
			fd, err := os.OpenFile(f.backing, flags, 0)
			if err != nil {
				return nil, err
			}
			return fd, nil
		}
	}
	return nil, &os.PathError{Op: "openat", Path: path, Err: syscall.ENOENT}
}

func (o *FakeOps) OpenReadonly(vol *dedup.Volume, path string) (*os.File, error) {
	return o.openByPath(vol, path, os.O_RDONLY)
}

func (o *FakeOps) OpenReadWrite(vol *dedup.Volume, path string) (*os.File, error) {
	for _, f := range o.volume(vol).files {
		if f.Path == path && f.OpenRWErr != nil {
			return nil, &os.PathError{Op: "openat", Path: path, Err: f.OpenRWErr}
		}
	}
	return o.openByPath(vol, path, os.O_RDWR)
}

func (o *FakeOps) CloneData(dst, src *os.File, checkFirst bool) (bool, error) {
	srcFile, err := o.fileByBackingIdentity(src)
	if err != nil {
		return false, err
	}
	dstFile, err := o.fileByBackingIdentity(dst)
	if err != nil {
		return false, err
	}

	if checkFirst {
		srcContent, err := os.ReadFile(srcFile.backing)
		if err != nil {
			return false, err
		}
		dstContent, err := os.ReadFile(dstFile.backing)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(srcContent, dstContent) {
			return false, &os.SyscallError{Syscall: "dedupe_range", Err: syscall.EBUSY}
		}
		if extentsEqual(srcFile.Extents, dstFile.Extents) {
			return false, nil
		}
	}

	dstFile.Extents = append([]uint64(nil), srcFile.Extents...)
	o.CloneCalls++
	return true, nil
}

func extentsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (o *FakeOps) Defragment(f *os.File) error {
	return nil
}

func (o *FakeOps) ImmutableFds(files []*os.File) (dedup.ImmutableSet, error) {
	s := &fakeImmutableSet{ops: o, writeBusy: make(map[int]bool)}
	for _, f := range files {
		file, err := o.fileByBackingIdentity(f)
		if err != nil {
			// A file replaced behind our back has no fake entry; it simply
			// isn't write-busy.
			continue
		}
		if file.WriteBusy {
			s.writeBusy[int(f.Fd())] = true
		}
	}
	o.Released = false
	return s, nil
}

type fakeImmutableSet struct {
	ops       *FakeOps
	writeBusy map[int]bool
}

func (s *fakeImmutableSet) WriteBusy(f *os.File) bool {
	return s.writeBusy[int(f.Fd())]
}

func (s *fakeImmutableSet) Release() {
	s.ops.Released = true
}
