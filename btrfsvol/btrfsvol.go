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

// Package btrfsvol implements dedup.VolumeOps against the btrfs kernel
// interface: tree search and inode-path resolution through the search
// ioctls, extent sharing through the dedupe-range and clone ioctls, and
// scoped immutability through the inode flags ioctls.
package btrfsvol

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	dedup "github.com/VariousForks/bedup"
)

// Ops implements dedup.VolumeOps for btrfs volumes. The zero value is
// ready to use.
type Ops struct{}

var _ dedup.VolumeOps = Ops{}

// OpenVolume opens the subvolume rooted at path and returns a Volume
// with its device number and enclosing-filesystem UUID filled in. The
// caller merges volumes sharing a UUID into one dedup.Filesystem and
// registers the volume with the catalog to obtain its ID and watermarks.
func OpenVolume(path string) (*dedup.Volume, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(fd.Fd()), &st); err != nil {
		fd.Close()
		return nil, &os.PathError{Op: "fstat", Path: path, Err: err}
	}

	uuid, err := filesystemUUID(fd)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("Reading filesystem UUID of %q: %w", path, err)
	}

	return &dedup.Volume{
		FD:   fd,
		Dev:  uint64(st.Dev),
		Desc: path,
		FS:   &dedup.Filesystem{UUID: uuid},
	}, nil
}

// OpenReadonly opens a volume-relative path read-only.
func (Ops) OpenReadonly(vol *dedup.Volume, path string) (*os.File, error) {
	return openat(vol, path, unix.O_RDONLY)
}

// OpenReadWrite opens a volume-relative path read-write.
func (Ops) OpenReadWrite(vol *dedup.Volume, path string) (*os.File, error) {
	return openat(vol, path, unix.O_RDWR)
}

func openat(vol *dedup.Volume, path string, flags int) (*os.File, error) {
	flags |= unix.O_CLOEXEC | unix.O_NOFOLLOW

	// Don't bump atimes on the files we read. O_NOATIME requires owning
	// the file; retry without it when the kernel objects.
	fd, err := unix.Openat(int(vol.FD.Fd()), path, flags|unix.O_NOATIME, 0)
	if err == unix.EPERM {
		fd, err = unix.Openat(int(vol.FD.Fd()), path, flags, 0)
	}
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Defragment defragments the file. The dedup pipeline never calls this:
// defragmentation can unshare extents and disable compression as a side
// effect.
func (Ops) Defragment(f *os.File) error {
	if err := ioctlDefrag(f); err != nil {
		return &os.PathError{Op: "defrag", Path: f.Name(), Err: err}
	}
	return nil
}

// CloneData shares src's extents into dst.
//
// With checkFirst set, files whose extent maps already coincide are left
// alone (returning false), and the sharing itself goes through the
// dedupe-range ioctl, which re-verifies byte equality inside the kernel
// and replaces extents atomically. Without checkFirst, the clone ioctl
// replaces dst's extents unconditionally.
func (Ops) CloneData(dst, src *os.File, checkFirst bool) (bool, error) {
	if !checkFirst {
		if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
			return false, &os.PathError{Op: "clone", Path: dst.Name(), Err: err}
		}
		return true, nil
	}

	same, err := sameExtents(dst, src)
	if err != nil {
		return false, err
	}
	if same {
		return false, nil
	}

	size, err := src.Seek(0, 2)
	if err != nil {
		return false, err
	}

	if err := dedupeRange(int(src.Fd()), int(dst.Fd()), uint64(size)); err != nil {
		return false, err
	}
	return true, nil
}

// Report whether two files map to the same physical extents.
func sameExtents(a, b *os.File) (bool, error) {
	ea, err := Fiemap(a)
	if err != nil {
		return false, err
	}
	eb, err := Fiemap(b)
	if err != nil {
		return false, err
	}
	if len(ea) != len(eb) {
		return false, nil
	}
	for i := range ea {
		if ea[i] != eb[i] {
			return false, nil
		}
	}
	return true, nil
}

// The kernel caps a single dedupe request; larger files go in chunks.
const dedupeChunk = 16 * 1024 * 1024

func dedupeRange(srcFd, dstFd int, size uint64) error {
	if size == 0 {
		return nil
	}
	off := uint64(0)
	for {
		length := size - off
		if length > dedupeChunk {
			length = dedupeChunk
		}

		arg := &unix.FileDedupeRange{
			Src_offset: off,
			Src_length: length,
			Info: []unix.FileDedupeRangeInfo{{
				Dest_fd:     int64(dstFd),
				Dest_offset: off,
			}},
		}
		if err := unix.IoctlFileDedupeRange(srcFd, arg); err != nil {
			return &os.SyscallError{Syscall: "dedupe_range", Err: err}
		}

		info := &arg.Info[0]
		if info.Status < 0 {
			return &os.SyscallError{
				Syscall: "dedupe_range",
				Err:     unix.Errno(-info.Status),
			}
		}
		if info.Status == unix.FILE_DEDUPE_RANGE_DIFFERS {
			// The pipeline byte-compares before sharing, so the contents
			// changed under us.
			return &os.SyscallError{Syscall: "dedupe_range", Err: unix.EBUSY}
		}

		off += length
		if off >= size {
			return nil
		}
	}
}
