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

package btrfsvol

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

const btrfsIoctlMagic = 0x94

// Well-known object and key-type constants of the btrfs trees.
const (
	// The tree of tree roots.
	rootTreeObjectID = 1

	// All regular files have objectids starting here.
	firstFreeObjectID = 256

	rootItemKey = 132
)

// struct btrfs_ioctl_search_key.
type searchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransid  uint64
	MaxTransid  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_           uint32
	_           [4]uint64
}

const searchBufSize = 4096 - unsafe.Sizeof(searchKey{})

// struct btrfs_ioctl_search_args.
type searchArgs struct {
	Key searchKey
	Buf [searchBufSize]byte
}

// struct btrfs_ioctl_search_header.
const searchHeaderSize = 32

// struct btrfs_ioctl_ino_lookup_args.
type inoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

// struct btrfs_ioctl_ino_path_args. Fspath points at a
// btrfs_data_container the kernel fills in.
type inoPathArgs struct {
	Inum   uint64
	Size   uint64
	_      [4]uint64
	Fspath uint64
}

// struct btrfs_ioctl_fs_info_args.
type fsInfoArgs struct {
	MaxID      uint64
	NumDevices uint64
	Fsid       [16]byte
	_          [992]byte
}

var (
	iocTreeSearch = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(searchArgs{}))
	iocInoLookup  = ioctl.IOWR(btrfsIoctlMagic, 18, unsafe.Sizeof(inoLookupArgs{}))
	iocFsInfo     = ioctl.IOR(btrfsIoctlMagic, 31, unsafe.Sizeof(fsInfoArgs{}))
	iocInoPaths   = ioctl.IOWR(btrfsIoctlMagic, 35, unsafe.Sizeof(inoPathArgs{}))

	// Takes a btrfs_ioctl_vol_args but accepts a NULL argument, which
	// means "defragment the file the fd names".
	iocDefrag = ioctl.IOW(btrfsIoctlMagic, 2, 4096)
)

var le = binary.LittleEndian

func ioctlTreeSearch(f *os.File, args *searchArgs) error {
	return ioctl.Ioctl(f, iocTreeSearch, uintptr(unsafe.Pointer(args)))
}

func ioctlInoLookup(f *os.File, args *inoLookupArgs) error {
	return ioctl.Ioctl(f, iocInoLookup, uintptr(unsafe.Pointer(args)))
}

func ioctlInoPaths(f *os.File, args *inoPathArgs) error {
	return ioctl.Ioctl(f, iocInoPaths, uintptr(unsafe.Pointer(args)))
}

func ioctlDefrag(f *os.File) error {
	return ioctl.Ioctl(f, iocDefrag, 0)
}

// Read the filesystem UUID behind the volume handle.
func filesystemUUID(f *os.File) (string, error) {
	var args fsInfoArgs
	if err := ioctl.Ioctl(f, iocFsInfo, uintptr(unsafe.Pointer(&args))); err != nil {
		return "", err
	}

	u := args.Fsid
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		u[0:4], u[4:6], u[6:8], u[8:10], u[10:16]), nil
}
