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
	"bytes"
	"fmt"
	"math"
	"os"
	"syscall"
	"unsafe"

	dedup "github.com/VariousForks/bedup"
)

// Offsets inside struct btrfs_inode_item.
const (
	inodeItemGeneration = 0
	inodeItemSize       = 16
	inodeItemMode       = 52
	inodeItemLen        = 56 // we only need the fixed prefix
)

// Offset of the generation field inside struct btrfs_root_item: it
// follows the embedded 160-byte inode item.
const rootItemGeneration = 160

// TreeSearch searches the subvolume tree behind the volume handle. Tree
// ID zero resolves to the subvolume of the fd, which is exactly what the
// scanner wants.
func (Ops) TreeSearch(vol *dedup.Volume, p dedup.SearchParams) ([]dedup.TreeItem, error) {
	return treeSearch(vol.FD, 0, p)
}

func treeSearch(f *os.File, treeID uint64, p dedup.SearchParams) ([]dedup.TreeItem, error) {
	var args searchArgs
	k := &args.Key
	k.TreeID = treeID
	k.MinObjectID = p.MinKey.ObjectID
	k.MinType = p.MinKey.Type
	k.MinOffset = p.MinKey.Offset
	k.MaxObjectID = p.MaxKey.ObjectID
	k.MaxType = p.MaxKey.Type
	k.MaxOffset = p.MaxKey.Offset
	k.MinTransid = p.MinTransid
	k.MaxTransid = p.MaxTransid
	k.NrItems = uint32(p.NrItems)

	if err := ioctlTreeSearch(f, &args); err != nil {
		return nil, &os.SyscallError{Syscall: "tree_search", Err: err}
	}

	items := make([]dedup.TreeItem, 0, args.Key.NrItems)
	off := 0
	for i := uint32(0); i < args.Key.NrItems; i++ {
		if off+searchHeaderSize > len(args.Buf) {
			return nil, fmt.Errorf("tree_search: truncated header at %d", off)
		}
		hdr := args.Buf[off : off+searchHeaderSize]
		transid := le.Uint64(hdr[0:8])
		objectID := le.Uint64(hdr[8:16])
		offset := le.Uint64(hdr[16:24])
		typ := le.Uint32(hdr[24:28])
		payloadLen := int(le.Uint32(hdr[28:32]))
		off += searchHeaderSize
		if off+payloadLen > len(args.Buf) {
			return nil, fmt.Errorf("tree_search: truncated payload at %d", off)
		}
		payload := args.Buf[off : off+payloadLen]
		off += payloadLen

		item := dedup.TreeItem{
			Key: dedup.SearchKey{
				ObjectID: objectID,
				Type:     typ,
				Offset:   offset,
			},
			Transid: transid,
		}
		if typ == dedup.InodeItemKey && payloadLen >= inodeItemLen {
			item.Inode = &dedup.InodeItem{
				Generation: le.Uint64(payload[inodeItemGeneration:]),
				Size:       le.Uint64(payload[inodeItemSize:]),
				Mode:       le.Uint32(payload[inodeItemMode:]),
			}
		}
		items = append(items, item)
	}

	return items, nil
}

// RootGeneration returns the current generation of the subvolume's root
// item, read from the tree of tree roots.
func (Ops) RootGeneration(vol *dedup.Volume) (uint64, error) {
	rootID, err := treeIDOf(vol.FD)
	if err != nil {
		return 0, err
	}

	var args searchArgs
	k := &args.Key
	k.TreeID = rootTreeObjectID
	k.MinObjectID = rootID
	k.MinType = rootItemKey
	k.MaxObjectID = rootID
	k.MaxType = rootItemKey
	k.MaxOffset = math.MaxUint64
	k.MaxTransid = math.MaxUint64
	k.NrItems = 4096

	if err := ioctlTreeSearch(vol.FD, &args); err != nil {
		return 0, &os.SyscallError{Syscall: "tree_search", Err: err}
	}

	var generation uint64
	found := false
	off := 0
	for i := uint32(0); i < args.Key.NrItems; i++ {
		hdr := args.Buf[off : off+searchHeaderSize]
		typ := le.Uint32(hdr[24:28])
		payloadLen := int(le.Uint32(hdr[28:32]))
		off += searchHeaderSize
		payload := args.Buf[off : off+payloadLen]
		off += payloadLen

		if typ != rootItemKey || payloadLen < rootItemGeneration+8 {
			continue
		}
		if g := le.Uint64(payload[rootItemGeneration:]); !found || g > generation {
			generation = g
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no root item for tree %d", rootID)
	}
	return generation, nil
}

// Resolve the tree ID of the subvolume behind the handle.
func treeIDOf(f *os.File) (uint64, error) {
	args := inoLookupArgs{
		TreeID:   0,
		ObjectID: firstFreeObjectID,
	}
	if err := ioctlInoLookup(f, &args); err != nil {
		return 0, &os.SyscallError{Syscall: "ino_lookup", Err: err}
	}
	return args.TreeID, nil
}

// LookupInoPathOne resolves one volume-relative path for the inode. The
// returned error satisfies errors.Is(err, syscall.ENOENT) when the inode
// no longer exists.
func (Ops) LookupInoPathOne(vol *dedup.Volume, ino uint64) (string, error) {
	buf := make([]byte, 4096)
	args := inoPathArgs{
		Inum:   ino,
		Size:   uint64(len(buf)),
		Fspath: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if err := ioctlInoPaths(vol.FD, &args); err != nil {
		return "", &os.SyscallError{Syscall: "ino_paths", Err: err}
	}

	// The buffer holds a btrfs_data_container: four u32 counters, then
	// elem_cnt u64 offsets into the value area, then the paths.
	elemCnt := le.Uint32(buf[8:12])
	if elemCnt == 0 {
		return "", &os.SyscallError{Syscall: "ino_paths", Err: syscall.ENOENT}
	}

	const valOffset = 16
	strOff := valOffset + int(le.Uint64(buf[valOffset:valOffset+8]))
	if strOff >= len(buf) {
		return "", fmt.Errorf("ino_paths: path offset %d out of range", strOff)
	}
	end := bytes.IndexByte(buf[strOff:], 0)
	if end < 0 {
		return "", fmt.Errorf("ino_paths: unterminated path for inode %d", ino)
	}
	return string(buf[strOff : strOff+end]), nil
}
