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

// Package hashing supplies the two cheap fingerprints of the dedup
// funnel: a small content sample hash and an extent-map hash. Neither is
// collision resistant; they only exist to prune candidate groups before
// whole-file hashing.
package hashing

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	dedup "github.com/VariousForks/bedup"
	"github.com/VariousForks/bedup/btrfsvol"
)

// How many bytes MiniHash samples.
const sampleSize = 4096

// Fns implements dedup.FingerprintFns. The zero value is ready to use.
type Fns struct{}

var _ dedup.FingerprintFns = Fns{}

// MiniHash hashes the recorded size and a small sample of the file's
// bytes, read at an offset derived from the size so that files padded
// with a common prefix still separate.
func (Fns) MiniHash(rec dedup.InodeRecord, f *os.File) ([]byte, error) {
	offset := int64(rec.Size / 10 * 3)

	buf := make([]byte, sampleSize)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}

	h := xxhash.New()
	var sizeField [8]byte
	binary.LittleEndian.PutUint64(sizeField[:], rec.Size)
	h.Write(sizeField[:])
	h.Write(buf[:n])

	return h.Sum(nil), nil
}

// FiemapHash hashes the file's extent map: the logical and physical
// position, length and flags of every extent. Files with equal extent
// maps are already sharing storage.
func (Fns) FiemapHash(f *os.File) ([]byte, error) {
	extents, err := btrfsvol.Fiemap(f)
	if err != nil {
		return nil, err
	}

	h := xxhash.New()
	var field [8]byte
	for _, e := range extents {
		binary.LittleEndian.PutUint64(field[:], e.Logical)
		h.Write(field[:])
		binary.LittleEndian.PutUint64(field[:], e.Physical)
		h.Write(field[:])
		binary.LittleEndian.PutUint64(field[:], e.Length)
		h.Write(field[:])
		binary.LittleEndian.PutUint64(field[:], uint64(e.Flags))
		h.Write(field[:])
	}

	return h.Sum(nil), nil
}
