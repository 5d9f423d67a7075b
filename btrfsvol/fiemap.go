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
	"math"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// Extent is one entry of a file's extent map.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Flags    uint32
}

const (
	fiemapExtentLast = 0x1

	fiemapHeaderSize = 32
	fiemapExtentSize = 56

	// Extents fetched per ioctl call.
	fiemapBatch = 128
)

var iocFiemap = ioctl.IOWR('f', 11,
	uintptr(fiemapHeaderSize))

// Fiemap returns the file's extent map.
func Fiemap(f *os.File) ([]Extent, error) {
	buf := make([]byte, fiemapHeaderSize+fiemapBatch*fiemapExtentSize)

	var extents []Extent
	start := uint64(0)
	for {
		for i := range buf {
			buf[i] = 0
		}
		le.PutUint64(buf[0:8], start)                   // fm_start
		le.PutUint64(buf[8:16], math.MaxUint64-start)   // fm_length
		le.PutUint32(buf[16:20], 0)                     // fm_flags
		le.PutUint32(buf[24:28], uint32(fiemapBatch))   // fm_extent_count

		err := ioctl.Ioctl(f, iocFiemap, uintptr(unsafe.Pointer(&buf[0])))
		if err != nil {
			return nil, &os.PathError{Op: "fiemap", Path: f.Name(), Err: err}
		}

		mapped := le.Uint32(buf[20:24])
		if mapped == 0 {
			return extents, nil
		}

		last := false
		for i := uint32(0); i < mapped; i++ {
			e := buf[fiemapHeaderSize+int(i)*fiemapExtentSize:]
			ext := Extent{
				Logical:  le.Uint64(e[0:8]),
				Physical: le.Uint64(e[8:16]),
				Length:   le.Uint64(e[16:24]),
				Flags:    le.Uint32(e[40:44]),
			}
			extents = append(extents, ext)
			if ext.Flags&fiemapExtentLast != 0 {
				last = true
			}
			start = ext.Logical + ext.Length
		}
		if last {
			return extents, nil
		}
	}
}
