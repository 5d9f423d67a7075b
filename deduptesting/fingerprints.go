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

package deduptesting

import (
	"encoding/binary"
	"io"
	"os"

	dedup "github.com/VariousForks/bedup"
)

// Fingerprints implements dedup.FingerprintFns against a FakeOps: the
// mini hash samples real backing-file bytes, and the fiemap hash is
// computed from the fake's extent identities. MiniOverride forces a
// particular mini hash per inode number, for tests that need cheap
// fingerprint collisions between files with different content.
type Fingerprints struct {
	Ops *FakeOps

	MiniOverride map[uint64][]byte
}

var _ dedup.FingerprintFns = &Fingerprints{}

func (fp *Fingerprints) MiniHash(rec dedup.InodeRecord, f *os.File) ([]byte, error) {
	if sum, ok := fp.MiniOverride[rec.Ino]; ok {
		return sum, nil
	}

	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, int64(rec.Size/10*3))
	if err != nil && err != io.EOF {
		return nil, err
	}

	sum := make([]byte, 8+n)
	binary.LittleEndian.PutUint64(sum, rec.Size)
	copy(sum[8:], buf[:n])
	return sum, nil
}

func (fp *Fingerprints) FiemapHash(f *os.File) ([]byte, error) {
	file, err := fp.Ops.fileByBackingIdentity(f)
	if err != nil {
		return nil, err
	}

	sum := make([]byte, 8*len(file.Extents))
	for i, e := range file.Extents {
		binary.LittleEndian.PutUint64(sum[8*i:], e)
	}
	return sum, nil
}
