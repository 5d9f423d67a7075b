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
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name string, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestDigestFile(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 3000) // spans several buffers
	f := writeTemp(t, "f", content)

	// The descriptor position must not matter.
	if _, err := f.Seek(100, 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, compareBufSize)
	digest, n, err := digestFile(f, buf)
	if err != nil {
		t.Fatalf("digestFile: %v", err)
	}
	if n != uint64(len(content)) {
		t.Errorf("read %d bytes, want %d", n, len(content))
	}

	want := sha1.Sum(content)
	if !bytes.Equal(digest, want[:]) {
		t.Errorf("digest mismatch")
	}
}

func TestCompareFiles(t *testing.T) {
	base := bytes.Repeat([]byte{'z'}, 3*compareBufSize+17)

	changedTail := append([]byte(nil), base...)
	changedTail[len(changedTail)-1] ^= 1

	cases := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"Equal", base, append([]byte(nil), base...), true},
		{"LastByteDiffers", base, changedTail, false},
		{"Shorter", base, base[:len(base)-1], false},
		{"Empty", nil, nil, true},
		{"EmptyVsNot", nil, []byte{1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fa := writeTemp(t, "a", tc.a)
			fb := writeTemp(t, "b", tc.b)

			buf1 := make([]byte, compareBufSize)
			buf2 := make([]byte, compareBufSize)
			got, err := compareFiles(fa, fb, buf1, buf2)
			if err != nil {
				t.Fatalf("compareFiles: %v", err)
			}
			if got != tc.want {
				t.Errorf("compareFiles = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCompareFilesRewinds(t *testing.T) {
	content := []byte("same content")
	fa := writeTemp(t, "a", content)
	fb := writeTemp(t, "b", content)

	// Positions left over from hashing must not affect the comparison.
	if _, err := fa.Seek(0, 2); err != nil {
		t.Fatal(err)
	}

	buf1 := make([]byte, compareBufSize)
	buf2 := make([]byte, compareBufSize)
	got, err := compareFiles(fa, fb, buf1, buf2)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("files compare unequal after seek")
	}
}
