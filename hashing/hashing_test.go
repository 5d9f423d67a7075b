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

package hashing_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	dedup "github.com/VariousForks/bedup"
	"github.com/VariousForks/bedup/hashing"
)

func openTemp(t *testing.T, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
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

func miniHash(t *testing.T, content []byte) []byte {
	t.Helper()
	f := openTemp(t, content)
	rec := dedup.InodeRecord{Ino: 1, Size: uint64(len(content))}
	sum, err := hashing.Fns{}.MiniHash(rec, f)
	if err != nil {
		t.Fatalf("MiniHash: %v", err)
	}
	return sum
}

func TestMiniHashIsDeterministic(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 5000)
	if !bytes.Equal(miniHash(t, content), miniHash(t, content)) {
		t.Error("same content hashed differently")
	}
}

func TestMiniHashSeesSampledBytes(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 5000)

	// Flip one byte inside the sampled window (it starts at 30% of the
	// file size).
	changed := append([]byte(nil), content...)
	changed[len(content)/10*3+100] ^= 1

	if bytes.Equal(miniHash(t, content), miniHash(t, changed)) {
		t.Error("change inside the sample window not reflected")
	}
}

func TestMiniHashSeesSize(t *testing.T) {
	// Same sampled window, different size: the hash covers the size too.
	content := bytes.Repeat([]byte{'q'}, 1000)
	longer := bytes.Repeat([]byte{'q'}, 1010)

	if bytes.Equal(miniHash(t, content), miniHash(t, longer)) {
		t.Error("size not reflected in the hash")
	}
}

func TestMiniHashOfShortFile(t *testing.T) {
	// The sample window extends past EOF; the hash must still work.
	sum := miniHash(t, []byte("tiny"))
	if len(sum) == 0 {
		t.Error("empty hash")
	}
}
