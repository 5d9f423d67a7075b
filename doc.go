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

// Package dedup implements offline deduplication of regular files on a
// copy-on-write volume that supports in-kernel extent sharing.
//
// The primary elements of interest are:
//
//   - The Scanner, which incrementally discovers candidate files from the
//     filesystem's internal tree and records them in a Catalog.
//
//   - The WindowedQuery, which streams groups of same-size candidates out
//     of the Catalog in descending size order without materializing them.
//
//   - The DedupPipeline, which narrows each group through a cascade of
//     progressively more expensive tests (cheap fingerprint, extent-map
//     fingerprint, cryptographic digest, byte comparison) before asking
//     the kernel to share extents.
//
// The package talks to the outside world through small interfaces: a
// Catalog for persistence, a VolumeOps for the kernel facilities of the
// underlying filesystem, a FingerprintFns for the two cheap hashes, and a
// ProgressReporter for user feedback. The catalog, btrfsvol and hashing
// packages supply production implementations; deduptesting supplies fakes.
package dedup
