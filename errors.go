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
	"errors"
	"syscall"
)

// ErrDigestCollision is returned when two files with matching
// cryptographic digests turn out to differ on byte comparison. This is a
// defect worth investigating, not a condition to fall through silently.
var ErrDigestCollision = errors.New("dedup: files with matching digests differ")

// The dispositions below classify per-file open and lookup errors. Each
// has a distinct remediation: stale rows are deleted, transient conditions
// are re-flagged for the next pass, anything else is fatal.

func isNotFound(err error) bool {
	return errors.Is(err, syscall.ENOENT)
}

func isTextBusy(err error) bool {
	return errors.Is(err, syscall.ETXTBSY)
}

func isAccessDenied(err error) bool {
	return errors.Is(err, syscall.EACCES)
}
