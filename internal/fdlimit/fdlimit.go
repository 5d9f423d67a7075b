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

// Package fdlimit reads and raises the process-wide open-files resource
// limit. The dedup pipeline budgets descriptors per candidate group and
// raises the soft limit toward the hard limit when a group needs more.
package fdlimit

import (
	"golang.org/x/sys/unix"
)

// Get returns the current soft and hard open-files limits.
func Get() (soft, hard int, err error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, 0, err
	}
	return int(lim.Cur), int(lim.Max), nil
}

// RaiseSoft raises the soft open-files limit to n, leaving the hard limit
// unchanged. n must not exceed the hard limit.
func RaiseSoft(n int) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	lim.Cur = uint64(n)
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
