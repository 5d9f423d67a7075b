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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	dedup "github.com/VariousForks/bedup"
)

// reporter is a line-oriented ProgressReporter. Every update of a key the
// current template references prints a status line; updates of other keys
// are only recorded. Notifications always print.
type reporter struct {
	template string
	values   map[string]interface{}
	totals   map[string]int64
}

var _ dedup.ProgressReporter = &reporter{}

func newReporter() *reporter {
	return &reporter{
		values: make(map[string]interface{}),
		totals: make(map[string]int64),
	}
}

func (r *reporter) Notify(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func (r *reporter) Format(template string) {
	r.template = template
	if template == "" {
		fmt.Fprintln(os.Stderr)
	}
}

func (r *reporter) Update(key string, value interface{}) {
	r.values[key] = value
	if r.template == "" || !strings.Contains(r.template, "{"+key) {
		return
	}

	// One compact status line per update; sizes print human-readable.
	var parts []string
	for k, v := range r.values {
		if size, ok := v.(uint64); ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, humanize.IBytes(size)))
			continue
		}
		if total, ok := r.totals[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v/%d", k, v, total))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Fprintf(os.Stderr, "\r%s", strings.Join(parts, " "))
}

func (r *reporter) SetTotal(key string, n int64) {
	r.totals[key] = n
}
