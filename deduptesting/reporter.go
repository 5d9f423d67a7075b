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
	"fmt"

	dedup "github.com/VariousForks/bedup"
)

// Reporter is a ProgressReporter that records everything it is told.
type Reporter struct {
	Notifications []string
	Formats       []string
	Updates       map[string][]interface{}
	Totals        map[string]int64
}

var _ dedup.ProgressReporter = &Reporter{}

func NewReporter() *Reporter {
	return &Reporter{
		Updates: make(map[string][]interface{}),
		Totals:  make(map[string]int64),
	}
}

func (r *Reporter) Notify(format string, args ...interface{}) {
	r.Notifications = append(r.Notifications, fmt.Sprintf(format, args...))
}

func (r *Reporter) Format(template string) {
	r.Formats = append(r.Formats, template)
}

func (r *Reporter) Update(key string, value interface{}) {
	r.Updates[key] = append(r.Updates[key], value)
}

func (r *Reporter) SetTotal(key string, n int64) {
	r.Totals[key] = n
}
