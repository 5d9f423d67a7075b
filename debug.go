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
	"io"
	"log"
	"os"
	"sync"
)

var debugEnv = os.Getenv("BEDUP_DEBUG")

var gLogger *log.Logger
var gLoggerOnce sync.Once

func initLogger() {
	var writer io.Writer = io.Discard
	if debugEnv != "" {
		writer = os.Stderr
	}

	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	gLogger = log.New(writer, "dedup: ", flags)
}

// DefaultDebugLogger returns a logger that writes to stderr when the
// BEDUP_DEBUG environment variable is set, and discards output otherwise.
// Useful as the debug logger of a Scanner or DedupPipeline.
func DefaultDebugLogger() *log.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}
