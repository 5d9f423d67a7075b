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
	"log"
	"sync"
)

// Checkpointer absorbs write-ahead-log checkpoint latency on a background
// goroutine, so checkpoint work does not block the dedup loop between
// windows. It owns its own catalog connection to avoid contending with
// the foreground one.
//
// Checkpoints are best-effort: failures are logged and never propagate.
type Checkpointer struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	newConn func() (CheckpointConn, error)

	// May be nil.
	errorLogger *log.Logger

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// Whether the worker goroutine has been started.
	//
	// GUARDED_BY(mu)
	started bool

	// A one-slot coalescing signal: requests arriving before the worker
	// wakes collapse into one pending checkpoint.
	signal chan struct{}

	// Closed to tell the worker to exit.
	done chan struct{}

	// Signalled when the worker has exited.
	exited sync.WaitGroup
}

// NewCheckpointer creates a checkpointer that will lazily open its own
// connection with newConn on first use. The logger may be nil.
func NewCheckpointer(
	newConn func() (CheckpointConn, error),
	errorLogger *log.Logger) *Checkpointer {
	return &Checkpointer{
		newConn:     newConn,
		errorLogger: errorLogger,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// PleaseCheckpoint requests one checkpoint. Multiple requests issued
// before the worker wakes collapse to a single checkpoint. The worker
// goroutine is started on the first request.
func (c *Checkpointer) PleaseCheckpoint() {
	select {
	case c.signal <- struct{}{}:
	default:
		// A checkpoint is already pending.
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.started = true
		c.exited.Add(1)
		go c.run()
	}
}

// Close tells the worker to terminate and waits for it to exit. Calling
// Close on a checkpointer that was never asked to checkpoint is a no-op.
func (c *Checkpointer) Close() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}

	close(c.done)
	c.exited.Wait()
}

func (c *Checkpointer) run() {
	defer c.exited.Done()

	conn, err := c.newConn()
	if err != nil {
		c.logf("checkpointer: opening connection: %v", err)
		// Keep draining so requesters never block; checkpoints silently
		// become no-ops for this pass.
		conn = nil
	} else {
		defer conn.Close()
	}

	checkpoint := func() {
		if conn == nil {
			return
		}
		if err := conn.Checkpoint(); err != nil {
			c.logf("checkpointer: checkpoint: %v", err)
		}
	}

	for {
		select {
		case <-c.done:
			// A request racing Close still gets serviced before exit.
			select {
			case <-c.signal:
				checkpoint()
			default:
			}
			return
		case <-c.signal:
			checkpoint()
		}
	}
}

func (c *Checkpointer) logf(format string, v ...interface{}) {
	if c.errorLogger != nil {
		c.errorLogger.Printf(format, v...)
	}
}
