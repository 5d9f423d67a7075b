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

package dedup_test

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	dedup "github.com/VariousForks/bedup"
)

type countingConn struct {
	delay time.Duration

	mu          sync.Mutex
	checkpoints int
	closed      bool
	err         error

	// Signalled on every checkpoint.
	gotOne chan struct{}
}

func newCountingConn() *countingConn {
	return &countingConn{gotOne: make(chan struct{}, 100)}
}

func (c *countingConn) Checkpoint() error {
	time.Sleep(c.delay)
	c.mu.Lock()
	c.checkpoints++
	err := c.err
	c.mu.Unlock()
	c.gotOne <- struct{}{}
	return err
}

func (c *countingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *countingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints
}

func TestCheckpointerRunsRequestedCheckpoints(t *testing.T) {
	conn := newCountingConn()
	cp := dedup.NewCheckpointer(
		func() (dedup.CheckpointConn, error) { return conn, nil }, nil)

	cp.PleaseCheckpoint()
	select {
	case <-conn.gotOne:
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint after request")
	}

	cp.Close()
	if !conn.closed {
		t.Error("connection not closed on Close")
	}
}

func TestCheckpointerCoalescesBurstsEventually(t *testing.T) {
	conn := newCountingConn()
	conn.delay = 50 * time.Millisecond
	cp := dedup.NewCheckpointer(
		func() (dedup.CheckpointConn, error) { return conn, nil }, nil)

	// The whole burst lands while the worker is at most one slow
	// checkpoint in; everything pending collapses into a single slot.
	for i := 0; i < 50; i++ {
		cp.PleaseCheckpoint()
	}

	select {
	case <-conn.gotOne:
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint after requests")
	}
	// Let a coalesced follow-up drain, if one was pending.
	select {
	case <-conn.gotOne:
	case <-time.After(200 * time.Millisecond):
	}
	cp.Close()

	if n := conn.count(); n == 0 || n > 2 {
		t.Errorf("got %d checkpoints for 50 requests, want 1 or 2", n)
	}
}

func TestCheckpointerFailuresAreNonFatal(t *testing.T) {
	conn := newCountingConn()
	conn.err = errors.New("checkpoint failed")
	logger := log.New(io.Discard, "", 0)
	cp := dedup.NewCheckpointer(
		func() (dedup.CheckpointConn, error) { return conn, nil }, logger)

	cp.PleaseCheckpoint()
	select {
	case <-conn.gotOne:
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint after request")
	}

	// The worker must survive the failure and serve further requests.
	cp.PleaseCheckpoint()
	select {
	case <-conn.gotOne:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after checkpoint failure")
	}
	cp.Close()
}

func TestCheckpointerCloseWithoutRequestsIsNoop(t *testing.T) {
	cp := dedup.NewCheckpointer(
		func() (dedup.CheckpointConn, error) {
			t.Error("connection opened without a request")
			return nil, nil
		}, nil)
	cp.Close()
}

func TestCheckpointerSurvivesConnFailure(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cp := dedup.NewCheckpointer(
		func() (dedup.CheckpointConn, error) {
			return nil, errors.New("no database")
		}, logger)

	cp.PleaseCheckpoint()
	cp.PleaseCheckpoint()
	cp.Close()
}
