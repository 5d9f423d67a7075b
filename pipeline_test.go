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
	"bytes"
	"fmt"
	"os"
	"syscall"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"

	dedup "github.com/VariousForks/bedup"
	"github.com/VariousForks/bedup/catalog"
	"github.com/VariousForks/bedup/deduptesting"
)

////////////////////////////////////////////////////////////////////////
// DedupPipeline
////////////////////////////////////////////////////////////////////////

type PipelineTest struct {
	dedupTestEnv

	clock        timeutil.SimulatedClock
	fingerprints *deduptesting.Fingerprints
}

func init() { RegisterTestSuite(&PipelineTest{}) }

func (t *PipelineTest) SetUp(ti *TestInfo) {
	t.setUp(100)
	t.clock.SetTime(time.Date(2026, 2, 7, 9, 30, 0, 0, time.UTC))
	t.fingerprints = &deduptesting.Fingerprints{
		Ops:          t.Ops,
		MiniOverride: make(map[uint64][]byte),
	}
}

func (t *PipelineTest) TearDown() {
	t.tearDown()
}

func (t *PipelineTest) pipeline() *dedup.DedupPipeline {
	return &dedup.DedupPipeline{
		Catalog:      t.Cat,
		Ops:          t.Ops,
		Fingerprints: t.fingerprints,
		Progress:     t.Reporter,
		Clock:        &t.clock,
	}
}

// Scan the volume, then run one dedup pass over it.
func (t *PipelineTest) scanAndDedup() {
	scanner := t.scanner()
	AssertEq(nil, scanner.Scan(t.Vol))
	AssertEq(nil, t.pipeline().DedupVolumeSet(t.FS.Volumes))
}

func (t *PipelineTest) events() []catalog.Event {
	events, err := t.Cat.Events(t.FS.UUID)
	AssertEq(nil, err)
	return events
}

func (t *PipelineTest) DeduplicatesIdenticalFiles() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	other := bytes.Repeat([]byte{'y'}, 4096)

	a := t.mustAddFile("a", content, 1)
	b := t.mustAddFile("b", content, 1)
	c := t.mustAddFile("c", content, 1)
	d := t.mustAddFile("d", other, 1)

	t.scanAndDedup()

	// One event with three participants.
	events := t.events()
	AssertEq(1, len(events))
	ExpectEq(4096, events[0].ItemSize)
	AssertEq(3, len(events[0].Inodes))

	// A, B and C share extents now; D is untouched.
	ExpectThat(b.Extents, DeepEquals(a.Extents))
	ExpectThat(c.Extents, DeepEquals(a.Extents))
	ExpectEq(2, t.Ops.CloneCalls)
	AssertEq(1, len(d.Extents))
	ExpectNe(a.Extents[0], d.Extents[0])

	// The immutability acquisition was released.
	ExpectTrue(t.Ops.Released)

	// Every row was consumed: no update flags left.
	for _, rec := range t.rows(4096) {
		ExpectFalse(rec.HasUpdates, fmt.Sprintf("ino %d", rec.Ino))
	}
}

func (t *PipelineTest) SecondRunIsIdempotent() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	t.mustAddFile("a", content, 1)
	t.mustAddFile("b", content, 1)

	t.scanAndDedup()
	AssertEq(1, len(t.events()))

	// No filesystem changes: the second pass must log nothing new.
	AssertEq(nil, t.pipeline().DedupVolumeSet(t.FS.Volumes))
	ExpectEq(1, len(t.events()))
}

func (t *PipelineTest) CheapFingerprintCollisionIsCaughtByDigest() {
	a := t.mustAddFile("a", bytes.Repeat([]byte{'x'}, 8192), 1)
	b := t.mustAddFile("b", bytes.Repeat([]byte{'y'}, 8192), 1)

	// Force the cheap fingerprints to collide.
	t.fingerprints.MiniOverride[a.Ino] = []byte{1}
	t.fingerprints.MiniOverride[b.Ino] = []byte{1}

	t.scanAndDedup()

	ExpectEq(0, len(t.events()))
	ExpectEq(0, t.Ops.CloneCalls)
}

func (t *PipelineTest) AlreadySharedFilesAreDropped() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	a := t.mustAddFile("a", content, 1)
	b := t.mustAddFile("b", content, 1)
	b.Extents = append([]uint64(nil), a.Extents...)

	t.scanAndDedup()

	ExpectEq(0, len(t.events()))
	ExpectEq(0, t.Ops.CloneCalls)
}

func (t *PipelineTest) RunningExecutableIsReflagged() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	busy := t.mustAddFile("busy", content, 1)
	t.mustAddFile("other", content, 1)
	busy.OpenRWErr = syscall.ETXTBSY

	t.scanAndDedup()

	ExpectEq(0, len(t.events()))
	for _, rec := range t.rows(4096) {
		if rec.Ino == busy.Ino {
			ExpectTrue(rec.HasUpdates)
		} else {
			ExpectFalse(rec.HasUpdates, fmt.Sprintf("ino %d", rec.Ino))
		}
	}
}

func (t *PipelineTest) WriteBusyFileIsReflagged() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	busy := t.mustAddFile("busy", content, 1)
	t.mustAddFile("other", content, 1)
	busy.WriteBusy = true

	t.scanAndDedup()

	ExpectEq(0, len(t.events()))
	for _, rec := range t.rows(4096) {
		if rec.Ino == busy.Ino {
			ExpectTrue(rec.HasUpdates)
		} else {
			ExpectFalse(rec.HasUpdates, fmt.Sprintf("ino %d", rec.Ino))
		}
	}
}

func (t *PipelineTest) StaleRowIsDeleted() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	gone := t.mustAddFile("gone", content, 1)
	kept := t.mustAddFile("kept", content, 1)

	scanner := t.scanner()
	AssertEq(nil, scanner.Scan(t.Vol))

	// The file disappears between scan and dedup.
	t.Ops.Remove(t.Vol, gone)

	AssertEq(nil, t.pipeline().DedupVolumeSet(t.FS.Volumes))

	ExpectEq(0, len(t.events()))
	recs := t.rows(4096)
	AssertEq(1, len(recs))
	ExpectEq(kept.Ino, recs[0].Ino)
}

func (t *PipelineTest) FileShrunkBelowCutoffIsDeleted() {
	t.Vol.SizeCutoff = 16384

	shrunk := t.mustAddFile("shrunk", bytes.Repeat([]byte{'x'}, 32768), 1)
	full := t.mustAddFile("full", bytes.Repeat([]byte{'y'}, 32768), 1)

	// The cheap fingerprints must collide so the pair survives to the
	// digest stage, where the size recheck happens.
	t.fingerprints.MiniOverride[shrunk.Ino] = []byte{1}
	t.fingerprints.MiniOverride[full.Ino] = []byte{1}

	scanner := t.scanner()
	AssertEq(nil, scanner.Scan(t.Vol))

	// The file shrinks to 4 KiB between scan and hash.
	AssertEq(nil, os.Truncate(shrunk.Backing(), 4096))

	AssertEq(nil, t.pipeline().DedupVolumeSet(t.FS.Volumes))

	ExpectEq(0, len(t.events()))
	recs := t.rows(32768)
	AssertEq(1, len(recs))
	ExpectEq(full.Ino, recs[0].Ino)
	ExpectFalse(recs[0].HasUpdates)
}

func (t *PipelineTest) ReportsSpaceGain() {
	content := bytes.Repeat([]byte{'x'}, 4096)
	t.mustAddFile("a", content, 1)
	t.mustAddFile("b", content, 1)

	t.scanAndDedup()

	found := false
	for _, n := range t.Reporter.Notifications {
		if bytes.Contains([]byte(n), []byte("Potential space gain")) {
			found = true
		}
	}
	ExpectTrue(found)
}
