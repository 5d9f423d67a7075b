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
	"fmt"

	. "github.com/jacobsa/ogletest"

	dedup "github.com/VariousForks/bedup"
)

////////////////////////////////////////////////////////////////////////
// WindowedQuery
////////////////////////////////////////////////////////////////////////

type WindowedQueryTest struct {
	dedupTestEnv
}

func init() { RegisterTestSuite(&WindowedQueryTest{}) }

func (t *WindowedQueryTest) SetUp(ti *TestInfo) {
	t.setUp(100)
}

func (t *WindowedQueryTest) TearDown() {
	t.tearDown()
}

func (t *WindowedQueryTest) upsert(ino, size uint64, updated bool) {
	AssertEq(nil, t.Cat.UpsertInode(t.Vol.ID, ino, size, updated))
}

// Run a query to completion, collecting the yielded groups. skip decides
// per inode whether to push it on the skip list.
func (t *WindowedQueryTest) drain(
	q *dedup.WindowedQuery,
	skip func(rec dedup.InodeRecord) bool) []dedup.CommonalityGroup {
	var groups []dedup.CommonalityGroup
	for q.Next() {
		g := q.Group()
		groups = append(groups, g)
		if skip != nil {
			for _, rec := range g.Inodes {
				if skip(rec) {
					q.Skip(rec)
				}
			}
		}
	}
	AssertEq(nil, q.Err())
	AssertEq(nil, q.Close())
	return groups
}

func (t *WindowedQueryTest) YieldsEligibleGroupsInDescendingOrder() {
	t.upsert(1, 500, true)
	t.upsert(2, 500, false)
	t.upsert(3, 900, true)
	t.upsert(4, 900, true)
	t.upsert(5, 700, true) // singleton: not eligible
	t.upsert(6, 600, false)
	t.upsert(7, 600, false) // no updates: not eligible

	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 0, nil)
	n, err := q.Count()
	AssertEq(nil, err)
	ExpectEq(2, n)

	groups := t.drain(q, nil)
	AssertEq(2, len(groups))
	ExpectEq(900, groups[0].Size)
	ExpectEq(2, len(groups[0].Inodes))
	ExpectEq(500, groups[1].Size)
	ExpectEq(2, len(groups[1].Inodes))

	// Inodes come in ascending ino order and carry their volume.
	ExpectEq(3, groups[0].Inodes[0].Ino)
	ExpectEq(4, groups[0].Inodes[1].Ino)
	ExpectEq(t.Vol, groups[0].Inodes[0].Vol)
}

func (t *WindowedQueryTest) SmallWindowsCoverEveryGroupOnce() {
	// Five eligible sizes with a window of two forces three windows.
	for i := uint64(0); i < 5; i++ {
		size := 1000 + 10*i
		t.upsert(2*i, size, true)
		t.upsert(2*i+1, size, true)
	}

	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 2, nil)
	groups := t.drain(q, nil)

	AssertEq(5, len(groups))
	for i := 1; i < len(groups); i++ {
		ExpectLt(groups[i].Size, groups[i-1].Size)
	}
}

func (t *WindowedQueryTest) ClearsUpdatesIncludingNonCommonality() {
	t.upsert(1, 500, true)
	t.upsert(2, 500, true)
	// A lone updated inode above and below the eligible size.
	t.upsert(3, 800, true)
	t.upsert(4, 300, true)

	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 0, nil)
	t.drain(q, nil)

	for _, rec := range t.rows(800, 500, 300) {
		ExpectFalse(rec.HasUpdates, fmt.Sprintf("ino %d", rec.Ino))
	}
}

func (t *WindowedQueryTest) SkippedInodesStayFlagged() {
	t.upsert(1, 500, true)
	t.upsert(2, 500, true)
	t.upsert(3, 400, true)
	t.upsert(4, 400, true)

	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 1, nil)
	t.drain(q, func(rec dedup.InodeRecord) bool {
		return rec.Ino == 3
	})

	for _, rec := range t.rows(500, 400) {
		if rec.Ino == 3 {
			ExpectTrue(rec.HasUpdates)
		} else {
			ExpectFalse(rec.HasUpdates, fmt.Sprintf("ino %d", rec.Ino))
		}
	}
}

func (t *WindowedQueryTest) EmptyCatalogYieldsNothing() {
	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 0, nil)
	n, err := q.Count()
	AssertEq(nil, err)
	ExpectEq(0, n)
	ExpectEq(0, len(t.drain(q, nil)))
}

func (t *WindowedQueryTest) SecondPassYieldsNothingWithoutNewUpdates() {
	t.upsert(1, 500, true)
	t.upsert(2, 500, true)

	q := dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 0, nil)
	AssertEq(1, len(t.drain(q, nil)))

	q = dedup.NewWindowedQuery(t.Cat, t.FS.Volumes, 0, nil)
	ExpectEq(0, len(t.drain(q, nil)))
}
