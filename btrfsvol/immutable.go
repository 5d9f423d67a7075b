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

package btrfsvol

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	dedup "github.com/VariousForks/bedup"
)

// immutableSet is a scoped acquisition of the kernel immutable flag over
// a set of open files. While held, no process can open the files for
// writing; processes that already had them open for writing are reported
// through WriteBusy.
type immutableSet struct {
	// Files whose immutable flag we set, with the flags word to restore.
	// Files that were already immutable are not restored.
	restore []restoreEntry

	// Keyed by descriptor number at acquisition time.
	writeBusy map[int]bool
}

type restoreEntry struct {
	f     *os.File
	flags int
}

// fsImmutableFL is FS_IMMUTABLE_FL from linux/fs.h; golang.org/x/sys/unix
// does not export the FS_*_FL inode attribute flag bits.
const fsImmutableFL = 0x10

// ImmutableFds marks every file immutable for the duration of the
// returned acquisition and sweeps /proc for processes that hold any of
// them open for writing. Release restores the prior flags; it must run
// on every exit path.
func (Ops) ImmutableFds(files []*os.File) (dedup.ImmutableSet, error) {
	s := &immutableSet{writeBusy: make(map[int]bool)}

	for _, f := range files {
		fd := int(f.Fd())
		flags, err := unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
		if err != nil {
			s.Release()
			return nil, &os.PathError{Op: "getflags", Path: f.Name(), Err: err}
		}
		if flags&fsImmutableFL != 0 {
			continue
		}
		if err := setInodeFlags(fd, flags|fsImmutableFL); err != nil {
			s.Release()
			return nil, &os.PathError{Op: "setflags", Path: f.Name(), Err: err}
		}
		s.restore = append(s.restore, restoreEntry{f: f, flags: flags})
	}

	// The immutable flag stops new writers; existing ones are found by
	// scanning other processes' descriptor tables. Processes we can't
	// inspect are skipped.
	identities := make(map[[2]uint64]int, len(files))
	for _, f := range files {
		var st unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &st); err != nil {
			s.Release()
			return nil, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
		}
		identities[[2]uint64{uint64(st.Dev), st.Ino}] = int(f.Fd())
	}
	sweepWriteUse(identities, s.writeBusy)

	return s, nil
}

func (s *immutableSet) WriteBusy(f *os.File) bool {
	return s.writeBusy[int(f.Fd())]
}

func (s *immutableSet) Release() {
	// Best effort: a file whose flags can't be restored must not abort
	// the unwind of the others.
	for _, e := range s.restore {
		_ = setInodeFlags(int(e.f.Fd()), e.flags)
	}
	s.restore = nil
}

func setInodeFlags(fd, flags int) error {
	return unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, flags)
}

// Scan /proc/<pid>/fd of every other process for descriptors naming one
// of the given (dev, ino) identities with a writable open mode, and mark
// the corresponding descriptor in busy.
func sweepWriteUse(identities map[[2]uint64]int, busy map[int]bool) {
	self := os.Getpid()

	procs, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, proc := range procs {
		pid, err := strconv.Atoi(proc.Name())
		if err != nil || pid == self {
			continue
		}

		fdDir := "/proc/" + proc.Name() + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fdEnt := range fds {
			var st unix.Stat_t
			if err := unix.Stat(fdDir+"/"+fdEnt.Name(), &st); err != nil {
				continue
			}
			ourFd, ok := identities[[2]uint64{uint64(st.Dev), st.Ino}]
			if !ok {
				continue
			}
			flags, err := fdinfoFlags(proc.Name(), fdEnt.Name())
			if err != nil {
				continue
			}
			if flags&unix.O_ACCMODE != unix.O_RDONLY {
				busy[ourFd] = true
			}
		}
	}
}

// Read the open-mode flags of another process's descriptor.
func fdinfoFlags(pid, fd string) (int, error) {
	data, err := os.ReadFile("/proc/" + pid + "/fdinfo/" + fd)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "flags:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(rest), 8, 64)
			return int(n), err
		}
	}
	return 0, nil
}
