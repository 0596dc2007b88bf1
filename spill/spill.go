// Copyright (C) 2026 The shreparts Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package spill implements the opaque byte-stream sink/source that backs a
// spill build: a writer, a seal step after which the spill is immutable, a
// buffered reader positioned at byte 0, a disk-usage probe, and a cheap
// clone of the handle. A Spill starts in memory and migrates to a temp file
// when a write would take it past DiskThreshold; this is transparent to
// callers.
package spill

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// DiskThreshold is the largest in-memory size, in bytes, a Spill keeps: a
// write that would take the spill past it first moves the backing storage
// to a temp file.
const DiskThreshold = 16 << 20

// Spill is a shared handle to one spill's backing storage. The zero value is
// not usable; construct with New.
type Spill struct {
	mu     sync.Mutex
	mem    *bytes.Buffer
	file   *os.File
	sealed bool
	size   int64
	dir    string
}

// New returns an empty, writable Spill backed by memory. dir, if non-empty,
// is the directory used for the temp file the Spill migrates to, if any; an
// empty dir uses the default temp directory.
func New(dir string) *Spill {
	return &Spill{mem: &bytes.Buffer{}, dir: dir}
}

// Clone returns a handle sharing the same underlying storage. Clones are
// cheap: they share the *Spill, not a copy of its bytes.
func (s *Spill) Clone() *Spill {
	return s
}

// Writer returns an io.Writer appending to the spill. The writer does no
// buffering of its own: each Write goes straight to the current backing
// storage (the in-memory buffer, or the temp file once migrated). Writer
// must not be called after Seal. The returned writer is not safe for
// concurrent use by multiple goroutines.
func (s *Spill) Writer() io.Writer {
	return &spillWriter{s: s}
}

type spillWriter struct {
	s *Spill
}

func (w *spillWriter) Write(p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, fmt.Errorf("spill: write after seal")
	}
	if s.file == nil && s.size+int64(len(p)) > DiskThreshold {
		if err := s.migrateToDiskLocked(); err != nil {
			return 0, fmt.Errorf("spill: migrate to disk: %w", err)
		}
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *Spill) migrateToDiskLocked() error {
	f, err := os.CreateTemp(s.dir, "shreparts-spill-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	s.file = f
	s.mem = nil
	return nil
}

// Seal completes the spill: the writer is closed and no further writes are
// accepted. Sealed spills are immutable.
func (s *Spill) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	s.sealed = true
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

// DiskUsage reports the number of bytes resident on disk, or 0 if the spill
// is still entirely in memory.
func (s *Spill) DiskUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0
	}
	return s.size
}

// Size reports the total number of bytes written to the spill so far,
// regardless of backing storage.
func (s *Spill) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Reader opens a buffered reader positioned at byte 0. The spill must be
// sealed before Reader is called.
func (s *Spill) Reader() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		return nil, fmt.Errorf("spill: Reader called before Seal")
	}
	if s.file != nil {
		f, err := os.Open(s.file.Name())
		if err != nil {
			return nil, fmt.Errorf("spill: reopen for read: %w", err)
		}
		return bufio.NewReader(f), nil
	}
	return bufio.NewReader(bytes.NewReader(s.mem.Bytes())), nil
}
