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

// Package repartition implements the sort-based shuffle repartitioner: it
// buffers batches from an upstream producer, hash-partitions and spills
// them under memory pressure, and on ShuffleWrite merges every spill plus
// any residual buffer into one partition-ordered data file and its offset
// index.
package repartition

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vecquery/shreparts/internal/losertree"
	"github.com/vecquery/shreparts/internal/pi"
	"github.com/vecquery/shreparts/memory"
	"github.com/vecquery/shreparts/shbatch"
	"github.com/vecquery/shreparts/spill"
	"github.com/vecquery/shreparts/spillbuilder"
)

// Config fixes the shape of one repartitioner instance for its lifetime:
// the schema every inserted batch must match, which columns feed the
// partition hash, the output partition count, the soft per-sub-batch row
// cap inside a spill, and the two output file paths.
type Config struct {
	Schema          shbatch.Schema
	PartitionCols   []int
	NumPartitions   int
	BatchSize       int
	OutputDataFile  string
	OutputIndexFile string

	// SpillDir is the directory new spills migrate their backing storage
	// into past spill.DiskThreshold. Empty uses the OS default temp dir.
	SpillDir string
}

func (c Config) validate() error {
	if c.NumPartitions <= 0 {
		return fmt.Errorf("repartition: NumPartitions must be positive, got %d", c.NumPartitions)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("repartition: BatchSize must be positive, got %d", c.BatchSize)
	}
	if len(c.PartitionCols) == 0 {
		return fmt.Errorf("repartition: PartitionCols must be non-empty")
	}
	if c.OutputDataFile == "" || c.OutputIndexFile == "" {
		return fmt.Errorf("repartition: OutputDataFile and OutputIndexFile are required")
	}
	return nil
}

// Repartitioner is the orchestrator (component H): it owns the buffered
// batches and completed spills, registers itself as a memory.Consumer, and
// exposes InsertBatch/Spill/ShuffleWrite. The zero value is not usable;
// construct with New.
type Repartitioner struct {
	cfg    Config
	arb    *memory.Arbiter
	handle *memory.ConsumerHandle

	mu              sync.Mutex
	bufferedBatches []*shbatch.Batch
	bufferedMem     int64

	spillsMu sync.Mutex
	spills   []*spillbuilder.ShuffleSpill
}

// New validates cfg, registers a Repartitioner with arb, and returns it
// ready to accept InsertBatch calls. The caller owns the returned
// Repartitioner and must call Close once ShuffleWrite has returned, the way
// the original deregisters its memory consumer on destruction.
func New(cfg Config, arb *memory.Arbiter) (*Repartitioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Repartitioner{cfg: cfg, arb: arb}
	r.handle = arb.Register(r)
	return r, nil
}

// Close deregisters the repartitioner from its memory arbiter. Go has no
// destructors to run this automatically, so callers must call Close
// explicitly — typically deferred right after New — to avoid leaking a
// dangling registration entry in the arbiter.
func (r *Repartitioner) Close() {
	r.handle.Deregister()
}

// InsertBatch appends b to the buffered set awaiting spill and reports the
// resulting memory increase (the batch's own footprint plus the sort-time
// PI overhead) to the arbiter. It never blocks except inside that report,
// which may suspend awaiting admission if the arbiter's budget is tight.
func (r *Repartitioner) InsertBatch(ctx context.Context, b *shbatch.Batch) error {
	if err := b.Validate(); err != nil {
		return &Error{Kind: ComputeError, Err: err}
	}
	if err := schemasMatch(r.cfg.Schema, b.Schema); err != nil {
		return &Error{Kind: ComputeError, Err: err}
	}
	memIncrease := b.MemSize() + int64(b.NumRows())*pi.RecordSize

	r.mu.Lock()
	r.bufferedBatches = append(r.bufferedBatches, b)
	r.bufferedMem += memIncrease
	r.mu.Unlock()

	if err := r.handle.UpdateMemUsedWithDiff(ctx, memIncrease); err != nil {
		return &Error{Kind: MemoryError, Err: err}
	}
	return nil
}

// Spill implements memory.Consumer: the arbiter calls it when this
// repartitioner should release memory. It atomically takes ownership of the
// buffered batches, builds a spill from them (if any), appends the result
// to the spill list, and reports memory usage back to 0.
func (r *Repartitioner) Spill(ctx context.Context) error {
	r.mu.Lock()
	batches := r.bufferedBatches
	r.bufferedBatches = nil
	r.bufferedMem = 0
	r.mu.Unlock()

	if len(batches) > 0 {
		errorf("repartition: spilling %d buffered batches", len(batches))
		ss, err := r.buildSpill(batches)
		if err != nil {
			return err
		}
		r.spillsMu.Lock()
		r.spills = append(r.spills, ss)
		r.spillsMu.Unlock()
	}

	if err := r.handle.UpdateMemUsed(ctx, 0); err != nil {
		return &Error{Kind: MemoryError, Err: err}
	}
	return nil
}

// schemasMatch reports whether got has the same field count and kinds as
// want, in order. Inserting a batch whose schema diverges from the
// repartitioner's configured schema would otherwise surface as an opaque
// interleave failure deep inside the next spill build; catching it at
// InsertBatch gives the caller an immediate, specific error instead.
func schemasMatch(want, got shbatch.Schema) error {
	if len(want) != len(got) {
		return fmt.Errorf("repartition: batch has %d columns, schema has %d fields", len(got), len(want))
	}
	for i, f := range want {
		if got[i].Type != f.Type {
			return fmt.Errorf("repartition: column %d (%s) has kind %v, schema wants %v", i, f.Name, got[i].Type, f.Type)
		}
	}
	return nil
}

func (r *Repartitioner) buildSpill(batches []*shbatch.Batch) (*spillbuilder.ShuffleSpill, error) {
	sp := spill.New(r.cfg.SpillDir)
	ss, err := spillbuilder.Build(r.cfg.Schema, batches, r.cfg.PartitionCols, r.cfg.NumPartitions, r.cfg.BatchSize, sp)
	if err != nil {
		return nil, classifyBuildErr(err)
	}
	return ss, nil
}

// classifyBuildErr maps a spillbuilder.Build failure onto one of spec.md
// §7's error kinds: a *spillbuilder.CodecErr anywhere in the chain means
// the external batch codec failed to serialize a sub-batch (CodecError);
// anything else from Build (bad hash input, interleave/gather failure,
// spill I/O) is the catch-all ComputeError.
func classifyBuildErr(err error) *Error {
	var codecErr *spillbuilder.CodecErr
	if errors.As(err, &codecErr) {
		return &Error{Kind: CodecError, Err: err}
	}
	return &Error{Kind: ComputeError, Err: err}
}

// ShuffleWrite is the one finalization call H receives: it disables further
// spill requests, flushes any residual buffer into one last spill, merges
// every spill through a loser-tree k-way concatenation, and writes the
// output data file plus its offset index. It must be called exactly once,
// after which the Repartitioner is spent.
func (r *Repartitioner) ShuffleWrite(ctx context.Context) error {
	r.handle.SetSpillable(false)

	r.spillsMu.Lock()
	spills := r.spills
	r.spills = nil
	r.spillsMu.Unlock()

	r.mu.Lock()
	batches := r.bufferedBatches
	r.bufferedBatches = nil
	r.bufferedMem = 0
	r.mu.Unlock()

	if len(batches) > 0 {
		ss, err := r.buildSpill(batches)
		if err != nil {
			return err
		}
		spills = append(spills, ss)
	}
	errorf("repartition: shuffle write starting with %d spills", len(spills))

	memUsed := int64(len(spills)) * memory.SpillReservationBytes
	if err := r.handle.UpdateMemUsed(ctx, memUsed); err != nil {
		return &Error{Kind: MemoryError, Err: err}
	}

	cursors := make([]*mergeCursor, 0, len(spills))
	for i, ss := range spills {
		if len(ss.Offsets) != r.cfg.NumPartitions+1 {
			panic(fmt.Sprintf("repartition: spill %d has %d offsets, want %d", i, len(ss.Offsets), r.cfg.NumPartitions+1))
		}
		reader, err := ss.Sink.Reader()
		if err != nil {
			return &Error{Kind: IOError, Err: fmt.Errorf("opening spill %d: %w", i, err)}
		}
		c := &mergeCursor{reader: reader, offsets: ss.Offsets}
		c.skipEmptyPartitions()
		cursors = append(cursors, c)
	}

	dataFile, err := os.OpenFile(r.cfg.OutputDataFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &Error{Kind: IOError, Err: err}
	}
	defer dataFile.Close()

	offsetsOut := []int64{0}
	curOutPID := 0
	var pos int64

	if len(cursors) > 0 {
		tree := losertree.New(cursors, cursorLess)
		for {
			w := tree.Winner()
			if w.finished() {
				break
			}
			for curOutPID < w.cur {
				offsetsOut = append(offsetsOut, pos)
				curOutPID++
			}
			start, end := w.offsets[w.cur], w.offsets[w.cur+1]
			n, err := io.CopyN(dataFile, w.reader, end-start)
			pos += n
			if err != nil {
				return &Error{Kind: IOError, Err: fmt.Errorf("copying partition %d from spill: %w", w.cur, err)}
			}
			w.cur++
			w.skipEmptyPartitions()
			tree.Replace(w)
		}
	}

	if err := dataFile.Sync(); err != nil {
		return &Error{Kind: IOError, Err: err}
	}
	for len(offsetsOut) < r.cfg.NumPartitions+1 {
		offsetsOut = append(offsetsOut, pos)
	}
	if len(offsetsOut) != r.cfg.NumPartitions+1 {
		panic(fmt.Sprintf("repartition: built %d output offsets, want %d", len(offsetsOut), r.cfg.NumPartitions+1))
	}

	if err := writeIndexFile(r.cfg.OutputIndexFile, offsetsOut); err != nil {
		return err
	}

	var spillDiskUsage int64
	for _, ss := range spills {
		spillDiskUsage += ss.Sink.DiskUsage()
	}
	errorf("repartition: shuffle write done, spill disk usage %d bytes", spillDiskUsage)

	if err := r.handle.UpdateMemUsed(ctx, 0); err != nil {
		return &Error{Kind: MemoryError, Err: err}
	}
	return nil
}

// writeIndexFile writes each offset as a signed 64-bit little-endian
// integer, width fixed at 8 bytes per entry, even though every value is
// semantically an unsigned byte position: this matches the original's
// `(offset as i64).to_le_bytes()` exactly. Readers must reinterpret the
// same way; a data file exceeding 2^63 bytes would wrap, which is noted
// here but not otherwise guarded against.
func writeIndexFile(path string, offsets []int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &Error{Kind: IOError, Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var buf [8]byte
	for _, off := range offsets {
		binary.LittleEndian.PutUint64(buf[:], uint64(off))
		if _, err := w.Write(buf[:]); err != nil {
			return &Error{Kind: IOError, Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		return &Error{Kind: IOError, Err: err}
	}
	return f.Sync()
}

// mergeCursor is one leaf of the merge's loser tree: the spill it reads
// from, its offset table, and which partition it is currently positioned
// at. A cursor is finished once cur has walked past the last partition.
type mergeCursor struct {
	cur     int
	reader  io.Reader
	offsets []int64
}

func (c *mergeCursor) finished() bool {
	return c.cur+1 >= len(c.offsets)
}

// skipEmptyPartitions advances cur past any partition whose byte length is
// zero, so the merge loop never has to special-case an empty segment.
func (c *mergeCursor) skipEmptyPartitions() {
	for !c.finished() && c.offsets[c.cur+1] == c.offsets[c.cur] {
		c.cur++
	}
}

// cursorLess orders finished cursors after every live one, and among live
// cursors orders by ascending current partition id, exactly the comparator
// spec.md §4.G requires of the tournament.
func cursorLess(a, b *mergeCursor) bool {
	af, bf := a.finished(), b.finished()
	if af != bf {
		return !af
	}
	if af {
		return false
	}
	return a.cur < b.cur
}
