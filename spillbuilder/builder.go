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

// Package spillbuilder turns a set of buffered batches into one sealed
// partition-segmented spill: hash every row, sort into partition order,
// interleave into windowed sub-batches, and serialize each sub-batch into
// the spill while recording per-partition byte offsets.
package spillbuilder

import (
	"fmt"

	"github.com/vecquery/shreparts/internal/pi"
	"github.com/vecquery/shreparts/shbatch"
	"github.com/vecquery/shreparts/spill"
)

// CodecErr wraps a failure from the external batch codec (shbatch.WriteBatch)
// so that callers can distinguish a serialization failure from the other
// failure modes Build can return (bad hash input, interleave/gather errors,
// spill I/O).
type CodecErr struct {
	Err error
}

func (e *CodecErr) Error() string { return e.Err.Error() }
func (e *CodecErr) Unwrap() error { return e.Err }

// ShuffleSpill is the output of Build: a sealed, partition-segmented spill
// plus the P+1 offsets delimiting each partition's bytes within it.
// Offsets[i] is where partition i begins; Offsets[P] is the total length.
// The sequence is monotonically non-decreasing; equal adjacent offsets mark
// an empty partition.
type ShuffleSpill struct {
	Sink    *spill.Spill
	Offsets []int64
}

// Build runs the spill construction algorithm over batches: hash each row
// against partCols, sort by (partition, hash), interleave rows into
// same-partition windows no larger than batchSize, serialize each window
// through the batch codec into sp, and seal sp. batches must be non-empty.
func Build(schema shbatch.Schema, batches []*shbatch.Batch, partCols []int, numPartitions, batchSize int, sp *spill.Spill) (*ShuffleSpill, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("spillbuilder: Build requires at least one batch")
	}
	if numPartitions <= 0 {
		return nil, fmt.Errorf("spillbuilder: numPartitions must be positive, got %d", numPartitions)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("spillbuilder: batchSize must be positive, got %d", batchSize)
	}

	hashesPerBatch := make([][]uint32, len(batches))
	for i, b := range batches {
		h, err := shbatch.RowHashes(b, partCols)
		if err != nil {
			return nil, fmt.Errorf("spillbuilder: hashing batch %d: %w", i, err)
		}
		hashesPerBatch[i] = h
	}

	partitionOf := func(h uint32) uint32 { return shbatch.PartitionID(h, numPartitions) }
	pis := pi.Build(hashesPerBatch, partitionOf)
	pi.Sort(pis)

	it, err := shbatch.NewInterleaver(schema, batches)
	if err != nil {
		return nil, fmt.Errorf("spillbuilder: %w", err)
	}

	offsets := make([]int64, numPartitions+1)
	var offset int64
	w := sp.Writer()

	emit := func(start, end int) error {
		if start == end {
			return nil
		}
		refs := make([]shbatch.RowRef, end-start)
		for i := start; i < end; i++ {
			refs[i-start] = shbatch.RowRef{BatchIdx: pis[i].BatchIdx, RowIdx: pis[i].RowIdx}
		}
		sub, err := it.Gather(refs)
		if err != nil {
			return fmt.Errorf("gathering rows [%d,%d): %w", start, end, err)
		}
		n, err := shbatch.WriteBatch(w, sub)
		if err != nil {
			return &CodecErr{fmt.Errorf("serializing sub-batch [%d,%d): %w", start, end, err)}
		}
		offset += n
		return nil
	}

	start := 0
	curPart := uint32(0)
	for cursor := 0; cursor < len(pis); cursor++ {
		p := pis[cursor].PartitionID
		if p != curPart {
			if err := emit(start, cursor); err != nil {
				return nil, fmt.Errorf("spillbuilder: %w", err)
			}
			start = cursor
			for ; curPart < p; curPart++ {
				offsets[curPart+1] = offset
			}
		}
		if cursor-start+1 >= batchSize {
			if err := emit(start, cursor+1); err != nil {
				return nil, fmt.Errorf("spillbuilder: %w", err)
			}
			start = cursor + 1
		}
	}
	if err := emit(start, len(pis)); err != nil {
		return nil, fmt.Errorf("spillbuilder: %w", err)
	}
	for ; curPart < uint32(numPartitions); curPart++ {
		offsets[curPart+1] = offset
	}

	if err := sp.Seal(); err != nil {
		return nil, fmt.Errorf("spillbuilder: seal: %w", err)
	}
	return &ShuffleSpill{Sink: sp, Offsets: offsets}, nil
}
