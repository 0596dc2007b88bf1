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

// Package pi implements the partition-index tuple used to lay rows of a
// buffered set of batches out in partition order before a spill is built.
package pi

import "golang.org/x/exp/slices"

// RecordSize is sizeof(PI) in bytes: four packed uint32 fields. Callers
// reporting memory usage for a buffered batch's sort-time overhead charge
// RecordSize per row.
const RecordSize = 16

// PI packs one row's partitioning decision: which partition it belongs to,
// its row hash (the tiebreak key within a partition), and where to find it
// (which source batch, which row within that batch). Ordering only ever
// considers PartitionID and Hash; BatchIdx and RowIdx are carried along for
// lookup but never participate in comparisons.
type PI struct {
	PartitionID uint32
	Hash        uint32
	BatchIdx    uint32
	RowIdx      uint32
}

// Less reports whether a sorts before b, comparing PartitionID first and
// Hash to break ties. Equal (PartitionID, Hash) pairs are left in whatever
// relative order the sort happens to produce.
func Less(a, b PI) bool {
	if a.PartitionID != b.PartitionID {
		return a.PartitionID < b.PartitionID
	}
	return a.Hash < b.Hash
}

// Sort orders recs in place by (PartitionID, Hash) using an unstable
// in-place sort. Rows with equal (PartitionID, Hash) may end up in any
// relative order; callers must not depend on input order surviving ties.
func Sort(recs []PI) {
	slices.SortFunc(recs, func(a, b PI) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
}

// Build constructs one PI record per row across a set of batches, given a
// parallel hashes slice per batch and a partitioning function applied to
// each hash. Row order within a batch, and batch order, determines BatchIdx
// and RowIdx but not the resulting sort order.
func Build(hashesPerBatch [][]uint32, partitionOf func(hash uint32) uint32) []PI {
	total := 0
	for _, h := range hashesPerBatch {
		total += len(h)
	}
	out := make([]PI, 0, total)
	for bi, hashes := range hashesPerBatch {
		for ri, h := range hashes {
			out = append(out, PI{
				PartitionID: partitionOf(h),
				Hash:        h,
				BatchIdx:    uint32(bi),
				RowIdx:      uint32(ri),
			})
		}
	}
	return out
}
