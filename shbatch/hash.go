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

package shbatch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// combine folds a per-column hash into a running row hash, boost::hash_combine
// style. Order-sensitive: hashing columns [a, b] differs from [b, a].
func combine(seed, v uint32) uint32 {
	return seed ^ (v + 0x9e3779b9 + (seed << 6) + (seed >> 2))
}

func cellHash32(c Column, row int) uint32 {
	switch v := c.(type) {
	case *Int64Column:
		if !v.Valid[row] {
			return 0
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Values[row]))
		return uint32(xxhash.Sum64(buf[:]))
	case *Float64Column:
		if !v.Valid[row] {
			return 0
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Values[row]))
		return uint32(xxhash.Sum64(buf[:]))
	case *StringColumn:
		if !v.Valid[row] {
			return 0
		}
		return uint32(xxhash.Sum64String(v.Values[row]))
	case *BoolColumn:
		if !v.Valid[row] {
			return 0
		}
		if v.Values[row] {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("shbatch: unhandled column type %T", c))
	}
}

// RowHashes computes one uint32 hash per row of b, combining the columns
// named by cols (indices into b.Schema/b.Columns) in the order given. cols
// must be non-empty.
func RowHashes(b *Batch, cols []int) ([]uint32, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("shbatch: RowHashes requires at least one partition column")
	}
	for _, ci := range cols {
		if ci < 0 || ci >= len(b.Columns) {
			return nil, fmt.Errorf("shbatch: partition column index %d out of range (batch has %d columns)", ci, len(b.Columns))
		}
	}
	n := b.NumRows()
	hashes := make([]uint32, n)
	for row := 0; row < n; row++ {
		var h uint32
		for _, ci := range cols {
			h = combine(h, cellHash32(b.Columns[ci], row))
		}
		hashes[row] = h
	}
	return hashes, nil
}

// PartitionID maps a row hash to a partition in [0, numPartitions). The
// modulus is applied to the raw unsigned hash; it is never reinterpreted as
// a signed value first.
func PartitionID(hash uint32, numPartitions int) uint32 {
	return hash % uint32(numPartitions)
}
