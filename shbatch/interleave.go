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

import "fmt"

// RowRef addresses one row of one batch in a slice of source batches, the
// unit an Interleave call gathers by.
type RowRef struct {
	BatchIdx uint32
	RowIdx   uint32
}

// Interleaver holds a fixed set of source batches, checked against the
// schema once, and serves repeated Gather calls against them for the many
// differently-windowed sub-batches of a spill build. Gather reads each
// source column through its batch (batches[BatchIdx].Columns[col]) on every
// call; no separate per-column array lists are built.
type Interleaver struct {
	schema  Schema
	batches []*Batch
}

// NewInterleaver validates that every batch matches schema and returns an
// Interleaver ready to gather rows from them.
func NewInterleaver(schema Schema, batches []*Batch) (*Interleaver, error) {
	for i, b := range batches {
		if len(b.Columns) != len(schema) {
			return nil, fmt.Errorf("shbatch: batch %d has %d columns, schema has %d fields", i, len(b.Columns), len(schema))
		}
		for j, f := range schema {
			if b.Columns[j].Kind() != f.Type {
				return nil, fmt.Errorf("shbatch: batch %d column %d kind %v != schema kind %v", i, j, b.Columns[j].Kind(), f.Type)
			}
		}
	}
	return &Interleaver{schema: schema, batches: batches}, nil
}

// Gather builds a new Batch by copying, column by column, the rows named by
// refs in order. An empty refs slice still yields a Batch carrying the
// schema with zero rows.
func (it *Interleaver) Gather(refs []RowRef) (*Batch, error) {
	out := New(it.schema)
	for ci := range it.schema {
		col := out.Columns[ci].empty(len(refs))
		for _, r := range refs {
			if int(r.BatchIdx) >= len(it.batches) {
				return nil, fmt.Errorf("shbatch: row ref batch index %d out of range (have %d batches)", r.BatchIdx, len(it.batches))
			}
			src := it.batches[r.BatchIdx]
			if int(r.RowIdx) >= src.NumRows() {
				return nil, fmt.Errorf("shbatch: row ref row index %d out of range (batch has %d rows)", r.RowIdx, src.NumRows())
			}
			col.appendFrom(src.Columns[ci], int(r.RowIdx))
		}
		out.Columns[ci] = col
	}
	return out, nil
}

// Interleave is the one-shot convenience form of NewInterleaver+Gather, for
// callers that do not reuse the same source-batch set across many calls.
func Interleave(schema Schema, batches []*Batch, refs []RowRef) (*Batch, error) {
	it, err := NewInterleaver(schema, batches)
	if err != nil {
		return nil, err
	}
	return it.Gather(refs)
}
