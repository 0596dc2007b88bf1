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

// Batch is a columnar record batch: one Column per Schema field, all of
// equal length. A Batch with zero rows still carries its Schema.
type Batch struct {
	Schema  Schema
	Columns []Column
}

// New allocates an empty Batch for schema.
func New(schema Schema) *Batch {
	cols := make([]Column, len(schema))
	for i, f := range schema {
		cols[i] = f.NewColumn()
	}
	return &Batch{Schema: schema, Columns: cols}
}

// NumRows returns the row count, or 0 for a batch with no columns.
func (b *Batch) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return b.Columns[0].Len()
}

func (b *Batch) NumCols() int { return len(b.Columns) }

// MemSize sums the MemSize of every column, the figure reported to the
// memory arbiter for a buffered batch.
func (b *Batch) MemSize() int64 {
	var n int64
	for _, c := range b.Columns {
		n += c.MemSize()
	}
	return n
}

// Validate checks that every column's length matches and the column kinds
// match the schema.
func (b *Batch) Validate() error {
	if len(b.Columns) != len(b.Schema) {
		return fmt.Errorf("shbatch: batch has %d columns, schema has %d fields", len(b.Columns), len(b.Schema))
	}
	n := b.NumRows()
	for i, c := range b.Columns {
		if c.Kind() != b.Schema[i].Type {
			return fmt.Errorf("shbatch: column %d (%s) has kind %v, schema wants %v", i, b.Schema[i].Name, c.Kind(), b.Schema[i].Type)
		}
		if c.Len() != n {
			return fmt.Errorf("shbatch: column %d (%s) has %d rows, want %d", i, b.Schema[i].Name, c.Len(), n)
		}
	}
	return nil
}
