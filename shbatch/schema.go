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

// Package shbatch implements the columnar record batch that flows through
// the shuffle repartitioner: a fixed schema, typed columns, hashing for
// hash-partitioning, column-wise interleave, and an ion-backed codec for
// writing/reading self-describing sub-batches.
package shbatch

import "fmt"

// Kind identifies the logical type of a column.
type Kind int

const (
	Int64Kind Kind = iota
	Float64Kind
	StringKind
	BoolKind
)

func (k Kind) String() string {
	switch k {
	case Int64Kind:
		return "int64"
	case Float64Kind:
		return "float64"
	case StringKind:
		return "string"
	case BoolKind:
		return "bool"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field describes one column of a Schema.
type Field struct {
	Name string
	Type Kind
}

// Schema is the ordered, fixed set of columns shared by every Batch that
// flows through a single repartitioner instance.
type Schema []Field

// NewColumn allocates an empty, zero-length Column of the field's kind.
func (f Field) NewColumn() Column {
	switch f.Type {
	case Int64Kind:
		return &Int64Column{}
	case Float64Kind:
		return &Float64Column{}
	case StringKind:
		return &StringColumn{}
	case BoolKind:
		return &BoolColumn{}
	default:
		panic(fmt.Sprintf("shbatch: unhandled kind %v", f.Type))
	}
}
