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

// Column is one typed vector of a Batch. Every row index from 0 to Len()-1
// is addressable; Valid reports whether that row holds a value or is null.
type Column interface {
	Kind() Kind
	Len() int
	// MemSize estimates the resident size of the column in bytes, used by
	// the memory arbiter's consumer accounting.
	MemSize() int64
	// empty returns a new, empty column of the same kind with capacity
	// hinted by n.
	empty(n int) Column
	// appendFrom copies row `row` of src (which must share this column's
	// kind) onto the end of this column.
	appendFrom(src Column, row int)
}

type Int64Column struct {
	Values []int64
	Valid  []bool
}

func (c *Int64Column) Kind() Kind    { return Int64Kind }
func (c *Int64Column) Len() int      { return len(c.Values) }
func (c *Int64Column) MemSize() int64 {
	return int64(len(c.Values))*8 + int64(len(c.Valid))
}

func (c *Int64Column) empty(n int) Column {
	return &Int64Column{Values: make([]int64, 0, n), Valid: make([]bool, 0, n)}
}

func (c *Int64Column) appendFrom(src Column, row int) {
	s := src.(*Int64Column)
	c.Values = append(c.Values, s.Values[row])
	c.Valid = append(c.Valid, s.Valid[row])
}

type Float64Column struct {
	Values []float64
	Valid  []bool
}

func (c *Float64Column) Kind() Kind    { return Float64Kind }
func (c *Float64Column) Len() int      { return len(c.Values) }
func (c *Float64Column) MemSize() int64 {
	return int64(len(c.Values))*8 + int64(len(c.Valid))
}

func (c *Float64Column) empty(n int) Column {
	return &Float64Column{Values: make([]float64, 0, n), Valid: make([]bool, 0, n)}
}

func (c *Float64Column) appendFrom(src Column, row int) {
	s := src.(*Float64Column)
	c.Values = append(c.Values, s.Values[row])
	c.Valid = append(c.Valid, s.Valid[row])
}

type StringColumn struct {
	Values []string
	Valid  []bool
}

func (c *StringColumn) Kind() Kind { return StringKind }
func (c *StringColumn) Len() int   { return len(c.Values) }
func (c *StringColumn) MemSize() int64 {
	n := int64(len(c.Valid))
	for _, s := range c.Values {
		n += int64(len(s))
	}
	return n
}

func (c *StringColumn) empty(n int) Column {
	return &StringColumn{Values: make([]string, 0, n), Valid: make([]bool, 0, n)}
}

func (c *StringColumn) appendFrom(src Column, row int) {
	s := src.(*StringColumn)
	c.Values = append(c.Values, s.Values[row])
	c.Valid = append(c.Valid, s.Valid[row])
}

type BoolColumn struct {
	Values []bool
	Valid  []bool
}

func (c *BoolColumn) Kind() Kind     { return BoolKind }
func (c *BoolColumn) Len() int       { return len(c.Values) }
func (c *BoolColumn) MemSize() int64 { return int64(len(c.Values) + len(c.Valid)) }

func (c *BoolColumn) empty(n int) Column {
	return &BoolColumn{Values: make([]bool, 0, n), Valid: make([]bool, 0, n)}
}

func (c *BoolColumn) appendFrom(src Column, row int) {
	s := src.(*BoolColumn)
	c.Values = append(c.Values, s.Values[row])
	c.Valid = append(c.Valid, s.Valid[row])
}
