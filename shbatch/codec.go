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
	"fmt"
	"io"

	"github.com/SnellerInc/sneller/ion"
)

// WriteBatch encodes b as one self-describing ion chunk (BVM + symbol table
// followed by one struct per row) and writes it to w. Each call produces an
// independently-decodable chunk, so sub-batches written back to back in a
// spill can be read one at a time without carrying state between them.
func WriteBatch(w io.Writer, b *Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, fmt.Errorf("shbatch: WriteBatch: %w", err)
	}
	var st ion.Symtab
	syms := make([]ion.Symbol, len(b.Schema))
	for i, f := range b.Schema {
		syms[i] = st.Intern(f.Name)
	}

	var buf ion.Buffer
	buf.StartChunk(&st)

	n := b.NumRows()
	for row := 0; row < n; row++ {
		buf.BeginStruct(-1)
		for ci, col := range b.Columns {
			buf.BeginField(syms[ci])
			if err := encodeCell(&buf, col, row); err != nil {
				return 0, fmt.Errorf("shbatch: WriteBatch: row %d col %d: %w", row, ci, err)
			}
		}
		buf.EndStruct()
	}
	return buf.WriteTo(w)
}

func encodeCell(buf *ion.Buffer, c Column, row int) error {
	switch v := c.(type) {
	case *Int64Column:
		if !v.Valid[row] {
			buf.WriteNull()
			return nil
		}
		buf.WriteInt(v.Values[row])
	case *Float64Column:
		if !v.Valid[row] {
			buf.WriteNull()
			return nil
		}
		buf.WriteFloat64(v.Values[row])
	case *StringColumn:
		if !v.Valid[row] {
			buf.WriteNull()
			return nil
		}
		buf.WriteString(v.Values[row])
	case *BoolColumn:
		if !v.Valid[row] {
			buf.WriteNull()
			return nil
		}
		buf.WriteBool(v.Values[row])
	default:
		return fmt.Errorf("unhandled column type %T", c)
	}
	return nil
}

// DecodeBatch reads one self-describing ion chunk from the front of data and
// decodes it into a Batch matching schema, returning the unconsumed
// remainder of data. It is the inverse of WriteBatch.
func DecodeBatch(data []byte, schema Schema) (*Batch, []byte, error) {
	out := New(schema)
	var st ion.Symtab
	rest := data
	n := 0
	for len(rest) > 0 {
		d, tail, err := ion.ReadDatum(&st, rest)
		if err != nil {
			return nil, nil, fmt.Errorf("shbatch: DecodeBatch: %w", err)
		}
		if d.Empty() {
			rest = tail
			break
		}
		s, ok := d.Struct()
		if !ok {
			return nil, nil, fmt.Errorf("shbatch: DecodeBatch: row %d is not a struct", n)
		}
		for ci, f := range schema {
			fld, ok := s.FieldByName(f.Name)
			if !ok {
				return nil, nil, fmt.Errorf("shbatch: DecodeBatch: row %d missing field %q", n, f.Name)
			}
			if err := decodeCell(out.Columns[ci], fld.Value); err != nil {
				return nil, nil, fmt.Errorf("shbatch: DecodeBatch: row %d field %q: %w", n, f.Name, err)
			}
		}
		n++
		rest = tail
		// A chunk boundary is reached once the next datum would start a
		// fresh BVM; DecodeBatch decodes exactly one chunk's worth of
		// structs, so stop here and let the caller decide what to do with
		// the remainder.
		if ion.IsBVM(rest) {
			break
		}
	}
	return out, rest, nil
}

// decodeInt64 reads an ion integer back as an int64. WriteInt encodes
// non-negative values with ion's UintType tag and only negative values with
// IntType (ion/datum.go's Int() documents IntType as "always negative"), so
// a round-trip must try both: Int() alone rejects every zero or positive
// value this column ever wrote.
func decodeInt64(d ion.Datum) (int64, error) {
	if n, ok := d.Int(); ok {
		return n, nil
	}
	if u, ok := d.Uint(); ok {
		return int64(u), nil
	}
	return 0, fmt.Errorf("expected int or uint, got %v", d.Type())
}

func decodeCell(c Column, d ion.Datum) error {
	switch v := c.(type) {
	case *Int64Column:
		if d.Null() {
			v.Values = append(v.Values, 0)
			v.Valid = append(v.Valid, false)
			return nil
		}
		n, err := decodeInt64(d)
		if err != nil {
			return err
		}
		v.Values = append(v.Values, n)
		v.Valid = append(v.Valid, true)
	case *Float64Column:
		if d.Null() {
			v.Values = append(v.Values, 0)
			v.Valid = append(v.Valid, false)
			return nil
		}
		f, ok := d.Float()
		if !ok {
			return fmt.Errorf("expected float, got %v", d.Type())
		}
		v.Values = append(v.Values, f)
		v.Valid = append(v.Valid, true)
	case *StringColumn:
		if d.Null() {
			v.Values = append(v.Values, "")
			v.Valid = append(v.Valid, false)
			return nil
		}
		s, ok := d.String()
		if !ok {
			return fmt.Errorf("expected string, got %v", d.Type())
		}
		v.Values = append(v.Values, s)
		v.Valid = append(v.Valid, true)
	case *BoolColumn:
		if d.Null() {
			v.Values = append(v.Values, false)
			v.Valid = append(v.Valid, false)
			return nil
		}
		b, ok := d.Bool()
		if !ok {
			return fmt.Errorf("expected bool, got %v", d.Type())
		}
		v.Values = append(v.Values, b)
		v.Valid = append(v.Valid, true)
	default:
		return fmt.Errorf("unhandled column type %T", c)
	}
	return nil
}

// DecodeAll decodes every chunk in data back to back, concatenating rows
// into one Batch. Used by tests and by cmd/shreparts to read input files
// made of several independently-written sub-batches.
func DecodeAll(data []byte, schema Schema) (*Batch, error) {
	out := New(schema)
	rest := data
	for len(rest) > 0 {
		b, tail, err := DecodeBatch(rest, schema)
		if err != nil {
			return nil, err
		}
		if b.NumRows() == 0 && len(tail) == len(rest) {
			break
		}
		for ci := range schema {
			for row := 0; row < b.NumRows(); row++ {
				out.Columns[ci].appendFrom(b.Columns[ci], row)
			}
		}
		rest = tail
	}
	return out, nil
}
