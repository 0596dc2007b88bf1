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

// Command shreparts drives the shuffle repartitioner over a fixed schema
// against ion-encoded batches read from stdin or files, exactly the way
// cmd/dump drives ion.ToJSON: a small flag-based wrapper around the core
// library, not a general query tool.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vecquery/shreparts/memory"
	"github.com/vecquery/shreparts/repartition"
	"github.com/vecquery/shreparts/shbatch"
)

func main() {
	var (
		schemaFlag   = flag.String("schema", "", "comma-separated field:type list, e.g. id:int64,name:string")
		partColsFlag = flag.String("partition-cols", "", "comma-separated field names to hash-partition on")
		numParts     = flag.Int("p", 4, "number of output partitions")
		batchSize    = flag.Int("batch-size", 4096, "soft row cap per emitted sub-batch within a spill")
		memBudget    = flag.Int64("mem-budget", 0, "memory arbiter budget in bytes (0 disables admission blocking)")
		outData      = flag.String("out-data", "", "output data file path (required)")
		outIndex     = flag.String("out-index", "", "output index file path (required)")
		spillDir     = flag.String("spill-dir", "", "directory for spills migrating to disk (empty uses the OS temp dir)")
	)
	flag.Parse()

	if err := run(*schemaFlag, *partColsFlag, *numParts, *batchSize, *memBudget, *outData, *outIndex, *spillDir, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "shreparts:", err)
		os.Exit(1)
	}
}

func run(schemaSpec, partColsSpec string, numParts, batchSize int, memBudget int64, outData, outIndex, spillDir string, inputs []string) error {
	if outData == "" || outIndex == "" {
		return fmt.Errorf("-out-data and -out-index are required")
	}
	schema, err := parseSchema(schemaSpec)
	if err != nil {
		return err
	}
	partCols, err := resolvePartitionCols(schema, partColsSpec)
	if err != nil {
		return err
	}

	cfg := repartition.Config{
		Schema:          schema,
		PartitionCols:   partCols,
		NumPartitions:   numParts,
		BatchSize:       batchSize,
		OutputDataFile:  outData,
		OutputIndexFile: outIndex,
		SpillDir:        spillDir,
	}
	arb := memory.NewArbiter(memBudget)
	r, err := repartition.New(cfg, arb)
	if err != nil {
		return fmt.Errorf("constructing repartitioner: %w", err)
	}
	defer r.Close()

	ctx := context.Background()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	for _, path := range inputs {
		if err := insertFromFile(ctx, r, schema, path); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	errc := repartition.RunGuarded(func() error {
		return r.ShuffleWrite(ctx)
	})
	if err := <-errc; err != nil {
		return fmt.Errorf("shuffle write: %w", err)
	}
	return nil
}

func insertFromFile(ctx context.Context, r *repartition.Repartitioner, schema shbatch.Schema, path string) error {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
	}
	data, err := io.ReadAll(bufio.NewReader(f))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	batch, err := shbatch.DecodeAll(data, schema)
	if err != nil {
		return err
	}
	if batch.NumRows() == 0 {
		return nil
	}
	return r.InsertBatch(ctx, batch)
}

func parseSchema(spec string) (shbatch.Schema, error) {
	if spec == "" {
		return nil, fmt.Errorf("-schema is required, e.g. -schema id:int64,name:string")
	}
	fields := strings.Split(spec, ",")
	schema := make(shbatch.Schema, 0, len(fields))
	for _, f := range fields {
		name, kindStr, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("invalid schema field %q, want name:type", f)
		}
		kind, err := parseKind(kindStr)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		schema = append(schema, shbatch.Field{Name: name, Type: kind})
	}
	return schema, nil
}

func parseKind(s string) (shbatch.Kind, error) {
	switch s {
	case "int64":
		return shbatch.Int64Kind, nil
	case "float64":
		return shbatch.Float64Kind, nil
	case "string":
		return shbatch.StringKind, nil
	case "bool":
		return shbatch.BoolKind, nil
	default:
		return 0, fmt.Errorf("unknown type %q (want int64, float64, string, or bool)", s)
	}
}

func resolvePartitionCols(schema shbatch.Schema, spec string) ([]int, error) {
	if spec == "" {
		return nil, fmt.Errorf("-partition-cols is required, e.g. -partition-cols id")
	}
	names := strings.Split(spec, ",")
	cols := make([]int, 0, len(names))
	for _, name := range names {
		idx := -1
		for i, f := range schema {
			if f.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("partition column %q not found in schema", name)
		}
		cols = append(cols, idx)
	}
	return cols, nil
}
