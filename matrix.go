// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// matrixKinds are the three parallel matrix forms emitted at every
// pipeline stage, in output order.
var matrixKinds = []string{"counts", "tpm", "log_tpm"}

// exprMatrix is a gene × experiment table of numeric values: gene
// rows in upstream quantifier order, one column per experiment. The
// same shape backs raw counts, TPM, and log2(TPM+1) data.
type exprMatrix struct {
	Genes   []string
	Samples []string
	Rows    [][]float64
}

// readMatrix loads a matrix file (see Write for the layout),
// transparently decompressing ".gz" input.
func readMatrix(fnm string) (*exprMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", fnm, err)
	}
	return parseMatrix(fnm, buf)
}

func parseMatrix(label string, buf []byte) (*exprMatrix, error) {
	m := &exprMatrix{}
	sawHeader := false
	for lineno, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		fields := strings.Split(string(line), ",")
		if !sawHeader {
			if fields[0] != "GeneID" {
				return nil, fmt.Errorf("%s: line %d: expected header row starting with GeneID, got %q", label, lineno+1, fields[0])
			}
			m.Samples = fields[1:]
			sawHeader = true
			continue
		}
		if len(fields) != len(m.Samples)+1 {
			return nil, fmt.Errorf("%s: line %d: have %d fields, expected %d", label, lineno+1, len(fields), len(m.Samples)+1)
		}
		row := make([]float64, len(m.Samples))
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: line %d: bad value %q for %s", label, lineno+1, s, m.Samples[i])
			}
			row[i] = v
		}
		m.Genes = append(m.Genes, fields[0])
		m.Rows = append(m.Rows, row)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%s: no header row", label)
	}
	return m, nil
}

// Write emits m as CSV: a GeneID header followed by one row per
// gene. Values are formatted so that a read-back recovers the
// identical float64s.
func (m *exprMatrix) Write(w io.Writer) error {
	_, err := io.WriteString(w, strings.Join(append([]string{"GeneID"}, m.Samples...), ",")+"\n")
	if err != nil {
		return err
	}
	for i, gene := range m.Genes {
		fields := make([]string, 0, len(m.Samples)+1)
		fields = append(fields, gene)
		for _, v := range m.Rows[i] {
			fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
		}
		_, err = io.WriteString(w, strings.Join(fields, ",")+"\n")
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes m to the named file, gzip-compressing if the name
// ends with ".gz".
func (m *exprMatrix) WriteFile(fnm string) error {
	f, err := zcreate(fnm)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriterSize(f, 1<<20)
	err = m.Write(bufw)
	if err == nil {
		err = bufw.Flush()
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

// SortColumns reorders the experiment columns lexicographically,
// rearranging every row to match.
func (m *exprMatrix) SortColumns() {
	order := make([]int, len(m.Samples))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return m.Samples[order[i]] < m.Samples[order[j]] })
	samples := make([]string, len(order))
	for i, o := range order {
		samples[i] = m.Samples[o]
	}
	m.Samples = samples
	for r, row := range m.Rows {
		nrow := make([]float64, len(order))
		for i, o := range order {
			nrow[i] = row[o]
		}
		m.Rows[r] = nrow
	}
}

// log2Matrix returns a new matrix with every value v replaced by
// log2(v+1).
func log2Matrix(m *exprMatrix) *exprMatrix {
	out := &exprMatrix{
		Genes:   append([]string(nil), m.Genes...),
		Samples: append([]string(nil), m.Samples...),
		Rows:    make([][]float64, len(m.Rows)),
	}
	for i, row := range m.Rows {
		nrow := make([]float64, len(row))
		for j, v := range row {
			nrow[j] = math.Log2(v + 1)
		}
		out.Rows[i] = nrow
	}
	return out
}

// checkSameGenes verifies that a and b carry the identical
// gene-identifier sequence: same identifiers in the same order, not
// merely the same set.
func checkSameGenes(aLabel string, a []string, bLabel string, b []string) error {
	if len(a) != len(b) {
		return fmt.Errorf("gene sequences differ: %s has %d genes, %s has %d", aLabel, len(a), bLabel, len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return fmt.Errorf("gene sequences differ: %s has %q at row %d where %s has %q", aLabel, a[i], i, bLabel, b[i])
		}
	}
	return nil
}

// checkSameColumns verifies that a and b carry the identical
// experiment column sequence.
func checkSameColumns(aLabel string, a []string, bLabel string, b []string) error {
	if len(a) != len(b) {
		return fmt.Errorf("sample columns differ: %s has %d columns, %s has %d", aLabel, len(a), bLabel, len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return fmt.Errorf("sample columns differ: %s has %q at column %d where %s has %q", aLabel, a[i], i, bLabel, b[i])
		}
	}
	return nil
}
