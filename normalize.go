// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// centerColumns returns a copy of m with each column shifted to the
// common mean: per-column means are subtracted, then the grand mean
// of the column means is added back so the overall expression level
// is preserved.
func centerColumns(m *exprMatrix) *exprMatrix {
	out := &exprMatrix{
		Genes:   append([]string(nil), m.Genes...),
		Samples: append([]string(nil), m.Samples...),
		Rows:    make([][]float64, len(m.Rows)),
	}
	if len(m.Rows) == 0 || len(m.Samples) == 0 {
		for i, row := range m.Rows {
			out.Rows[i] = append([]float64(nil), row...)
		}
		return out
	}
	means := make([]float64, len(m.Samples))
	col := make([]float64, len(m.Rows))
	for j := range m.Samples {
		for i, row := range m.Rows {
			col[i] = row[j]
		}
		means[j] = stat.Mean(col, nil)
	}
	grand := stat.Mean(means, nil)
	for i, row := range m.Rows {
		nrow := make([]float64, len(row))
		for j, v := range row {
			nrow[j] = v - means[j] + grand
		}
		out.Rows[i] = nrow
	}
	return out
}

// centerRows returns a copy of m with each gene row centered on zero.
// Rows whose centered values would all be exactly zero (i.e. constant
// rows) carry no signal and are dropped.
func centerRows(m *exprMatrix) *exprMatrix {
	out := &exprMatrix{Samples: append([]string(nil), m.Samples...)}
	dropped := 0
	for i, row := range m.Rows {
		constant := true
		for _, v := range row {
			if v != row[0] {
				constant = false
				break
			}
		}
		if constant && len(row) > 0 {
			dropped++
			continue
		}
		mean := stat.Mean(row, nil)
		nrow := make([]float64, len(row))
		for j, v := range row {
			nrow[j] = v - mean
		}
		out.Genes = append(out.Genes, m.Genes[i])
		out.Rows = append(out.Rows, nrow)
	}
	if dropped > 0 {
		log.Printf("dropping %d genes with constant expression", dropped)
	}
	return out
}

type normalizer struct{}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *normalizer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input matrix `file`")
	outputFilename := flags.String("o", "-", "output matrix `file`")
	mode := flags.String("mode", "sample", "center `axis`: \"sample\" (columns) or \"gene\" (rows)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var mtx *exprMatrix
	if *inputFilename == "-" {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		mtx, err = parseMatrix("stdin", buf)
		if err != nil {
			return err
		}
	} else {
		mtx, err = readMatrix(*inputFilename)
		if err != nil {
			return err
		}
	}

	var out *exprMatrix
	switch *mode {
	case "sample":
		out = centerColumns(mtx)
	case "gene":
		out = centerRows(mtx)
	default:
		return fmt.Errorf("unsupported mode %q (must be \"sample\" or \"gene\")", *mode)
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = zcreate(*outputFilename)
		if err != nil {
			return err
		}
	}
	bufw := bufio.NewWriter(output)
	err = out.Write(bufw)
	if err == nil {
		err = bufw.Flush()
	}
	if err == nil {
		err = output.Close()
	}
	if err != nil {
		return err
	}

	log.Printf("%s-centered %d genes x %d samples", *mode, len(out.Genes), len(out.Samples))
	return nil
}
