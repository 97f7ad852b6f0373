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
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input matrix `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	transpose := flags.Bool("transpose", false, "write samples as rows instead of genes")
	genesFilename := flags.String("output-genes", "", "also write gene row labels to `file` (csv)")
	samplesFilename := flags.String("output-samples", "", "also write sample column labels to `file` (csv)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var mtx *exprMatrix
	if *inputFilename == "-" {
		var buf []byte
		buf, err = io.ReadAll(stdin)
		if err != nil {
			return 1
		}
		mtx, err = parseMatrix("stdin", buf)
	} else {
		mtx, err = readMatrix(*inputFilename)
	}
	if err != nil {
		return 1
	}

	out, rows, cols := matrix2array(mtx, *transpose)

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}

	if *genesFilename != "" {
		err = writeLabels(*genesFilename, mtx.Genes)
		if err != nil {
			return 1
		}
	}
	if *samplesFilename != "" {
		err = writeLabels(*samplesFilename, mtx.Samples)
		if err != nil {
			return 1
		}
	}
	log.Printf("wrote %d x %d matrix", rows, cols)
	return 0
}

// matrix2array flattens m row-major, optionally transposing so
// samples become rows.
func matrix2array(m *exprMatrix, transpose bool) (data []float64, rows, cols int) {
	rows, cols = len(m.Genes), len(m.Samples)
	if transpose {
		rows, cols = cols, rows
	}
	data = make([]float64, rows*cols)
	for i, row := range m.Rows {
		for j, v := range row {
			if transpose {
				data[j*cols+i] = v
			} else {
				data[i*cols+j] = v
			}
		}
	}
	return
}

func writeLabels(fnm string, labels []string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i, label := range labels {
		fmt.Fprintf(w, "%d,%q\n", i, label)
	}
	err = w.Flush()
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
