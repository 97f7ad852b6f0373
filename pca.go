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

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type pcacmd struct{}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	components := flags.Int("components", 4, "number of components")
	labelsFilename := flags.String("output-labels", "", "also write sample labels to `file` (csv)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Print("reading")
	var inmtx *exprMatrix
	if *inputFilename == "-" {
		var buf []byte
		buf, err = io.ReadAll(stdin)
		if err != nil {
			return 1
		}
		inmtx, err = parseMatrix("stdin", buf)
	} else {
		inmtx, err = readMatrix(*inputFilename)
	}
	if err != nil {
		return 1
	}
	if len(inmtx.Genes) == 0 || len(inmtx.Samples) == 0 {
		err = fmt.Errorf("input matrix is empty (%d genes x %d samples)", len(inmtx.Genes), len(inmtx.Samples))
		return 1
	}
	if *components > len(inmtx.Samples) {
		err = fmt.Errorf("cannot compute %d components from %d samples", *components, len(inmtx.Samples))
		return 1
	}

	log.Printf("creating matrix backed by array: %d rows, %d cols", len(inmtx.Genes), len(inmtx.Samples))
	mtx := matrix2dense(inmtx)

	log.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Printf("transforming")
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return 1
	}
	mtx = mtx.T()

	rows, cols := mtx.Dims()
	log.Printf("copying result to numpy output array: %d rows, %d cols", rows, cols)
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = mtx.At(i, j)
		}
	}

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
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
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

	if *labelsFilename != "" {
		err = writeLabels(*labelsFilename, inmtx.Samples)
		if err != nil {
			return 1
		}
	}
	log.Print("done")
	return 0
}

// matrix2dense copies m into a dense gonum matrix with genes as rows
// (features) and samples as columns (observations).
func matrix2dense(m *exprMatrix) mat.Matrix {
	data := make([]float64, len(m.Genes)*len(m.Samples))
	for i, row := range m.Rows {
		copy(data[i*len(m.Samples):], row)
	}
	return mat.NewDense(len(m.Genes), len(m.Samples), data)
}
