// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type statscmd struct {
	perSample bool
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.BoolVar(&cmd.perSample, "per-sample", false, "output per-sample detail")
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

	var input io.ReadCloser
	label := *inputFilename
	if *inputFilename == "-" {
		label = "stdin"
		input = io.NopCloser(stdin)
	} else {
		input, err = zopen(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
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
	err = cmd.doStats(label, input, bufw)
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
	return 0
}

// sampleStat is the per-column detail emitted with -per-sample.
type sampleStat struct {
	Sample       string
	ZeroFraction float64
	Mean         float64
	Max          float64
}

func (cmd *statscmd) doStats(label string, input io.Reader, output io.Writer) error {
	buf, err := io.ReadAll(input)
	if err != nil {
		return err
	}
	m, err := parseMatrix(label, buf)
	if err != nil {
		return err
	}

	var ret struct {
		Genes            int
		Samples          int
		AllZeroGenes     int
		MeanZeroFraction float64
		MaxZeroFraction  float64
		PerSample        []sampleStat `json:",omitempty"`
	}
	ret.Genes = len(m.Genes)
	ret.Samples = len(m.Samples)
	for _, row := range m.Rows {
		allzero := true
		for _, v := range row {
			if v != 0 {
				allzero = false
				break
			}
		}
		if allzero {
			ret.AllZeroGenes++
		}
	}
	if len(m.Samples) > 0 && len(m.Rows) > 0 {
		fractions := make([]float64, len(m.Samples))
		col := make([]float64, len(m.Rows))
		for j, name := range m.Samples {
			zero := 0
			for i, row := range m.Rows {
				col[i] = row[j]
				if row[j] == 0 {
					zero++
				}
			}
			fractions[j] = float64(zero) / float64(len(m.Rows))
			if cmd.perSample {
				ret.PerSample = append(ret.PerSample, sampleStat{
					Sample:       name,
					ZeroFraction: fractions[j],
					Mean:         stat.Mean(col, nil),
					Max:          floats.Max(col),
				})
			}
		}
		ret.MeanZeroFraction = stat.Mean(fractions, nil)
		ret.MaxZeroFraction = floats.Max(fractions)
	}

	return json.NewEncoder(output).Encode(ret)
}
