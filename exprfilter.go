// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

// exprFilter drops samples whose expression is mostly absent.
type exprFilter struct {
	MaxZeroFraction float64
}

func (f *exprFilter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MaxZeroFraction, "max-zero-fraction", 0.5, "drop samples with more than this `fraction` of zero counts")
}

// drop returns the names of columns whose zero-count fraction
// strictly exceeds MaxZeroFraction. The fraction is judged on the
// counts matrix so the same columns are dropped from every matrix
// kind.
func (f *exprFilter) drop(counts *exprMatrix) []string {
	if len(counts.Rows) == 0 {
		return nil
	}
	var drop []string
	for col, name := range counts.Samples {
		zero := 0
		for _, row := range counts.Rows {
			if row[col] == 0 {
				zero++
			}
		}
		frac := float64(zero) / float64(len(counts.Rows))
		if frac > f.MaxZeroFraction {
			log.Printf("dropping sample %s: zero-count fraction %.4f", name, frac)
			drop = append(drop, name)
		}
	}
	return drop
}

// dropColumns returns a copy of m without the named columns. m is not
// modified.
func dropColumns(m *exprMatrix, names []string) *exprMatrix {
	dropping := map[string]bool{}
	for _, name := range names {
		dropping[name] = true
	}
	out := &exprMatrix{Genes: append([]string(nil), m.Genes...)}
	var keep []int
	for col, name := range m.Samples {
		if !dropping[name] {
			keep = append(keep, col)
			out.Samples = append(out.Samples, name)
		}
	}
	for _, row := range m.Rows {
		nrow := make([]float64, 0, len(keep))
		for _, col := range keep {
			nrow = append(nrow, row[col])
		}
		out.Rows = append(out.Rows, nrow)
	}
	return out
}

type filtercmd struct {
	filter exprFilter
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *filtercmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputDir := flags.String("input-dir", ".", "`directory` containing merged matrices")
	inputPrefix := flags.String("prefix", "merged", "input filename `prefix`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	outputPrefix := flags.String("output-prefix", "filtered", "output filename `prefix`")
	sheetKey := flags.String("samplesheet-key", "sample", "sample sheet `column` that identifies a sample")
	cmd.filter.Flags(flags)
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

	var matrices [3]*exprMatrix
	for i, kind := range matrixKinds {
		matrices[i], err = readMatrix(*inputDir + "/" + *inputPrefix + "_" + kind + ".csv")
		if err != nil {
			return err
		}
	}
	for i, kind := range matrixKinds[1:] {
		err = checkSameGenes(matrixKinds[0], matrices[0].Genes, kind, matrices[i+1].Genes)
		if err != nil {
			return err
		}
		err = checkSameColumns(matrixKinds[0], matrices[0].Samples, kind, matrices[i+1].Samples)
		if err != nil {
			return err
		}
	}

	drops := cmd.filter.drop(matrices[0])

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	for i, kind := range matrixKinds {
		err = dropColumns(matrices[i], drops).WriteFile(*outputDir + "/" + *outputPrefix + "_" + kind + ".csv")
		if err != nil {
			return err
		}
	}

	dropping := map[string]bool{}
	for _, name := range drops {
		dropping[name] = true
	}
	sheet := &sampleSheet{Header: []string{*sheetKey}}
	sheetPath := *inputDir + "/" + *inputPrefix + "_samplesheet.csv"
	if _, err := os.Stat(sheetPath); err != nil {
		log.Warnf("no sample sheet to filter: %s", err)
	} else {
		sheet, err = readSampleSheet(sheetPath, ',')
		if err != nil {
			return err
		}
		keyCol, err := sheet.keyColumn(*sheetKey)
		if err != nil {
			return fmt.Errorf("%s: %w", sheetPath, err)
		}
		kept := sheet.Rows[:0]
		for _, row := range sheet.Rows {
			if !dropping[row[keyCol]] {
				kept = append(kept, row)
			}
		}
		sheet.Rows = kept
	}
	err = sheet.WriteFile(*outputDir+"/"+*outputPrefix+"_samplesheet.csv", ',')
	if err != nil {
		return err
	}

	log.Printf("dropped %d of %d samples", len(drops), len(matrices[0].Samples))
	return nil
}
