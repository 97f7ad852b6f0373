// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// mergedBatch is one batch directory's worth of input: the three
// parallel matrices (matrixKinds order) and, if present, its sample
// sheet.
type mergedBatch struct {
	dir      string
	matrices [3]*exprMatrix
	sheet    *sampleSheet
}

type merger struct {
	outputDir     string
	prefix        string
	matrixDirname string
	sheetFilename string
	sheetKey      string
	errs          chan error
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.StringVar(&cmd.prefix, "prefix", "merged", "output filename `prefix`")
	flags.StringVar(&cmd.matrixDirname, "matrix-dir", "expression_matrices", "matrix `subdirectory` within each batch directory")
	flags.StringVar(&cmd.sheetFilename, "samplesheet-name", "samplesheet.csv", "sample sheet `filename` within each batch directory")
	flags.StringVar(&cmd.sheetKey, "samplesheet-key", "sample", "sample sheet `column` that identifies a sample")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		err = errors.New("usage: merge [options] batchdir [batchdir ...]")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	err = cmd.doMerge(flags.Args())
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *merger) setError(err error) {
	select {
	case cmd.errs <- err:
	default:
	}
}

// loadBatch reads one batch directory. An absent or incomplete batch
// (missing matrix dir or matrix file) is not an error: it returns
// (nil, nil) so the caller can merge the remaining batches.
func (cmd *merger) loadBatch(dir string) (*mergedBatch, error) {
	mtxdir := dir + "/" + cmd.matrixDirname
	batch := &mergedBatch{dir: dir}
	for i, kind := range matrixKinds {
		fnm := mtxdir + "/" + kind + ".csv"
		if _, err := os.Stat(fnm); err != nil {
			log.Warnf("skipping incomplete batch %s: %s", dir, err)
			return nil, nil
		}
		mtx, err := readMatrix(fnm)
		if err != nil {
			return nil, err
		}
		batch.matrices[i] = mtx
	}
	for i, kind := range matrixKinds[1:] {
		err := checkSameGenes(dir+"/"+matrixKinds[0], batch.matrices[0].Genes, dir+"/"+kind, batch.matrices[i+1].Genes)
		if err != nil {
			return nil, err
		}
		err = checkSameColumns(dir+"/"+matrixKinds[0], batch.matrices[0].Samples, dir+"/"+kind, batch.matrices[i+1].Samples)
		if err != nil {
			return nil, err
		}
	}
	sheetPath := dir + "/" + cmd.sheetFilename
	if _, err := os.Stat(sheetPath); err != nil {
		log.Warnf("%s: no sample sheet: %s", dir, err)
	} else {
		sheet, err := readSampleSheet(sheetPath, ',')
		if err != nil {
			return nil, err
		}
		batch.sheet = sheet
	}
	log.Printf("%s: loaded %d genes x %d samples", dir, len(batch.matrices[0].Genes), len(batch.matrices[0].Samples))
	return batch, nil
}

func (cmd *merger) doMerge(inputs []string) error {
	cmd.errs = make(chan error, 1)
	batches := make([]*mergedBatch, len(inputs))
	var wg sync.WaitGroup
	for i, dir := range inputs {
		wg.Add(1)
		go func(i int, dir string) {
			defer wg.Done()
			if len(cmd.errs) > 0 {
				return
			}
			batch, err := cmd.loadBatch(dir)
			if err != nil {
				cmd.setError(err)
				return
			}
			batches[i] = batch
		}(i, dir)
	}
	wg.Wait()
	go close(cmd.errs)
	if err := <-cmd.errs; err != nil {
		return err
	}

	var survivors []*mergedBatch
	for _, batch := range batches {
		if batch != nil {
			survivors = append(survivors, batch)
		}
	}

	var merged [3]*exprMatrix
	if len(survivors) == 0 {
		log.Warn("no complete batches to merge")
		for i := range merged {
			merged[i] = &exprMatrix{}
		}
		return cmd.writeOutputs(merged, &sampleSheet{Header: []string{cmd.sheetKey}})
	}

	first := survivors[0]
	for _, batch := range survivors[1:] {
		err := checkSameGenes(first.dir, first.matrices[0].Genes, batch.dir, batch.matrices[0].Genes)
		if err != nil {
			return err
		}
	}
	seen := map[string]string{}
	var dups []string
	for _, batch := range survivors {
		for _, col := range batch.matrices[0].Samples {
			if prev, ok := seen[col]; ok {
				dups = append(dups, fmt.Sprintf("%s (in %s and %s)", col, prev, batch.dir))
			} else {
				seen[col] = batch.dir
			}
		}
	}
	if len(dups) > 0 {
		return fmt.Errorf("duplicate sample columns across batches: %s", strings.Join(dups, ", "))
	}
	for i := range matrixKinds {
		m := &exprMatrix{
			Genes: first.matrices[i].Genes,
			Rows:  make([][]float64, len(first.matrices[i].Genes)),
		}
		for _, batch := range survivors {
			m.Samples = append(m.Samples, batch.matrices[i].Samples...)
			for r := range m.Rows {
				m.Rows[r] = append(m.Rows[r], batch.matrices[i].Rows[r]...)
			}
		}
		m.SortColumns()
		merged[i] = m
	}
	// The three outputs must stay aligned no matter what order the
	// inputs arrived in.
	for i, kind := range matrixKinds[1:] {
		err := checkSameGenes(matrixKinds[0], merged[0].Genes, kind, merged[i+1].Genes)
		if err != nil {
			return err
		}
		err = checkSameColumns(matrixKinds[0], merged[0].Samples, kind, merged[i+1].Samples)
		if err != nil {
			return err
		}
	}
	sheet, err := cmd.mergeSheets(survivors)
	if err != nil {
		return err
	}
	return cmd.writeOutputs(merged, sheet)
}

// mergeSheets concatenates the surviving batches' sample sheets,
// keeping the first row seen for any duplicated key. Headers must be
// identical across batches.
func (cmd *merger) mergeSheets(survivors []*mergedBatch) (*sampleSheet, error) {
	merged := &sampleSheet{}
	keyCol := -1
	headerDir := ""
	seen := map[string]string{}
	for _, batch := range survivors {
		if batch.sheet == nil {
			continue
		}
		if keyCol < 0 {
			merged.Header = append([]string(nil), batch.sheet.Header...)
			col, err := batch.sheet.keyColumn(cmd.sheetKey)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", batch.dir, err)
			}
			keyCol = col
			headerDir = batch.dir
		} else if err := checkSameColumns(headerDir+" sample sheet", merged.Header, batch.dir+" sample sheet", batch.sheet.Header); err != nil {
			return nil, err
		}
		for _, row := range batch.sheet.Rows {
			key := row[keyCol]
			if prev, ok := seen[key]; ok {
				log.Warnf("duplicate sample sheet entry for %q in %s (keeping the one from %s)", key, batch.dir, prev)
				continue
			}
			seen[key] = batch.dir
			merged.Rows = append(merged.Rows, row)
		}
	}
	if keyCol < 0 {
		merged.Header = []string{cmd.sheetKey}
		return merged, nil
	}
	sort.Slice(merged.Rows, func(i, j int) bool { return merged.Rows[i][keyCol] < merged.Rows[j][keyCol] })
	return merged, nil
}

func (cmd *merger) writeOutputs(merged [3]*exprMatrix, sheet *sampleSheet) error {
	err := os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return err
	}
	for i, kind := range matrixKinds {
		err = merged[i].WriteFile(cmd.outputDir + "/" + cmd.prefix + "_" + kind + ".csv")
		if err != nil {
			return err
		}
	}
	err = sheet.WriteFile(cmd.outputDir+"/"+cmd.prefix+"_samplesheet.csv", ',')
	if err != nil {
		return err
	}
	var summary strings.Builder
	fmt.Fprintf(&summary, "Merged TPM matrix: %d genes x %d samples\n", len(merged[1].Genes), len(merged[1].Samples))
	fmt.Fprintf(&summary, "Merged log TPM matrix: %d genes x %d samples\n", len(merged[2].Genes), len(merged[2].Samples))
	fmt.Fprintf(&summary, "Merged counts matrix: %d genes x %d samples\n", len(merged[0].Genes), len(merged[0].Samples))
	err = os.WriteFile(cmd.outputDir+"/merge_summary.txt", []byte(summary.String()), 0777)
	if err != nil {
		return err
	}
	log.Printf("merged %d genes x %d samples into %s", len(merged[0].Genes), len(merged[0].Samples), cmd.outputDir)
	return nil
}
