// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

const (
	quantFilename  = "quant.sf"
	markerFilename = "quant.done"
)

// quantRecord is the parsed quantifier output for one sequencing run.
type quantRecord struct {
	Run    string
	Genes  []string
	Length []float64
	Count  []float64
	TPM    []float64
}

// readQuantFile parses one quantifier output table (tab separated,
// with Name/Length/TPM/NumReads columns located by header name).
func readQuantFile(fnm, run string) (*quantRecord, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", fnm, err)
	}
	rec := &quantRecord{Run: run}
	nameCol, lengthCol, tpmCol, countCol := -1, -1, -1, -1
	maxCol := 0
	sawHeader := false
	for lineno, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		fields := strings.Split(string(line), "\t")
		if !sawHeader {
			for col, name := range fields {
				switch name {
				case "Name":
					nameCol = col
				case "Length":
					lengthCol = col
				case "TPM":
					tpmCol = col
				case "NumReads":
					countCol = col
				}
			}
			for _, c := range []struct {
				name string
				col  int
			}{{"Name", nameCol}, {"Length", lengthCol}, {"TPM", tpmCol}, {"NumReads", countCol}} {
				if c.col < 0 {
					return nil, fmt.Errorf("%s: no column named %q in header row", fnm, c.name)
				}
				if c.col > maxCol {
					maxCol = c.col
				}
			}
			sawHeader = true
			continue
		}
		if len(fields) <= maxCol {
			return nil, fmt.Errorf("%s: line %d: have %d fields, expected at least %d", fnm, lineno+1, len(fields), maxCol+1)
		}
		length, err := strconv.ParseFloat(fields[lengthCol], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: bad Length %q", fnm, lineno+1, fields[lengthCol])
		}
		tpm, err := strconv.ParseFloat(fields[tpmCol], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: bad TPM %q", fnm, lineno+1, fields[tpmCol])
		}
		count, err := strconv.ParseFloat(fields[countCol], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: bad NumReads %q", fnm, lineno+1, fields[countCol])
		}
		rec.Genes = append(rec.Genes, fields[nameCol])
		rec.Length = append(rec.Length, length)
		rec.TPM = append(rec.TPM, tpm)
		rec.Count = append(rec.Count, count)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%s: no header row", fnm)
	}
	return rec, nil
}

// mergeQuantRuns combines the per-run quantifications of one
// experiment into a single column. Counts are summed across runs;
// with a single run the quantifier's own TPM column passes through
// unchanged, otherwise TPM is recomputed from the summed counts and
// the first run's transcript lengths.
func mergeQuantRuns(recs []*quantRecord) (counts, tpm []float64) {
	ngenes := len(recs[0].Genes)
	counts = make([]float64, ngenes)
	for _, rec := range recs {
		for i, c := range rec.Count {
			counts[i] += c
		}
	}
	if len(recs) == 1 {
		return counts, append([]float64(nil), recs[0].TPM...)
	}
	rpk := make([]float64, ngenes)
	var total float64
	for i, c := range counts {
		if l := recs[0].Length[i]; l > 0 {
			rpk[i] = c / l
		}
		total += rpk[i]
	}
	scale := total / 1e6
	if scale == 0 {
		scale = 1
	}
	tpm = make([]float64, ngenes)
	for i, v := range rpk {
		tpm[i] = v / scale
	}
	return counts, tpm
}

// warnLengthDivergence logs one warning per experiment if any
// transcript length differs by more than 1% between its runs.
func warnLengthDivergence(exp string, recs []*quantRecord) {
	first := recs[0]
	for _, rec := range recs[1:] {
		for i := range first.Length {
			a, b := first.Length[i], rec.Length[i]
			max := math.Abs(a)
			if math.Abs(b) > max {
				max = math.Abs(b)
			}
			if math.Abs(a-b) > max/100 {
				log.Warnf("experiment %s: length of %s differs between run %s (%v) and run %s (%v); using %s", exp, first.Genes[i], first.Run, a, rec.Run, b, first.Run)
				return
			}
		}
	}
}

// batchSampleRow is one row of the sample sheet emitted alongside the
// merged matrices.
type batchSampleRow struct {
	Sample string `csv:"sample"`
	Runs   string `csv:"runs"`
	NRuns  int    `csv:"n_runs"`
	Layout string `csv:"layout"`
}

type quantMerge struct{}

func (cmd *quantMerge) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *quantMerge) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputDir := flags.String("input-dir", ".", "`directory` with one quantifier output directory per run")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	matrixDirname := flags.String("matrix-dir", "expression_matrices", "matrix output `subdirectory` within output dir")
	acceptFilename := flags.String("accept", "", "only use runs whose base sample ID is listed in `file`")
	samplesheetFilename := flags.String("samplesheet", "", "pipeline samplesheet `file`, for library layout lookup")
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

	var accept map[string]bool
	if *acceptFilename != "" {
		f, err := zopen(*acceptFilename)
		if err != nil {
			return err
		}
		ids, err := readSampleIDs(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", *acceptFilename, err)
		}
		accept = map[string]bool{}
		for _, id := range ids {
			accept[id] = true
		}
	}

	layout := map[string]string{}
	if *samplesheetFilename != "" {
		sheet, err := readSampleSheet(*samplesheetFilename, ',')
		if err != nil {
			return err
		}
		runCol, err := sheet.keyColumn("run_accession")
		if err != nil {
			return fmt.Errorf("%s: %w", *samplesheetFilename, err)
		}
		layoutCol, err := sheet.keyColumn("layout")
		if err != nil {
			return fmt.Errorf("%s: %w", *samplesheetFilename, err)
		}
		for _, row := range sheet.Rows {
			layout[row[runCol]] = row[layoutCol]
		}
	}

	dirents, err := os.ReadDir(*inputDir)
	if err != nil {
		return err
	}
	var runNames []string
	for _, ent := range dirents {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(*inputDir + "/" + ent.Name() + "/" + quantFilename); err != nil {
			continue
		}
		if _, err := os.Stat(*inputDir + "/" + ent.Name() + "/" + markerFilename); err != nil {
			log.Warnf("%s: no %s marker, treating run as failed", ent.Name(), markerFilename)
			continue
		}
		base := baseSampleID(ent.Name())
		if accept != nil && !accept[base] {
			log.Printf("%s: not in accept list, skipping", ent.Name())
			continue
		}
		runNames = append(runNames, ent.Name())
	}
	sort.Strings(runNames)

	records := make([]*quantRecord, len(runNames))
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for i, name := range runNames {
		i, name := i, name
		throttle.Go(func() error {
			rec, err := readQuantFile(*inputDir+"/"+name+"/"+quantFilename, name)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err = throttle.Wait(); err != nil {
		return err
	}
	for i := 1; i < len(records); i++ {
		err = checkSameGenes(records[0].Run, records[0].Genes, records[i].Run, records[i].Genes)
		if err != nil {
			return err
		}
	}

	byExp := map[string][]*quantRecord{}
	for _, rec := range records {
		exp := experimentID(baseSampleID(rec.Run))
		byExp[exp] = append(byExp[exp], rec)
	}
	exps := make([]string, 0, len(byExp))
	for exp := range byExp {
		exps = append(exps, exp)
	}
	sort.Strings(exps)

	countMtx := &exprMatrix{}
	tpmMtx := &exprMatrix{}
	if len(records) > 0 {
		countMtx.Genes = records[0].Genes
		tpmMtx.Genes = records[0].Genes
		countMtx.Rows = make([][]float64, len(records[0].Genes))
		tpmMtx.Rows = make([][]float64, len(records[0].Genes))
	}
	sheetRows := []*batchSampleRow{}
	for _, exp := range exps {
		recs := byExp[exp]
		warnLengthDivergence(exp, recs)
		counts, tpm := mergeQuantRuns(recs)
		countMtx.Samples = append(countMtx.Samples, exp)
		tpmMtx.Samples = append(tpmMtx.Samples, exp)
		for i := range countMtx.Rows {
			countMtx.Rows[i] = append(countMtx.Rows[i], counts[i])
			tpmMtx.Rows[i] = append(tpmMtx.Rows[i], tpm[i])
		}
		var runs []string
		runLayout := ""
		for _, rec := range recs {
			base := baseSampleID(rec.Run)
			run := strings.TrimPrefix(base, exp+"_")
			runs = append(runs, run)
			if l, ok := layout[run]; ok && runLayout == "" {
				runLayout = l
			}
		}
		sheetRows = append(sheetRows, &batchSampleRow{
			Sample: exp,
			Runs:   strings.Join(runs, ";"),
			NRuns:  len(recs),
			Layout: runLayout,
		})
		log.Printf("%s: merged %d runs", exp, len(recs))
	}

	mtxdir := *outputDir + "/" + *matrixDirname
	err = os.MkdirAll(mtxdir, 0777)
	if err != nil {
		return err
	}
	for i, mtx := range []*exprMatrix{countMtx, tpmMtx, log2Matrix(tpmMtx)} {
		err = mtx.WriteFile(mtxdir + "/" + matrixKinds[i] + ".csv")
		if err != nil {
			return err
		}
	}

	sheetPath := *outputDir + "/samplesheet.csv"
	f, err := os.OpenFile(sheetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	err = gocsv.Marshal(&sheetRows, f)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", sheetPath, err)
	}

	log.Printf("merged %d runs into %d experiment columns", len(records), len(exps))
	return nil
}
