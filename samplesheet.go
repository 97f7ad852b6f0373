// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// sampleSheet is a header-driven tabular file whose rows are keyed by
// one natural key column ("sample" or "id" depending on pipeline
// stage).
type sampleSheet struct {
	Header []string
	Rows   [][]string
}

func readSampleSheet(fnm string, comma rune) (*sampleSheet, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseSampleSheet(f, comma, fnm)
}

func parseSampleSheet(rdr io.Reader, comma rune, label string) (*sampleSheet, error) {
	r := csv.NewReader(rdr)
	r.Comma = comma
	r.LazyQuotes = true
	recs, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: no header row", label)
	}
	return &sampleSheet{Header: recs[0], Rows: recs[1:]}, nil
}

// keyColumn returns the index of the named column in the header row.
func (s *sampleSheet) keyColumn(name string) (int, error) {
	for i, h := range s.Header {
		if h == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no column named %q in header row %q", name, strings.Join(s.Header, ","))
}

func (s *sampleSheet) Write(wtr io.Writer, comma rune) error {
	w := csv.NewWriter(wtr)
	w.Comma = comma
	err := w.Write(s.Header)
	for _, row := range s.Rows {
		if err != nil {
			break
		}
		err = w.Write(row)
	}
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	return err
}

func (s *sampleSheet) WriteFile(fnm string, comma rune) error {
	f, err := zcreate(fnm)
	if err != nil {
		return err
	}
	err = s.Write(f, comma)
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

// sheetRow is one pipeline sample sheet record: one sequencing run of
// one experiment, with the FASTQ paths the per-batch pipeline should
// consume.
type sheetRow struct {
	ID         string `csv:"id"`
	Run        string `csv:"run_accession"`
	Experiment string `csv:"experiment_accession"`
	Fastq1     string `csv:"fastq_1"`
	Fastq2     string `csv:"fastq_2"`
	Layout     string `csv:"layout"`
}

// buildSamplesheet expands cleaned-metadata rows for the given batch
// members into per-run sample sheet rows, one row per sequencing run,
// with id = <experiment>_<run>. Members missing from the metadata are
// skipped with a warning.
func buildSamplesheet(meta *sampleSheet, members []string, fastqDir string) ([]*sheetRow, error) {
	expCol, err := meta.keyColumn("Experiment")
	if err != nil {
		return nil, err
	}
	runCol, err := meta.keyColumn("Run")
	if err != nil {
		return nil, err
	}
	layoutCol := -1
	for i, h := range meta.Header {
		if h == "LibraryLayout" {
			layoutCol = i
		}
	}
	byExp := map[string][]string{}
	for _, row := range meta.Rows {
		byExp[row[expCol]] = row
	}
	var rows []*sheetRow
	for _, member := range members {
		row, ok := byExp[member]
		if !ok {
			log.Warnf("sample %s not found in metadata, skipping", member)
			continue
		}
		layout := "single"
		if layoutCol >= 0 && row[layoutCol] != "" {
			layout = strings.ToLower(row[layoutCol])
		}
		for _, run := range strings.Split(row[runCol], ";") {
			if run == "" {
				continue
			}
			sr := &sheetRow{
				ID:         member + "_" + run,
				Run:        run,
				Experiment: member,
				Layout:     layout,
			}
			if layout == "paired" {
				sr.Fastq1 = fastqDir + "/" + run + "_1.fastq.gz"
				sr.Fastq2 = fastqDir + "/" + run + "_2.fastq.gz"
			} else {
				sr.Fastq1 = fastqDir + "/" + run + ".fastq.gz"
			}
			rows = append(rows, sr)
		}
	}
	return rows, nil
}

func writeSamplesheetFile(fnm string, rows []*sheetRow) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	err = gocsv.Marshal(&rows, f)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

type batchSamplesheet struct{}

func (cmd *batchSamplesheet) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *batchSamplesheet) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	metadataFilename := flags.String("metadata", "", "cleaned metadata `file` (tab separated)")
	membersFilename := flags.String("members", "", "batch member list `file` (one accession per line)")
	outputFilename := flags.String("o", "samplesheet.csv", "output `file`")
	fastqDir := flags.String("fastq-dir", "seqFiles", "`directory` prefix for FASTQ paths in the sheet")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *metadataFilename == "" || *membersFilename == "" {
		return errors.New("must provide both -metadata and -members")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	meta, err := readSampleSheet(*metadataFilename, '\t')
	if err != nil {
		return err
	}
	mf, err := zopen(*membersFilename)
	if err != nil {
		return err
	}
	members, err := readSampleIDs(mf)
	mf.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", *membersFilename, err)
	}

	rows, err := buildSamplesheet(meta, members, *fastqDir)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		log.Warnf("no samples matched; writing header-only sample sheet to %s", *outputFilename)
	}
	err = writeSamplesheetFile(*outputFilename, rows)
	if err != nil {
		return err
	}
	log.Printf("wrote %d rows to %s", len(rows), *outputFilename)
	return nil
}
