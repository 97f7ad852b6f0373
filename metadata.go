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
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// cleanMetadata rolls a run-level SRA metadata table up to one row
// per experiment: run accessions are joined with ";" in the Run
// column, every other column keeps the last observed run's value, and
// empty R1/R2 columns are appended for downstream FASTQ bookkeeping.
type cleanMetadata struct{}

func (cmd *cleanMetadata) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *cleanMetadata) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "run metadata `file` (comma separated, one row per run)")
	outputFilename := flags.String("o", "-", "cleaned metadata output `file` (tab separated, one row per experiment)")
	sampleIDFilename := flags.String("sample-ids", "", "also write sample ID list to `file`")
	layout := flags.String("layout", "both", "keep experiments with this library `layout`: paired, single, or both")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	switch *layout {
	case "paired", "single", "both":
	default:
		return fmt.Errorf("invalid -layout %q (must be paired, single, or both)", *layout)
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var meta *sampleSheet
	if *inputFilename == "-" {
		meta, err = parseSampleSheet(stdin, ',', "stdin")
	} else {
		meta, err = readSampleSheet(*inputFilename, ',')
	}
	if err != nil {
		return err
	}

	cleaned, err := rollupMetadata(meta, *layout)
	if err != nil {
		return err
	}
	log.Printf("%d runs rolled up into %d experiments", len(meta.Rows), len(cleaned.Rows))

	if *outputFilename == "-" {
		err = cleaned.Write(stdout, '\t')
	} else {
		err = cleaned.WriteFile(*outputFilename, '\t')
	}
	if err != nil {
		return err
	}

	if *sampleIDFilename != "" {
		expCol, _ := cleaned.keyColumn("Experiment")
		ids := make([]string, 0, len(cleaned.Rows))
		for _, row := range cleaned.Rows {
			ids = append(ids, row[expCol])
		}
		err = writeSampleIDs(*sampleIDFilename, ids)
		if err != nil {
			return err
		}
		log.Printf("wrote %d sample IDs to %s", len(ids), *sampleIDFilename)
	}
	return nil
}

// rollupMetadata groups run rows by experiment accession, keeping
// experiments in release-date order (newest first; undated last) and
// applying the library layout filter.
func rollupMetadata(meta *sampleSheet, layout string) (*sampleSheet, error) {
	expCol, err := meta.keyColumn("Experiment")
	if err != nil {
		return nil, err
	}
	runCol, err := meta.keyColumn("Run")
	if err != nil {
		return nil, err
	}
	dateCol := -1
	layoutCol := -1
	for i, h := range meta.Header {
		switch h {
		case "ReleaseDate":
			dateCol = i
		case "LibraryLayout":
			layoutCol = i
		}
	}
	if layout != "both" && layoutCol < 0 {
		log.Warnf("no LibraryLayout column; keeping all experiments despite -layout %s", layout)
	}

	type group struct {
		fields []string
		runs   []string
	}
	byExp := map[string]*group{}
	var order []string
	for _, row := range meta.Rows {
		exp, run := row[expCol], row[runCol]
		if exp == "" || run == "" || run == "Run" {
			continue
		}
		g, ok := byExp[exp]
		if !ok {
			g = &group{}
			byExp[exp] = g
			order = append(order, exp)
		}
		g.fields = append(g.fields[:0], row...)
		g.runs = append(g.runs, run)
	}

	if layout != "both" && layoutCol >= 0 {
		kept := order[:0]
		for _, exp := range order {
			if strings.EqualFold(byExp[exp].fields[layoutCol], layout) {
				kept = append(kept, exp)
			}
		}
		order = kept
	}

	if dateCol >= 0 {
		sort.SliceStable(order, func(i, j int) bool {
			ti := parseReleaseDate(byExp[order[i]].fields[dateCol])
			tj := parseReleaseDate(byExp[order[j]].fields[dateCol])
			return ti.After(tj)
		})
	}

	out := &sampleSheet{Header: append(append([]string(nil), meta.Header...), "R1", "R2")}
	for _, exp := range order {
		g := byExp[exp]
		row := append(append([]string(nil), g.fields...), "", "")
		row[runCol] = strings.Join(g.runs, ";")
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

var releaseDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseReleaseDate returns the zero time for unparsable input, which
// sorts after every real date in the newest-first ordering.
func parseReleaseDate(s string) time.Time {
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
