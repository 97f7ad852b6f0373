// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// qcMetrics are the report columns a run must pass, in summary-table
// order.
var qcMetrics = []string{
	"per_base_sequence_quality",
	"per_sequence_quality_scores",
	"adapter_content",
}

// qcRecord is one parsed row of the upstream QC report: one FASTQ
// stream of one sequencing run, with the three considered metric
// statuses.
type qcRecord struct {
	Sample   string
	Statuses [3]string
}

func (rec qcRecord) pass() bool {
	for _, s := range rec.Statuses {
		if !qcPass(s) {
			return false
		}
	}
	return true
}

// qcPass reports whether one metric status equals the pass sentinel.
// Any other value, including empty or unknown, fails.
func qcPass(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "pass")
}

// parseQCReport extracts the considered columns from a tab-separated
// QC report. A missing header row, Sample column, or metric column
// makes the whole report unparsable; a short data row only fails the
// metrics it is missing.
func parseQCReport(buf []byte, label string) ([]qcRecord, error) {
	sampleCol := -1
	var metricCols [3]int
	var recs []qcRecord
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		fields := strings.Split(string(line), "\t")
		if sampleCol < 0 {
			// header row
			for col, name := range fields {
				if name == "Sample" {
					sampleCol = col
				}
				for i, metric := range qcMetrics {
					if name == metric {
						metricCols[i] = col + 1
					}
				}
			}
			if sampleCol < 0 {
				return nil, fmt.Errorf("%s: no column named \"Sample\" in header row", label)
			}
			for i, metric := range qcMetrics {
				if metricCols[i] == 0 {
					return nil, fmt.Errorf("%s: no column named %q in header row", label, metric)
				}
			}
			continue
		}
		if len(fields) <= sampleCol || fields[sampleCol] == "" {
			log.Warnf("%s: skipping row with no sample name: %q", label, line)
			continue
		}
		rec := qcRecord{Sample: fields[sampleCol]}
		for i := range qcMetrics {
			if col := metricCols[i] - 1; col < len(fields) {
				rec.Statuses[i] = fields[col]
			}
		}
		recs = append(recs, rec)
	}
	if sampleCol < 0 {
		return nil, fmt.Errorf("%s: no header row", label)
	}
	return recs, nil
}

// qcSummaryRow is one row of the per-run summary table.
type qcSummaryRow struct {
	Sample         string `csv:"sample"`
	Experiment     string `csv:"experiment"`
	BaseSample     string `csv:"base_sample"`
	PerBaseQuality string `csv:"per_base_sequence_quality"`
	PerSeqQuality  string `csv:"per_sequence_quality_scores"`
	AdapterContent string `csv:"adapter_content"`
	Overall        string `csv:"overall"`
}

type qcRollupResult struct {
	Summary    []*qcSummaryRow
	Accepted   []string // sorted, de-duplicated base sample IDs
	BasePass   map[string]bool
	ExpPass    map[string]bool
	Failures   []string // report lines, one per failed stream
	Unparsable string   // reason, when the report could not be parsed
}

// rollupQC reduces stream-level QC records to per-run and
// per-experiment status. An experiment passes only if every observed
// stream of every one of its runs passed every metric; arrival order
// does not matter.
func rollupQC(recs []qcRecord) *qcRollupResult {
	res := &qcRollupResult{
		BasePass: map[string]bool{},
		ExpPass:  map[string]bool{},
	}
	var baseOrder []string
	for _, rec := range recs {
		base := baseSampleID(rec.Sample)
		exp := experimentID(base)
		if _, ok := res.BasePass[base]; !ok {
			res.BasePass[base] = true
			baseOrder = append(baseOrder, base)
		}
		if _, ok := res.ExpPass[exp]; !ok {
			res.ExpPass[exp] = true
		}
		if !rec.pass() {
			res.BasePass[base] = false
			res.ExpPass[exp] = false
			var reasons []string
			for i, metric := range qcMetrics {
				if !qcPass(rec.Statuses[i]) {
					reasons = append(reasons, fmt.Sprintf("%s=%s", metric, rec.Statuses[i]))
				}
			}
			res.Failures = append(res.Failures, fmt.Sprintf("failed %s: %s", rec.Sample, strings.Join(reasons, ", ")))
		}
		overall := "FAIL"
		if rec.pass() {
			overall = "PASS"
		}
		res.Summary = append(res.Summary, &qcSummaryRow{
			Sample:         rec.Sample,
			Experiment:     exp,
			BaseSample:     base,
			PerBaseQuality: rec.Statuses[0],
			PerSeqQuality:  rec.Statuses[1],
			AdapterContent: rec.Statuses[2],
			Overall:        overall,
		})
	}
	for _, base := range baseOrder {
		if res.ExpPass[experimentID(base)] {
			res.Accepted = append(res.Accepted, base)
		}
	}
	sort.Strings(res.Accepted)
	return res
}

func (res *qcRollupResult) report(label string) string {
	var b strings.Builder
	if res.Unparsable != "" {
		fmt.Fprintf(&b, "QC rollup of %s: no parsable records (%s)\n", label, res.Unparsable)
	} else {
		fmt.Fprintf(&b, "QC rollup of %s: %d runs in %d experiments\n", label, len(res.BasePass), len(res.ExpPass))
	}
	passExp, passRun := 0, 0
	for _, ok := range res.ExpPass {
		if ok {
			passExp++
		}
	}
	for base := range res.BasePass {
		if res.ExpPass[experimentID(base)] {
			passRun++
		}
	}
	fmt.Fprintf(&b, "passed: %d experiments (%d runs)\n", passExp, passRun)
	fmt.Fprintf(&b, "failed: %d experiments (%d runs)\n", len(res.ExpPass)-passExp, len(res.BasePass)-passRun)
	for _, line := range res.Failures {
		fmt.Fprintf(&b, "%s\n", line)
	}
	return b.String()
}

type qcRollup struct{}

func (cmd *qcRollup) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *qcRollup) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "QC report `file` (tab separated)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	acceptFilename := flags.String("output-accept", "accepted_samples.txt", "accept list `filename` within output dir")
	summaryFilename := flags.String("output-summary", "qc_summary.csv", "per-run summary `filename` within output dir")
	reportFilename := flags.String("output-report", "qc_report.txt", "text report `filename` within output dir")
	batchFilename := flags.String("batch-samples", "", "only accept runs of experiments listed in `file`")
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

	var buf []byte
	label := *inputFilename
	if *inputFilename == "-" {
		label = "stdin"
		buf, err = io.ReadAll(stdin)
	} else {
		var f io.ReadCloser
		f, err = zopen(*inputFilename)
		if err == nil {
			buf, err = io.ReadAll(f)
			f.Close()
		}
	}
	if err != nil {
		return err
	}

	var res *qcRollupResult
	recs, err := parseQCReport(buf, label)
	if err != nil {
		// Unparsable input is not fatal: downstream steps still
		// get well-formed (empty) artifacts.
		log.Warnf("%s", err)
		res = &qcRollupResult{Unparsable: err.Error()}
	} else {
		res = rollupQC(recs)
	}

	if *batchFilename != "" && len(res.Accepted) > 0 {
		f, err := zopen(*batchFilename)
		if err != nil {
			return err
		}
		members, err := readSampleIDs(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", *batchFilename, err)
		}
		inBatch := map[string]bool{}
		for _, id := range members {
			inBatch[id] = true
		}
		kept := res.Accepted[:0]
		for _, base := range res.Accepted {
			if inBatch[experimentID(base)] {
				kept = append(kept, base)
			}
		}
		res.Accepted = kept
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	acceptPath := *outputDir + "/" + *acceptFilename
	f, err := os.OpenFile(acceptPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, base := range res.Accepted {
		fmt.Fprintf(w, "%s\n", base)
	}
	err = w.Flush()
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", acceptPath, err)
	}

	summaryPath := *outputDir + "/" + *summaryFilename
	f, err = os.OpenFile(summaryPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	err = gocsv.Marshal(&res.Summary, f)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", summaryPath, err)
	}

	reportPath := *outputDir + "/" + *reportFilename
	err = os.WriteFile(reportPath, []byte(res.report(label)), 0777)
	if err != nil {
		return fmt.Errorf("write %s: %w", reportPath, err)
	}

	log.Printf("accepted %d runs; outputs in %s", len(res.Accepted), *outputDir)
	return nil
}
