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
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// planConfig is the batch partitioning policy. It is passed
// explicitly to planBatches so callers (and tests) never depend on
// package-level tunables.
type planConfig struct {
	Size         int // target batch size
	MinRemainder int // minimum size of a trailing partial batch
}

// planBatches partitions ids into contiguous, non-overlapping,
// 1-indexed batches whose concatenation in index order reproduces ids
// exactly. With batch size B and minimum remainder R, k = ceil(N/B)
// batches are planned; if the trailing partial batch would have fewer
// than R members and there is a preceding batch to extend, the
// partial batch is folded into its predecessor instead. The last
// batch always ends at N.
func planBatches(cfg planConfig, ids []string) [][]string {
	if cfg.Size <= 0 {
		cfg.Size = 500
	}
	n := len(ids)
	if n == 0 {
		return nil
	}
	k := (n + cfg.Size - 1) / cfg.Size
	if rem := n % cfg.Size; rem != 0 && rem < cfg.MinRemainder && k > 1 {
		k--
	}
	batches := make([][]string, k)
	for i := 0; i < k; i++ {
		start := i * cfg.Size
		end := start + cfg.Size
		if i == k-1 {
			end = n
		}
		batches[i] = ids[start:end]
	}
	return batches
}

// manifestEntry is one row of the batch manifest.
type manifestEntry struct {
	Batch   int    `csv:"batch"`
	Name    string `csv:"name"`
	Source  string `csv:"source"`
	Size    int    `csv:"size"`
	Digest  string `csv:"digest"`
	Samples string `csv:"samples"`
}

type batchPlan struct {
	cfg planConfig
}

func (cmd *batchPlan) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *batchPlan) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "sample ID list `file` (one accession per line)")
	outputDir := flags.String("output-dir", ".", "output `directory` for batch files and manifest")
	flags.IntVar(&cmd.cfg.Size, "size", 500, "target batch `size`")
	flags.IntVar(&cmd.cfg.MinRemainder, "min-remainder", 250, "fold a trailing batch smaller than `N` into its predecessor")
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

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = zopen(*inputFilename)
		if err != nil {
			return err
		}
	}
	ids, err := readSampleIDs(input)
	input.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", *inputFilename, err)
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	batches := planBatches(cmd.cfg, ids)
	entries := make([]*manifestEntry, 0, len(batches))
	for i, members := range batches {
		name := fmt.Sprintf("batch_%04d", i+1)
		fnm := *outputDir + "/" + name + ".csv"
		err = writeSampleIDs(fnm, members)
		if err != nil {
			return err
		}
		digest := blake2b.Sum256([]byte(strings.Join(members, "\n")))
		entries = append(entries, &manifestEntry{
			Batch:   i + 1,
			Name:    name,
			Source:  *inputFilename,
			Size:    len(members),
			Digest:  fmt.Sprintf("%x", digest),
			Samples: strings.Join(members, ";"),
		})
		log.Printf("%s: %d samples", name, len(members))
	}

	manifestFilename := *outputDir + "/manifest.csv"
	f, err := os.OpenFile(manifestFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	err = gocsv.Marshal(&entries, f)
	if err != nil {
		return fmt.Errorf("write %s: %w", manifestFilename, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", manifestFilename, err)
	}
	log.Printf("planned %d batches for %d samples", len(batches), len(ids))
	return nil
}

// readSampleIDs reads a newline-delimited accession list, tolerating
// an "Experiment" header row and blank lines.
func readSampleIDs(r io.Reader) ([]string, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var ids []string
	for i, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || (i == 0 && line == "Experiment") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, nil
}

func writeSampleIDs(fnm string, ids []string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprint(w, "Experiment\n")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\n", id)
	}
	err = w.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}
