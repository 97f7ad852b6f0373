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
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// runBatches drives the per-batch pipeline: for every manifest entry
// it writes the batch sample sheet and (if a command template is
// given after the flags) runs the pipeline command with {name},
// {batch}, {samplesheet} and {outdir} substituted. A failing batch
// does not stop the others; it is reported at the end.
type runBatches struct {
	manifestFilename string
	metadataFilename string
	outputDir        string
	fastqDir         string
	template         string
	maxParallel      int
	failed           int64
}

func (cmd *runBatches) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runBatches) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cmd.manifestFilename, "manifest", "manifest.csv", "batch manifest `file`")
	flags.StringVar(&cmd.metadataFilename, "metadata", "", "cleaned metadata `file` (tab separated)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory` (one subdirectory per batch)")
	flags.StringVar(&cmd.fastqDir, "fastq-dir", "seqFiles", "`directory` prefix for FASTQ paths in sample sheets")
	flags.IntVar(&cmd.maxParallel, "max-parallel", runtime.GOMAXPROCS(0), "number of batches to run at once")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if cmd.metadataFilename == "" {
		return errors.New("must provide -metadata")
	}
	// remaining args, e.g. after "--", are the per-batch pipeline
	// command; with none, only the sample sheets are written
	cmd.template = strings.Join(flags.Args(), " ")

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	f, err := zopen(cmd.manifestFilename)
	if err != nil {
		return err
	}
	var entries []*manifestEntry
	err = gocsv.Unmarshal(f, &entries)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.manifestFilename, err)
	}
	if len(entries) == 0 {
		log.Warnf("%s: no batches to run", cmd.manifestFilename)
		return nil
	}
	meta, err := readSampleSheet(cmd.metadataFilename, '\t')
	if err != nil {
		return err
	}

	throttle := throttle{Max: cmd.maxParallel}
	for _, ent := range entries {
		ent := ent
		throttle.Go(func() error {
			if err := cmd.runBatch(ent, meta); err != nil {
				log.Errorf("%s: %s", ent.Name, err)
				atomic.AddInt64(&cmd.failed, 1)
			}
			return nil
		})
	}
	if err = throttle.Wait(); err != nil {
		return err
	}
	if failed := atomic.LoadInt64(&cmd.failed); failed > 0 {
		return fmt.Errorf("%d of %d batches failed", failed, len(entries))
	}
	log.Printf("all %d batches succeeded", len(entries))
	return nil
}

func (cmd *runBatches) runBatch(ent *manifestEntry, meta *sampleSheet) error {
	var members []string
	for _, id := range strings.Split(ent.Samples, ";") {
		if id != "" {
			members = append(members, id)
		}
	}
	if ent.Digest != "" {
		digest := blake2b.Sum256([]byte(strings.Join(members, "\n")))
		if have := fmt.Sprintf("%x", digest); have != ent.Digest {
			return fmt.Errorf("manifest digest mismatch: have %s, manifest says %s", have, ent.Digest)
		}
	}

	outdir := cmd.outputDir + "/" + ent.Name
	err := os.MkdirAll(outdir, 0777)
	if err != nil {
		return err
	}
	rows, err := buildSamplesheet(meta, members, cmd.fastqDir)
	if err != nil {
		return err
	}
	sheetPath := outdir + "/samplesheet.csv"
	err = writeSamplesheetFile(sheetPath, rows)
	if err != nil {
		return err
	}
	if cmd.template == "" {
		log.Printf("%s: wrote sample sheet for %d runs", ent.Name, len(rows))
		return nil
	}

	cmdline := strings.NewReplacer(
		"{name}", ent.Name,
		"{batch}", filepath.Dir(cmd.manifestFilename)+"/"+ent.Name+".csv",
		"{samplesheet}", sheetPath,
		"{outdir}", outdir,
	).Replace(cmd.template)
	logPath := outdir + "/run.log"
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	log.Printf("%s: running %q", ent.Name, cmdline)
	pipeline := exec.Command("/bin/sh", "-c", cmdline)
	pipeline.Stdout = logf
	pipeline.Stderr = logf
	err = pipeline.Run()
	logf.Close()
	if err != nil {
		return fmt.Errorf("pipeline failed (see %s): %w", logPath, err)
	}
	log.Printf("%s: done", ent.Name)
	return nil
}
