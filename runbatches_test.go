// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/check.v1"
)

type runBatchesSuite struct{}

var _ = check.Suite(&runBatchesSuite{})

const runBatchesMetadataTSV = "Experiment\tRun\tLibraryLayout\n" +
	"SRX1\tSRR1\tSINGLE\n" +
	"SRX2\tSRR2;SRR3\tPAIRED\n"

func (s *runBatchesSuite) writeInputs(c *check.C, digest1 string) (manifest, metadata string) {
	dir := c.MkDir()
	metadata = dir + "/metadata.tsv"
	c.Assert(os.WriteFile(metadata, []byte(runBatchesMetadataTSV), 0666), check.IsNil)
	manifest = dir + "/manifest.csv"
	c.Assert(os.WriteFile(manifest, []byte(""+
		"batch,name,source,size,digest,samples\n"+
		"1,batch_0001,metadata.tsv,1,"+digest1+",SRX1\n"+
		"2,batch_0002,metadata.tsv,1,,SRX2\n"), 0666), check.IsNil)
	return
}

func (s *runBatchesSuite) TestSamplesheetOnly(c *check.C) {
	manifest, metadata := s.writeInputs(c, "")
	outdir := c.MkDir()
	exited := (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", outdir,
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	buf, err := os.ReadFile(outdir + "/batch_0001/samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, ""+
		"id,run_accession,experiment_accession,fastq_1,fastq_2,layout\n"+
		"SRX1_SRR1,SRR1,SRX1,seqFiles/SRR1.fastq.gz,,single\n")

	buf, err = os.ReadFile(outdir + "/batch_0002/samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, ""+
		"id,run_accession,experiment_accession,fastq_1,fastq_2,layout\n"+
		"SRX2_SRR2,SRR2,SRX2,seqFiles/SRR2_1.fastq.gz,seqFiles/SRR2_2.fastq.gz,paired\n"+
		"SRX2_SRR3,SRR3,SRX2,seqFiles/SRR3_1.fastq.gz,seqFiles/SRR3_2.fastq.gz,paired\n")
}

func (s *runBatchesSuite) TestDigestCheck(c *check.C) {
	digest := fmt.Sprintf("%x", blake2b.Sum256([]byte("SRX1")))
	manifest, metadata := s.writeInputs(c, digest)
	outdir := c.MkDir()
	exited := (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", outdir,
	}, nil, os.Stdout, os.Stderr)
	c.Check(exited, check.Equals, 0)

	// now corrupt the digest: that batch fails, the other still runs
	manifest, metadata = s.writeInputs(c, fmt.Sprintf("%x", blake2b.Sum256([]byte("somebody else"))))
	outdir = c.MkDir()
	var stderr bytes.Buffer
	exited = (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", outdir,
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*1 of 2 batches failed.*`)
	_, err := os.Stat(outdir + "/batch_0001/samplesheet.csv")
	c.Check(os.IsNotExist(err), check.Equals, true)
	_, err = os.Stat(outdir + "/batch_0002/samplesheet.csv")
	c.Check(err, check.IsNil)
}

func (s *runBatchesSuite) TestTemplate(c *check.C) {
	manifest, metadata := s.writeInputs(c, "")
	outdir := c.MkDir()
	exited := (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", outdir,
		"-max-parallel", "2",
		"--", "echo", "processing", "{name}", "&&", "touch", "{outdir}/pipeline.done",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	for _, name := range []string{"batch_0001", "batch_0002"} {
		_, err := os.Stat(outdir + "/" + name + "/pipeline.done")
		c.Check(err, check.IsNil, check.Commentf("%s", name))
		buf, err := os.ReadFile(outdir + "/" + name + "/run.log")
		c.Assert(err, check.IsNil)
		c.Check(string(buf), check.Equals, "processing "+name+"\n")
	}
}

func (s *runBatchesSuite) TestTemplateFailure(c *check.C) {
	manifest, metadata := s.writeInputs(c, "")
	outdir := c.MkDir()
	var stderr bytes.Buffer
	exited := (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", outdir,
		"--", "test", "{name}", "=", "batch_0001",
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*1 of 2 batches failed.*`)
}

func (s *runBatchesSuite) TestEmptyManifest(c *check.C) {
	dir := c.MkDir()
	manifest := dir + "/manifest.csv"
	c.Assert(os.WriteFile(manifest, []byte("batch,name,source,size,digest,samples\n"), 0666), check.IsNil)
	metadata := dir + "/metadata.tsv"
	c.Assert(os.WriteFile(metadata, []byte(runBatchesMetadataTSV), 0666), check.IsNil)
	exited := (&runBatches{}).RunCommand("run-batches", []string{
		"-manifest", manifest,
		"-metadata", metadata,
		"-output-dir", c.MkDir(),
	}, nil, os.Stdout, os.Stderr)
	c.Check(exited, check.Equals, 0)
}

func (s *runBatchesSuite) TestMetadataRequired(c *check.C) {
	var stderr bytes.Buffer
	exited := (&runBatches{}).RunCommand("run-batches", nil, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*must provide -metadata.*`)
}
