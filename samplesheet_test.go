// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"os"

	"gopkg.in/check.v1"
)

type samplesheetSuite struct{}

var _ = check.Suite(&samplesheetSuite{})

func (s *samplesheetSuite) TestBuildSamplesheet(c *check.C) {
	meta := &sampleSheet{
		Header: []string{"Experiment", "Run", "LibraryLayout"},
		Rows: [][]string{
			{"SRX1", "SRR1;SRR2", "PAIRED"},
			{"SRX2", "SRR3", "SINGLE"},
		},
	}
	rows, err := buildSamplesheet(meta, []string{"SRX1", "SRX2", "SRX9"}, "seqFiles")
	c.Assert(err, check.IsNil)
	c.Assert(rows, check.HasLen, 3)
	c.Check(rows[0], check.DeepEquals, &sheetRow{
		ID:         "SRX1_SRR1",
		Run:        "SRR1",
		Experiment: "SRX1",
		Fastq1:     "seqFiles/SRR1_1.fastq.gz",
		Fastq2:     "seqFiles/SRR1_2.fastq.gz",
		Layout:     "paired",
	})
	c.Check(rows[1].ID, check.Equals, "SRX1_SRR2")
	c.Check(rows[2], check.DeepEquals, &sheetRow{
		ID:         "SRX2_SRR3",
		Run:        "SRR3",
		Experiment: "SRX2",
		Fastq1:     "seqFiles/SRR3.fastq.gz",
		Layout:     "single",
	})
}

func (s *samplesheetSuite) TestMissingColumn(c *check.C) {
	meta := &sampleSheet{Header: []string{"Experiment"}, Rows: [][]string{{"SRX1"}}}
	_, err := buildSamplesheet(meta, []string{"SRX1"}, "seqFiles")
	c.Check(err, check.ErrorMatches, `no column named "Run" in header row .*`)
}

func (s *samplesheetSuite) TestCommand(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/metadata.tsv", []byte(""+
		"Experiment\tRun\tLibraryLayout\n"+
		"SRX1\tSRR1;SRR2\tPAIRED\n"+
		"SRX2\tSRR3\tSINGLE\n"), 0666)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/members.csv", []byte("Experiment\nSRX1\nSRX2\n"), 0666)
	c.Assert(err, check.IsNil)
	exited := (&batchSamplesheet{}).RunCommand("batch-samplesheet", []string{
		"-metadata", tmpdir + "/metadata.tsv",
		"-members", tmpdir + "/members.csv",
		"-o", tmpdir + "/samplesheet.csv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	buf, err := os.ReadFile(tmpdir + "/samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `id,run_accession,experiment_accession,fastq_1,fastq_2,layout
SRX1_SRR1,SRR1,SRX1,seqFiles/SRR1_1.fastq.gz,seqFiles/SRR1_2.fastq.gz,paired
SRX1_SRR2,SRR2,SRX1,seqFiles/SRR2_1.fastq.gz,seqFiles/SRR2_2.fastq.gz,paired
SRX2_SRR3,SRR3,SRX2,seqFiles/SRR3.fastq.gz,,single
`)
}

func (s *samplesheetSuite) TestNoMatchingMembers(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/metadata.tsv", []byte("Experiment\tRun\nSRX1\tSRR1\n"), 0666)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/members.csv", []byte("Experiment\nSRX9\n"), 0666)
	c.Assert(err, check.IsNil)
	exited := (&batchSamplesheet{}).RunCommand("batch-samplesheet", []string{
		"-metadata", tmpdir + "/metadata.tsv",
		"-members", tmpdir + "/members.csv",
		"-o", tmpdir + "/samplesheet.csv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	buf, err := os.ReadFile(tmpdir + "/samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "id,run_accession,experiment_accession,fastq_1,fastq_2,layout\n")
}
