// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bytes"
	"io"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type metadataSuite struct{}

var _ = check.Suite(&metadataSuite{})

// Two runs for SRX2, one each for SRX1/SRX3, plus a repeated header
// row like the ones left behind by naive CSV concatenation.
const runMetadataCSV = `Experiment,Run,ReleaseDate,LibraryLayout,Title
SRX2,SRR21,2021-03-04,PAIRED,two
SRX1,SRR11,2020-01-02 03:04:05,SINGLE,one
Experiment,Run,ReleaseDate,LibraryLayout,Title
SRX2,SRR22,2021-03-04,PAIRED,two-b
SRX3,SRR31,,SINGLE,three
`

func (s *metadataSuite) TestRollup(c *check.C) {
	meta, err := parseSampleSheet(strings.NewReader(runMetadataCSV), ',', "test")
	c.Assert(err, check.IsNil)
	out, err := rollupMetadata(meta, "both")
	c.Assert(err, check.IsNil)
	c.Check(out.Header, check.DeepEquals, []string{"Experiment", "Run", "ReleaseDate", "LibraryLayout", "Title", "R1", "R2"})
	c.Assert(out.Rows, check.HasLen, 3)
	c.Check(out.Rows[0], check.DeepEquals, []string{"SRX2", "SRR21;SRR22", "2021-03-04", "PAIRED", "two-b", "", ""})
	c.Check(out.Rows[1], check.DeepEquals, []string{"SRX1", "SRR11", "2020-01-02 03:04:05", "SINGLE", "one", "", ""})
	c.Check(out.Rows[2], check.DeepEquals, []string{"SRX3", "SRR31", "", "SINGLE", "three", "", ""})
}

func (s *metadataSuite) TestLayoutFilter(c *check.C) {
	meta, err := parseSampleSheet(strings.NewReader(runMetadataCSV), ',', "test")
	c.Assert(err, check.IsNil)
	out, err := rollupMetadata(meta, "paired")
	c.Assert(err, check.IsNil)
	c.Assert(out.Rows, check.HasLen, 1)
	c.Check(out.Rows[0][0], check.Equals, "SRX2")
}

func (s *metadataSuite) TestCommand(c *check.C) {
	tmpdir := c.MkDir()
	var stdout bytes.Buffer
	exited := (&cleanMetadata{}).RunCommand("clean-metadata", []string{
		"-sample-ids", tmpdir + "/ids.txt",
	}, strings.NewReader(runMetadataCSV), &stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "Experiment\tRun\tReleaseDate\tLibraryLayout\tTitle\tR1\tR2\n"+
		"SRX2\tSRR21;SRR22\t2021-03-04\tPAIRED\ttwo-b\t\t\n"+
		"SRX1\tSRR11\t2020-01-02 03:04:05\tSINGLE\tone\t\t\n"+
		"SRX3\tSRR31\t\tSINGLE\tthree\t\t\n")
	ids, err := os.ReadFile(tmpdir + "/ids.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(ids), check.Equals, "Experiment\nSRX2\nSRX1\nSRX3\n")
}

func (s *metadataSuite) TestBadLayoutFlag(c *check.C) {
	var stderr bytes.Buffer
	exited := (&cleanMetadata{}).RunCommand("clean-metadata", []string{"-layout", "pear"}, strings.NewReader(""), io.Discard, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*invalid -layout.*`)
}
