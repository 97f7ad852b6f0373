// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bytes"
	"os"

	"gopkg.in/check.v1"
)

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

// writeBatchDir lays out one batch directory the way quant-merge
// does: three matrices plus a sample sheet. counts and tpm share
// values, which is fine for merge's coherence checks.
func writeBatchDir(c *check.C, dir string, m *exprMatrix, sheet string) {
	mtxdir := dir + "/expression_matrices"
	c.Assert(os.MkdirAll(mtxdir, 0777), check.IsNil)
	for _, kind := range matrixKinds {
		mm := m
		if kind == "log_tpm" {
			mm = log2Matrix(m)
		}
		c.Assert(mm.WriteFile(mtxdir+"/"+kind+".csv"), check.IsNil)
	}
	if sheet != "" {
		c.Assert(os.WriteFile(dir+"/samplesheet.csv", []byte(sheet), 0666), check.IsNil)
	}
}

func (s *mergeSuite) TestMergeTwoBatches(c *check.C) {
	batch1 := c.MkDir()
	batch2 := c.MkDir()
	outdir := c.MkDir()
	writeBatchDir(c, batch1, &exprMatrix{
		Genes:   []string{"g1", "g2"},
		Samples: []string{"SRX2", "SRX9"},
		Rows:    [][]float64{{2, 9}, {20, 90}},
	}, "sample,runs,n_runs,layout\nSRX2,SRR2,1,single\nSRX9,SRR9,1,paired\n")
	writeBatchDir(c, batch2, &exprMatrix{
		Genes:   []string{"g1", "g2"},
		Samples: []string{"SRX1"},
		Rows:    [][]float64{{1}, {10}},
	}, "sample,runs,n_runs,layout\nSRX1,SRR1,1,single\n")

	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", outdir,
		batch1, batch2,
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	buf, err := os.ReadFile(outdir + "/merged_counts.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "GeneID,SRX1,SRX2,SRX9\ng1,1,2,9\ng2,10,20,90\n")

	buf, err = os.ReadFile(outdir + "/merged_samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "sample,runs,n_runs,layout\nSRX1,SRR1,1,single\nSRX2,SRR2,1,single\nSRX9,SRR9,1,paired\n")

	buf, err = os.ReadFile(outdir + "/merge_summary.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, ""+
		"Merged TPM matrix: 2 genes x 3 samples\n"+
		"Merged log TPM matrix: 2 genes x 3 samples\n"+
		"Merged counts matrix: 2 genes x 3 samples\n")

	// the three merged matrices stay mutually aligned
	for _, kind := range matrixKinds {
		m, err := readMatrix(outdir + "/merged_" + kind + ".csv")
		c.Assert(err, check.IsNil)
		c.Check(m.Samples, check.DeepEquals, []string{"SRX1", "SRX2", "SRX9"}, check.Commentf("%s", kind))
		c.Check(m.Genes, check.DeepEquals, []string{"g1", "g2"})
	}
}

func (s *mergeSuite) TestSkipIncompleteBatch(c *check.C) {
	batch1 := c.MkDir()
	batch2 := c.MkDir()
	outdir := c.MkDir()
	writeBatchDir(c, batch1, &exprMatrix{
		Genes:   []string{"g1"},
		Samples: []string{"SRX1"},
		Rows:    [][]float64{{1}},
	}, "sample,runs,n_runs,layout\nSRX1,SRR1,1,single\n")
	// batch2 has a counts matrix but no tpm/log_tpm
	c.Assert(os.MkdirAll(batch2+"/expression_matrices", 0777), check.IsNil)
	m := &exprMatrix{Genes: []string{"g1"}, Samples: []string{"SRX2"}, Rows: [][]float64{{2}}}
	c.Assert(m.WriteFile(batch2+"/expression_matrices/counts.csv"), check.IsNil)

	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", outdir,
		batch1, batch2,
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	buf, err := os.ReadFile(outdir + "/merged_counts.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "GeneID,SRX1\ng1,1\n")
}

func (s *mergeSuite) TestDuplicateColumns(c *check.C) {
	batch1 := c.MkDir()
	batch2 := c.MkDir()
	m := &exprMatrix{Genes: []string{"g1"}, Samples: []string{"SRX1"}, Rows: [][]float64{{1}}}
	writeBatchDir(c, batch1, m, "")
	writeBatchDir(c, batch2, m, "")

	var stderr bytes.Buffer
	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", c.MkDir(),
		batch1, batch2,
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*duplicate sample columns across batches: SRX1 \(in .* and .*\).*`)
}

func (s *mergeSuite) TestGeneMismatch(c *check.C) {
	batch1 := c.MkDir()
	batch2 := c.MkDir()
	writeBatchDir(c, batch1, &exprMatrix{Genes: []string{"g1", "g2"}, Samples: []string{"SRX1"}, Rows: [][]float64{{1}, {2}}}, "")
	writeBatchDir(c, batch2, &exprMatrix{Genes: []string{"g1", "g3"}, Samples: []string{"SRX2"}, Rows: [][]float64{{1}, {2}}}, "")

	var stderr bytes.Buffer
	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", c.MkDir(),
		batch1, batch2,
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*gene sequences differ.*`)
}

func (s *mergeSuite) TestSheetFirstWins(c *check.C) {
	batch1 := c.MkDir()
	batch2 := c.MkDir()
	outdir := c.MkDir()
	writeBatchDir(c, batch1, &exprMatrix{
		Genes:   []string{"g1"},
		Samples: []string{"SRX5"},
		Rows:    [][]float64{{5}},
	}, "sample,runs,n_runs,layout\nSRX5,SRR5,1,single\n")
	// batch2's sheet carries a spurious second entry for SRX5
	writeBatchDir(c, batch2, &exprMatrix{
		Genes:   []string{"g1"},
		Samples: []string{"SRX6"},
		Rows:    [][]float64{{6}},
	}, "sample,runs,n_runs,layout\nSRX5,SRR99,9,paired\nSRX6,SRR6,1,single\n")

	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", outdir,
		batch1, batch2,
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	buf, err := os.ReadFile(outdir + "/merged_samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "sample,runs,n_runs,layout\nSRX5,SRR5,1,single\nSRX6,SRR6,1,single\n")
}

func (s *mergeSuite) TestNoArgs(c *check.C) {
	var stderr bytes.Buffer
	exited := (&merger{}).RunCommand("merge", nil, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*usage: merge.*`)
}

func (s *mergeSuite) TestNoSurvivors(c *check.C) {
	outdir := c.MkDir()
	exited := (&merger{}).RunCommand("merge", []string{
		"-output-dir", outdir,
		c.MkDir(), // empty directory, not a batch
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	buf, err := os.ReadFile(outdir + "/merged_tpm.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "GeneID\n")
	buf, err = os.ReadFile(outdir + "/merged_samplesheet.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "sample\n")
	buf, err = os.ReadFile(outdir + "/merge_summary.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, ""+
		"Merged TPM matrix: 0 genes x 0 samples\n"+
		"Merged log TPM matrix: 0 genes x 0 samples\n"+
		"Merged counts matrix: 0 genes x 0 samples\n")
}
