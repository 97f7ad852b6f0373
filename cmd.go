// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"clean-metadata":    &cleanMetadata{},
		"batch-plan":        &batchPlan{},
		"batch-samplesheet": &batchSamplesheet{},
		"run-batches":       &runBatches{},
		"qc-rollup":         &qcRollup{},
		"quant-merge":       &quantMerge{},
		"merge":             &merger{},
		"filter":            &filtercmd{},
		"normalize":         &normalizer{},
		"stats":             &statscmd{},
		"export-numpy":      &exportNumpy{},
		"pca":               &pcacmd{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
