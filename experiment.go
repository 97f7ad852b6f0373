// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import "strings"

// stageSuffixes are the pipeline-stage markers appended to run
// identifiers by upstream tools: paired-end mate markers and the trim
// marker.
var stageSuffixes = []string{"_trimmed", "_1", "_2"}

// experimentID returns the experiment accession owning the given run
// identifier: the token preceding the first "_" separator. An
// identifier with no separator is its own experiment.
func experimentID(runid string) string {
	if i := strings.Index(runid, "_"); i >= 0 {
		return runid[:i]
	}
	return runid
}

// baseSampleID strips pipeline-stage suffixes from a run identifier,
// yielding the join key shared by QC reports, quantification outputs,
// and sample sheets. Applying it to an already-stripped identifier is
// a no-op.
func baseSampleID(runid string) string {
	for {
		stripped := runid
		for _, suffix := range stageSuffixes {
			stripped = strings.TrimSuffix(stripped, suffix)
		}
		if stripped == runid {
			return runid
		}
		runid = stripped
	}
}
