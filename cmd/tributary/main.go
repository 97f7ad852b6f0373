// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/seqcohort/tributary"
)

func main() {
	tributary.Main()
}
