// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// zopen opens the named file for reading, transparently
// decompressing the stream when fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	zr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4<<20))
	if err != nil {
		f.Close()
		return nil, err
	}
	return zreader{zr, f}, nil
}

// zreader couples a decompressor with the file under it, so a single
// Close tears down both.
type zreader struct {
	*pgzip.Reader
	file *os.File
}

func (zr zreader) Close() error {
	err := zr.Reader.Close()
	if e := zr.file.Close(); err == nil {
		err = e
	}
	return err
}

// zcreate creates the named file, transparently gzip-compressing
// written data when fnm ends with ".gz".
func zcreate(fnm string) (io.WriteCloser, error) {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	return zwriter{pgzip.NewWriter(f), f}, nil
}

// zwriter couples a compressor with the file under it. Close finishes
// the gzip stream before closing the file.
type zwriter struct {
	*pgzip.Writer
	file *os.File
}

func (zw zwriter) Close() error {
	err := zw.Writer.Close()
	if e := zw.file.Close(); err == nil {
		err = e
	}
	return err
}
