/* SPDX-License-Identifier: BSD-2-Clause */

// Command rangefs-cat is a small demonstration client: it opens a remote
// URL through rangefs and streams a byte range of it to stdout, the way
// the teacher's examples/main.go exercised ReaderAtHTTP directly.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/coriolis-labs/rangefs"
	"github.com/spf13/pflag"
)

// eofReader turns File.Read's (0, nil) end-of-file result into io.EOF,
// which io.Copy needs in order to stop.
type eofReader struct{ f *rangefs.File }

func (r eofReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func main() {
	var (
		offset    int64
		length    int64
		chunkSize int64
		readAhead bool
		verbose   bool
	)
	pflag.Int64Var(&offset, "offset", 0, "byte offset to start reading from")
	pflag.Int64Var(&length, "length", -1, "number of bytes to read (-1 for the rest of the file)")
	pflag.Int64Var(&chunkSize, "chunk-size", rangefs.DefaultChunkSize, "chunk granularity in bytes")
	pflag.BoolVar(&readAhead, "read-ahead", true, "enable adaptive prefetching")
	pflag.BoolVar(&verbose, "verbose", false, "log transport and cache activity to stderr")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rangefs-cat [flags] <url>")
		os.Exit(2)
	}
	url := pflag.Arg(0)

	opts := []rangefs.Option{
		rangefs.WithChunkSize(chunkSize),
		rangefs.WithReadAhead(readAhead),
	}
	if verbose {
		opts = append(opts, rangefs.WithLogger(rangefs.StdLogger()))
	}

	fs, err := rangefs.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rangefs-cat: %v\n", err)
		os.Exit(1)
	}
	defer fs.Close()

	f, err := fs.Open(url, "rb")
	if err != nil {
		fmt.Fprintf(os.Stderr, "rangefs-cat: open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if offset > 0 {
		if err := f.Seek(offset); err != nil {
			fmt.Fprintf(os.Stderr, "rangefs-cat: seek: %v\n", err)
			os.Exit(1)
		}
	}

	var out io.Reader = eofReader{f}
	if length >= 0 {
		out = io.LimitReader(out, length)
	}

	if _, err := io.Copy(os.Stdout, out); err != nil {
		fmt.Fprintf(os.Stderr, "rangefs-cat: read: %v\n", err)
		os.Exit(1)
	}
}
