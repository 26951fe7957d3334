// Package main is the entry point for the offline audit chain verifier.
//
// It reads the chain either from PostgreSQL or from one or more CBOR files
// (exports or archived batches, given in sequence order starting at the
// first entry) and prints the verification result as JSON. The exit status
// is 0 when the chain is intact, 1 on a violation, and 2 on usage or read
// errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/onnwee/riskaudit/internal/audit"
	"github.com/onnwee/riskaudit/internal/db"
)

const (
	exitOK        = 0
	exitViolation = 1
	exitUsage     = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auditverify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	databaseURL := fs.String("database-url", "", "PostgreSQL connection URL to read the chain from")
	timeout := fs.Duration("timeout", time.Minute, "time limit for reading the chain")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Audit Chain Verifier")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Usage: auditverify [options] [file.cbor ...]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		entries []*audit.Entry
		err     error
	)
	switch {
	case *databaseURL != "" && fs.NArg() > 0:
		fmt.Fprintln(stderr, "use either -database-url or files, not both")
		return exitUsage
	case *databaseURL != "":
		entries, err = readDatabase(ctx, *databaseURL)
	case fs.NArg() > 0:
		entries, err = readFiles(fs.Args())
	default:
		fs.Usage()
		return exitUsage
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}

	res := audit.Verify(entries)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}
	if !res.OK {
		return exitViolation
	}
	return exitOK
}

func readDatabase(ctx context.Context, url string) ([]*audit.Entry, error) {
	conn, err := db.Open(ctx, db.Config{URL: url, MaxOpenConns: 1})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return audit.NewPostgresRepository(conn).All(ctx)
}

func readFiles(paths []string) ([]*audit.Entry, error) {
	var all []*audit.Entry
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		entries, err := audit.DecodeCBOR(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}
