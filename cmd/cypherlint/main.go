// Command cypherlint scans a Go source tree for graph-query string
// constants that are not tenant-scoped. It exits non-zero when any
// unscoped query is found, so CI fails before an unscoped query ships.
package main

import (
	"flag"
	"fmt"
	"os"

	"graphmesh-backend/internal/security"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [dir]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	root := "."
	if flag.NArg() > 0 {
		root = flag.Arg(0)
	}

	findings, err := security.ScanDir(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cypherlint: %v\n", err)
		os.Exit(2)
	}

	for _, f := range findings {
		fmt.Println(f.String())
	}
	if len(findings) > 0 {
		fmt.Fprintf(os.Stderr, "cypherlint: found %d unscoped graph queries\n", len(findings))
		os.Exit(1)
	}
}
