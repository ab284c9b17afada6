// Command pttflow runs flows that bridge a PTT service into a message-passing
// node graph.
//
// Usage:
//
//	pttflow [flags] <command> [args]
//
// Commands:
//
//	run         - Start a flow and its HTTP inject/health/metrics server
//	validate    - Check a flow file without connecting to anything
//	credentials - Manage node credentials in the configured store
//	lookup      - Query the PTT directory once
//	version     - Print build information
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
