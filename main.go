// gotexfetch is a client-side asset fetch pipeline: it retrieves
// compressed image assets from a blob cache, an HTTP range-GET service,
// or a legacy UDP transport, decodes them progressively, and hands raw
// pixel data to the caller.
package main

import (
	"fmt"
	"os"

	"github.com/jonesrussell/gotexfetch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
