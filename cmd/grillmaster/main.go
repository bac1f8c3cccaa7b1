// Command grillmaster runs the durable video processing pipeline server
// and its companion CLI operations.
package main

import (
	"fmt"
	"os"

	"github.com/acamarata/grillmaster/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
