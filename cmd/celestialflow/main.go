// Command celestialflow is the CLI entrypoint wiring config, logging,
// tracing and the Reporter HTTP surface around the flow package.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
