// Package main provides the depot CLI: a local-first cache of the
// back-office catalog with a sync engine, an HTTP API and offline queries.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "depot:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUserError)
	}
}
