// Package main is the entry point for vmhub.
package main

import (
	"fmt"
	"os"

	"github.com/tomyedwab/vmhub/vmhub/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
