// Package main is the entry point for the captain decoding agent.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/captain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
