// Package main is the entry point for the gatekeeper packet inspection daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/gatekeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
