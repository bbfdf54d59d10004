// Package main is the entry point for the courier server.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/courier/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
