// Package main provides the entry point for the albumd service.
package main

import (
	"os"

	"github.com/albumkit/albumd/cmd/albumd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
