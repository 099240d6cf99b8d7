// Package main is the entry point for the machine tending control loop.
package main

import (
	"fmt"
	"os"

	"github.com/KevinKickass/MachineTending/cmd/machine-tending/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
