// Package main is the entry point for the dvgate CLI.
package main

import (
	"os"

	"github.com/dvgate/dvgate/cmd/dvgate/app"
	"github.com/dvgate/dvgate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
