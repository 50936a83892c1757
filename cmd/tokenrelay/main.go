// Package main is the entry point for the tokenrelay server.
package main

import (
	"os"

	"github.com/tokenrelay/tokenrelay/cmd/tokenrelay/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
