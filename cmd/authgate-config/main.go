// Package main is the entry point for the authgate-config operator tool.
package main

import (
	"os"

	"github.com/carlossalguero/authgate/cmd/authgate-config/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
