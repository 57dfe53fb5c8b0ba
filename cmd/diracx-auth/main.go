// Command diracx-auth runs the DIRAC authorization server.
package main

import (
	"os"

	"github.com/diracgrid/diracx-auth/cmd/diracx-auth/app"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
