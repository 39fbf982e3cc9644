package main

import (
	"os"

	"github.com/windlassproject/windlass/cmd/windlassctl/cmd"
	"github.com/windlassproject/windlass/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
