package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/docxology/codomyrmex-sub001/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// Version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestrator version %s (%s, %s/%s)\n", version.Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
