package main

import (
	"os"

	"cosmossdk.io/log"

	"github.com/openalpha/spot-dex/cmd/spotdexd/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.NewLogger(os.Stderr).Error("failure when running spotdexd", "err", err)
		os.Exit(1)
	}
}
