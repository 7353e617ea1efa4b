// Package cmd assembles the spotdexd command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for spotdexd.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spotdexd",
		Short: "SpotDEX - spot exchange matching core",
		Long: `SpotDEX runs the spot exchange core: in-memory matching with
price-time priority, a write-behind SQLite store, and websocket market
data. State recovers from the store on restart.`,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Version is injected at build time.
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the spotdexd version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(Version)
		},
	}
}
