package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dNIO/cmd/ping"
	"github.com/ValentinKolb/dNIO/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dnio",
		Short: "non-blocking network I/O runtime",
		Long: fmt.Sprintf(`dNIO (v%s)

A non-blocking network I/O runtime written in Go. A pool of single goroutine
executors multiplexes socket readiness, immediate and delayed tasks, and
drives length framed request/response connections.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dNIO",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dNIO v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(ping.PingCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
