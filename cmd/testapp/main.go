// Command testapp exercises the AIVory Go agent.
//
// Usage:
//
//	testapp instrument ./pkg/foo/foo.go 42 57
//	testapp demo --condition 'discount > 5'
//	AIVORY_API_KEY=test-key-123 AIVORY_BACKEND_URL=ws://localhost:19999/api/monitor/agent/v1 testapp serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	debug bool

	rootCmd = &cobra.Command{
		Use:           "testapp",
		Short:         "Exercise the AIVory Go agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(instrumentCmd, demoCmd, serveCmd)
}

func newLogger() *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
