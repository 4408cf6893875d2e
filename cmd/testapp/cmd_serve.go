package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	serveConfig  string
	serveMetrics string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the agent against a backend until interrupted",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "YAML config file")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts := []agent.ConfigOption{agent.WithDebug(debug)}
	if serveConfig != "" {
		opts = append(opts, agent.WithConfigFile(serveConfig))
	}
	if serveMetrics != "" {
		opts = append(opts, agent.WithMetricsAddr(serveMetrics))
	}

	a := agent.Init(opts...)
	if a == nil {
		return errors.New("agent did not start, check the configuration")
	}
	cmd.Printf("agent %s running, press Ctrl+C to stop\n", a.Config().AgentID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return agent.Shutdown()
}
