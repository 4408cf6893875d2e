package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/instrument"
	"github.com/spf13/cobra"
)

var instrumentCmd = &cobra.Command{
	Use:   "instrument <file> <line>...",
	Short: "Print a source file with probes placed at the given lines",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runInstrument,
}

func runInstrument(cmd *cobra.Command, args []string) error {
	file := args[0]
	// Every publish carries all probes placed so far; keep the last one.
	var last []byte
	reload := instrument.NewReloader(instrument.FileLoader, instrument.SinkFunc(func(_ string, src []byte) error {
		last = src
		return nil
	}))
	engine := instrument.NewEngine(instrument.FileLoader, reload, instrument.WithLogger(newLogger()))

	md, err := engine.Metadata(file)
	if err != nil {
		return err
	}

	for _, arg := range args[1:] {
		line, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad line %q: %w", arg, err)
		}
		at, ok := md.NearestStatementLine(line)
		if !ok {
			return fmt.Errorf("%s:%d is not inside a function", file, line)
		}
		if at != line {
			fmt.Fprintf(os.Stderr, "line %d moved to %d\n", line, at)
		}
		if err := engine.Apply(cmd.Context(), breakpoint.Location{Unit: file, Line: at}); err != nil {
			return err
		}
	}

	return instrument.WriterSink{W: cmd.OutOrStdout()}.Publish(file, last)
}
