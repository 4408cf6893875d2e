package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/debugger"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/instrument"
	"github.com/spf13/cobra"
)

//go:embed cart.go
var cartSource []byte

var (
	demoCondition string
	demoRounds    int

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Set a breakpoint in a sample cart and print the captured snapshot",
		RunE:  runDemo,
	}
)

func init() {
	demoCmd.Flags().StringVar(&demoCondition, "condition", "", "breakpoint condition")
	demoCmd.Flags().IntVar(&demoRounds, "rounds", 5, "number of checkouts to run")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	root, err := os.MkdirTemp("", "aivory-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	if err := os.MkdirAll(filepath.Join(root, "shop"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "shop", "cart.go"), cartSource, 0o644); err != nil {
		return err
	}

	cfg := debugger.DefaultConfig()
	cfg.SourceRoots = []string{root}
	out := io.Discard
	if debug {
		out = os.Stderr
	}
	reload := instrument.NewReloader(instrument.FileLoader, instrument.WriterSink{W: out})
	d := debugger.New(cfg, nil, reload, debugger.WithLogger(newLogger()))
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Close()

	id, err := d.RegisterBreakpoint(cmd.Context(), "shop/cart.go", 31, demoCondition)
	if err != nil {
		return err
	}
	snap, _ := d.GetBreakpointSnapshot(id)
	cartUnit = snap.UnitPath
	fmt.Fprintf(cmd.ErrOrStderr(), "breakpoint %s armed at %s:%d\n", id, snap.UnitPath, snap.Line)

	coupon := "WELCOME"
	c := &cart{
		Customer: "ada",
		items: []lineItem{
			{SKU: "book", Price: 12.5, Qty: 2},
			{SKU: "pen", Price: 1.25, Qty: 4},
		},
		coupon: &coupon,
	}
	for i := 0; i < demoRounds; i++ {
		fmt.Fprintf(cmd.ErrOrStderr(), "checkout %d: %.2f\n", i, c.total(float64(i*2)))
	}

	snap, ok := d.GetBreakpointSnapshot(id)
	if !ok || !snap.Complete {
		return fmt.Errorf("breakpoint %s was not hit", id)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
