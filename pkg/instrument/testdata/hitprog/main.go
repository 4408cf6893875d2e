// Command hitprog runs the functions of target.go with breakpoints armed on
// the lines given as name=line arguments and prints what was captured.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/probe"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
)

var conditions = map[string]string{
	"grow": "n > 5",
}

type result struct {
	Hits     int               `json:"hits"`
	Complete bool              `json:"complete"`
	Locals   map[string]string `json:"locals"`
	Fields   map[string]string `json:"fields"`
	Returned []int             `json:"returned"`
}

func main() {
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(unit string, args []string) error {
	registry := breakpoint.NewRegistry(breakpoint.WithEvaluator(condition.NewLuaEvaluator()))
	store := snapshot.NewStore(snapshot.DefaultConfig())
	rt := probe.NewRuntime(registry, store)
	probe.Install(rt)
	defer probe.Uninstall(rt)

	var mu sync.Mutex
	hits := make(map[int]int)
	rt.OnHit(func(snap *snapshot.Snapshot) {
		mu.Lock()
		hits[snap.Line]++
		mu.Unlock()
	})

	lines := make(map[string]int)
	ids := make(map[string]string)
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("bad argument %q", arg)
		}
		line, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad line in %q: %w", arg, err)
		}
		loc := breakpoint.Location{Unit: unit, Line: line}
		id, _ := registry.AddFunc(loc, conditions[name], func(id string) {
			store.Init(id, loc.Unit, loc.Line)
		})
		lines[name], ids[name] = line, id
	}

	returned := map[string][]int{
		"len":  {(*ledger)(nil).Len(), (&ledger{entries: []int{1, 2}}).Len()},
		"sum":  {sum([]int{4, 5, 6}), sum([]int{1})},
		"grow": {grow(3), grow(7), grow(9)},
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	squares := make([]int, 16)
	for i := range squares {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			squares[i] = square(i)
		}(i)
	}
	close(start)
	wg.Wait()
	returned["square"] = squares

	report := make(map[string]result, len(ids))
	for name, id := range ids {
		r := result{Returned: returned[name]}
		mu.Lock()
		r.Hits = hits[lines[name]]
		mu.Unlock()
		if snap, ok := store.Get(id); ok {
			r.Complete = snap.Complete
			r.Locals = values(snap.LocalVariables)
			r.Fields = values(snap.Fields)
		}
		report[name] = r
	}
	return json.NewEncoder(os.Stdout).Encode(report)
}

func values(vars map[string]capture.Variable) map[string]string {
	out := make(map[string]string, len(vars))
	for name, v := range vars {
		out[name] = v.Value
	}
	return out
}
