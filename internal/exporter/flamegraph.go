package exporter

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/VladMinzatu/tracesym/internal/profiler"
	"github.com/VladMinzatu/tracesym/internal/symbolizer"
)

// FrameNaming picks the label of each folded frame.
type FrameNaming int

const (
	_ FrameNaming = iota
	// FunctionNames uses the function of each logical frame, inlined calls
	// included.
	FunctionNames
	// FunctionLines appends file:line to every function name.
	FunctionLines
	// ObjectSymbols uses only the symbol table name of each address.
	ObjectSymbols
)

func BuildFoldedStacks(samples []profiler.Sample, naming FrameNaming) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}

		var names []string
		for i := len(s.Stack) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			names = append(names, frameNames(s.Stack[i], naming)...)
		}
		key := strings.Join(names, ";")
		agg[key] += s.Count
	}
	return agg
}

// frameNames returns the labels of one address, outermost first.
func frameNames(t symbolizer.ResolvedTrace, naming FrameNaming) []string {
	if naming == ObjectSymbols {
		return []string{escapeFoldedName(t.ObjectFunction)}
	}
	frames := t.Frames()
	names := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		name := f.Function
		if naming == FunctionLines && name != "" && f.Filename != "" {
			name = fmt.Sprintf("%s %s:%d", name, f.Filename, f.Line)
		}
		names = append(names, escapeFoldedName(name))
	}
	return names
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator, duh
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

func WriteFoldedStacksToFile(agg map[string]uint64, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	type kv struct {
		k string
		v uint64
	}
	var items []kv
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(f, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}
