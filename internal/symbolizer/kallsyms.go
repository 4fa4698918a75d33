package symbolizer

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// parseSymbolListing reads "address type name [module]" lines as produced by
// /proc/kallsyms or nm. Only text symbols are kept.
func parseSymbolListing(lines []string) *symbolTable {
	entries := make([]symbolEntry, 0, len(lines))
	for _, line := range lines {
		// Format: "ffffffff81000000 T _text" (addr type name [module])
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		switch parts[1] {
		case "T", "t", "W", "w":
		default:
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		e := symbolEntry{addr: addr, name: parts[2]}
		if len(parts) >= 4 && strings.HasPrefix(parts[3], "[") {
			e.module = strings.Trim(parts[3], "[]")
		}
		entries = append(entries, e)
	}
	return newSymbolTable(entries)
}

// FlatSymbolBackend resolves against a textual symbol listing. The listing is
// parsed once; each batch is resolved up front in LoadAddresses and Resolve
// reads the slot for the trace's batch position.
type FlatSymbolBackend struct {
	source    string
	table     *symbolTable
	demangler *Demangler
	slots     []ResolvedTrace
}

func NewFlatSymbolBackend(reader LineReader, source string, demangler *Demangler) (*FlatSymbolBackend, error) {
	lines, err := reader.ReadLines()
	if err != nil {
		return nil, fmt.Errorf("read symbol listing %s: %w", source, err)
	}
	table := parseSymbolListing(lines)
	if table.Len() == 0 {
		return nil, fmt.Errorf("symbol listing %s: %w", source, ErrNoSymbols)
	}
	slog.Info("Loaded flat symbol listing", "source", source, "entries", table.Len())
	return &FlatSymbolBackend{source: source, table: table, demangler: demangler}, nil
}

func (b *FlatSymbolBackend) Name() string { return BackendFlat }

func (b *FlatSymbolBackend) LoadAddresses(addrs []uint64) {
	b.slots = make([]ResolvedTrace, len(addrs))
	for i, addr := range addrs {
		b.slots[i] = b.lookup(NewResolvedTrace(addr, i))
	}
}

func (b *FlatSymbolBackend) Resolve(t ResolvedTrace) ResolvedTrace {
	if t.Index >= 0 && t.Index < len(b.slots) && b.slots[t.Index].Addr == t.Addr {
		return b.slots[t.Index]
	}
	return b.lookup(t)
}

func (b *FlatSymbolBackend) lookup(t ResolvedTrace) ResolvedTrace {
	e, ok := b.table.lookup(t.Addr)
	if !ok {
		return t
	}
	t.ObjectFunction = b.demangler.Demangle(e.name)
	t.ObjectFilename = b.source
	if e.module != "" {
		t.ObjectFilename = e.module
	}
	finish(&t)
	return t
}
