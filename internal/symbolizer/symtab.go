package symbolizer

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/ulikunitz/xz"
)

var (
	ErrNoSymbols          = errors.New("no function symbols")
	errNoMiniDebugInfo    = errors.New("no .gnu_debugdata section")
	miniDebugInfoMaxBytes = int64(256 << 20)
)

type symbolEntry struct {
	addr   uint64
	size   uint64
	name   string
	module string
}

// symbolTable is sorted by address once at construction; lookups pick the
// nearest entry at or below the target.
type symbolTable struct {
	entries []symbolEntry
}

func newSymbolTable(entries []symbolEntry) *symbolTable {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	// Aliases share an address; the first one seen wins.
	dedup := entries[:0]
	for i, e := range entries {
		if i > 0 && e.addr == dedup[len(dedup)-1].addr {
			continue
		}
		dedup = append(dedup, e)
	}
	return &symbolTable{entries: dedup}
}

func newELFSymbolTable(syms []elf.Symbol) *symbolTable {
	entries := make([]symbolEntry, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
			continue
		}
		entries = append(entries, symbolEntry{addr: s.Value, size: s.Size, name: s.Name})
	}
	return newSymbolTable(entries)
}

func (t *symbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (t *symbolTable) lookup(addr uint64) (symbolEntry, bool) {
	if t.Len() == 0 {
		return symbolEntry{}, false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].addr > addr })
	if i == 0 {
		return symbolEntry{}, false
	}
	return t.entries[i-1], true
}

// readFunctionSymbols prefers the static symbol table. Only when it is missing
// are the dynamic symbols used, together with the symbols of the compressed
// MiniDebugInfo image some distributions embed in stripped binaries.
func readFunctionSymbols(ef *elf.File, path string) (*symbolTable, error) {
	syms, err := ef.Symbols()
	if err == nil && len(syms) > 0 {
		if st := newELFSymbolTable(syms); st.Len() > 0 {
			return st, nil
		}
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		slog.Debug("Static symbol table not readable", "path", path, "error", err)
	}

	var all []elf.Symbol
	if dyn, err := ef.DynamicSymbols(); err == nil {
		all = append(all, dyn...)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		slog.Debug("Dynamic symbol table not readable", "path", path, "error", err)
	}
	mini, err := miniDebugInfoSymbols(ef)
	if err == nil {
		all = append(all, mini...)
	} else if !errors.Is(err, errNoMiniDebugInfo) {
		slog.Debug("MiniDebugInfo not readable", "path", path, "error", err)
	}
	st := newELFSymbolTable(all)
	if st.Len() == 0 {
		return st, ErrNoSymbols
	}
	return st, nil
}

func miniDebugInfoSymbols(ef *elf.File) ([]elf.Symbol, error) {
	sec := ef.Section(".gnu_debugdata")
	if sec == nil {
		return nil, errNoMiniDebugInfo
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read .gnu_debugdata: %w", err)
	}
	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	var uncompressed bytes.Buffer
	if _, err := io.Copy(&uncompressed, io.LimitReader(reader, miniDebugInfoMaxBytes)); err != nil {
		return nil, fmt.Errorf("decompress .gnu_debugdata: %w", err)
	}
	inner, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parse embedded elf: %w", err)
	}
	defer inner.Close()
	return inner.Symbols()
}
