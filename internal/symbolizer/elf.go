package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
)

var (
	ErrObjectUnopenable = errors.New("object file cannot be opened")
	ErrNoDebugInfo      = errors.New("no symbols or debug information")
)

// ObjectFile is everything loaded from one binary or shared library. It is
// immutable after load apart from the lazily built indexes, which are only
// touched under the Resolver lock. An ObjectFile with no symbols and no DWARF
// is the empty result of a failed load.
type ObjectFile struct {
	Path      string
	DebugPath string
	Type      elf.Type
	Class     elf.Class
	Progs     []elf.ProgHeader

	symbols *symbolTable
	dwarf   *dwarf.Data
	aranges arangesIndex
	types   map[uint64]*typeUnit

	// files are held open for the lifetime of the process
	file      *elf.File
	debugFile *elf.File
	// dwarfFile is whichever of the two the DWARF data was read from.
	dwarfFile *elf.File

	roots      []dwarf.Offset
	unitRanges []unitRange
	indexed    bool
	units      map[dwarf.Offset]*compilationUnit

	goTable    *gosym.Table
	goTableErr error
}

func (o *ObjectFile) Empty() bool {
	return o.symbols.Len() == 0 && o.dwarf == nil && o.file == nil
}

func (o *ObjectFile) HasDWARF() bool { return o.dwarf != nil }

func (o *ObjectFile) HasGoLineTable() bool {
	return o.file != nil && o.file.Section(".gopclntab") != nil
}

// Symbol returns the nearest function symbol at or below the module-relative
// address.
func (o *ObjectFile) Symbol(addr uint64) (string, bool) {
	e, ok := o.symbols.lookup(addr)
	if !ok {
		return "", false
	}
	return e.name, true
}

func (o *ObjectFile) bias(m *MapRegion) uint64 {
	return computeBias(o.Type, o.Progs, m)
}

type ObjectLoader interface {
	Load(path string) (*ObjectFile, error)
}

type ELFLoader struct {
	// DebugDir is the global directory searched for split debug files.
	DebugDir string
}

func NewELFLoader(debugDir string) *ELFLoader {
	return &ELFLoader{DebugDir: debugDir}
}

func (l *ELFLoader) Load(path string) (*ObjectFile, error) {
	slog.Debug("Loading object file", "path", path)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrObjectUnopenable, err)
	}
	obj := &ObjectFile{
		Path:  path,
		Type:  ef.Type,
		Class: ef.Class,
		Progs: progHeaders(ef),
		file:  ef,
	}

	debugSrc := ef
	if debugPath, err := findDebugFile(ef, path, l.DebugDir); err == nil {
		df, err := elf.Open(debugPath)
		if err != nil {
			slog.Debug("Debug file not usable", "path", path, "debug_path", debugPath, "error", err)
		} else {
			slog.Debug("Using separate debug file", "path", path, "debug_path", debugPath)
			obj.DebugPath = debugPath
			obj.debugFile = df
			debugSrc = df
		}
	}

	obj.symbols, err = readFunctionSymbols(debugSrc, path)
	if errors.Is(err, ErrNoSymbols) && debugSrc != ef {
		obj.symbols, err = readFunctionSymbols(ef, path)
	}
	if err != nil {
		slog.Debug("Function symbols not available", "path", path, "error", err)
	}

	obj.dwarf, err = debugSrc.DWARF()
	if err != nil && debugSrc != ef {
		obj.dwarf, err = ef.DWARF()
		debugSrc = ef
	}
	if err != nil {
		slog.Info("Dwarf data not available", "path", path, "error", err)
		obj.dwarf = nil
	} else {
		obj.dwarfFile = debugSrc
		if data := sectionData(debugSrc, ".debug_aranges"); data != nil {
			obj.aranges, err = parseAranges(data, debugSrc.ByteOrder)
			if err != nil {
				slog.Debug("Malformed .debug_aranges", "path", path, "error", err)
			}
		}
	}

	if obj.symbols.Len() == 0 && obj.dwarf == nil && !obj.HasGoLineTable() {
		obj.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNoDebugInfo)
	}
	slog.Info("Loaded object file", "path", path, "class", obj.Class, "debug_path", obj.DebugPath, "info", obj.info(), "symbols", obj.symbols.Len())
	return obj, nil
}

func progHeaders(ef *elf.File) []elf.ProgHeader {
	progs := make([]elf.ProgHeader, 0, len(ef.Progs))
	for _, p := range ef.Progs {
		progs = append(progs, p.ProgHeader)
	}
	return progs
}

// Close releases the underlying files. Objects owned by an ObjectCache are
// never closed.
func (o *ObjectFile) Close() {
	if o.file != nil {
		o.file.Close()
		o.file = nil
	}
	if o.debugFile != nil {
		o.debugFile.Close()
		o.debugFile = nil
	}
}

func (o *ObjectFile) info() string {
	switch {
	case o.dwarf != nil:
		return "dwarf"
	case o.HasGoLineTable():
		return "gopclntab"
	case o.symbols.Len() > 0:
		return "symbols"
	}
	return "none"
}

// goLineTable builds the Go runtime line table on first use.
func (o *ObjectFile) goLineTable() (*gosym.Table, error) {
	if o.goTable != nil || o.goTableErr != nil {
		return o.goTable, o.goTableErr
	}
	o.goTable, o.goTableErr = readGoSymbolTable(o.file)
	if o.goTableErr != nil {
		slog.Info("Go symbol table not available", "path", o.Path, "error", o.goTableErr)
	}
	return o.goTable, o.goTableErr
}

func readGoSymbolTable(ef *elf.File) (*gosym.Table, error) {
	if ef == nil {
		return nil, ErrObjectUnopenable
	}
	pcln := ef.Section(".gopclntab")
	if pcln == nil {
		return nil, errors.New("no .gopclntab section")
	}
	pclnData, err := pcln.Data()
	if err != nil {
		return nil, fmt.Errorf("read .gopclntab: %w", err)
	}

	var symtabData []byte
	if symsec := ef.Section(".gosymtab"); symsec != nil {
		if data, err2 := symsec.Data(); err2 == nil {
			symtabData = data
		}
	}

	var textAddr uint64
	if text := ef.Section(".text"); text != nil {
		textAddr = text.Addr
	}
	lt := gosym.NewLineTable(pclnData, textAddr)
	return gosym.NewTable(symtabData, lt)
}

type unitRange struct {
	low, high uint64
	unit      dwarf.Offset
	// reach is the highest end of this and every earlier range.
	reach uint64
}

// buildIndex records every compilation unit root and, for units that declare
// their ranges, a sorted range index.
func (o *ObjectFile) buildIndex() {
	if o.indexed || o.dwarf == nil {
		return
	}
	o.indexed = true
	r := o.dwarf.Reader()
	for {
		ent, err := r.Next()
		if err != nil {
			slog.Debug("Malformed compilation unit", "path", o.Path, "error", err)
			break
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit && ent.Tag != dwarf.TagPartialUnit {
			r.SkipChildren()
			continue
		}
		o.roots = append(o.roots, ent.Offset)
		ranges, err := o.dwarf.Ranges(ent)
		if err == nil {
			for _, rg := range ranges {
				if rg[1] > rg[0] {
					o.unitRanges = append(o.unitRanges, unitRange{low: rg[0], high: rg[1], unit: ent.Offset})
				}
			}
		}
		r.SkipChildren()
	}
	sortUnitRanges(o.unitRanges)
}

func sortUnitRanges(rs []unitRange) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].low < rs[j].low })
	var reach uint64
	for i := range rs {
		reach = max(reach, rs[i].high)
		rs[i].reach = reach
	}
}

func (o *ObjectFile) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := o.dwarf.Reader()
	r.Seek(off)
	ent, err := r.Next()
	if err != nil {
		return nil
	}
	return ent
}

// findUnit locates the compilation unit owning pc: .debug_aranges first,
// then the unit range index, then a scan of every unit's function tree.
func (o *ObjectFile) findUnit(pc uint64) *dwarf.Entry {
	if o.dwarf == nil {
		return nil
	}
	o.buildIndex()
	if header, ok := o.aranges.lookup(pc); ok {
		if off, ok := unitForHeader(o.roots, header); ok {
			if ent := o.entryAt(off); ent != nil {
				return ent
			}
		}
	}
	i := sort.Search(len(o.unitRanges), func(i int) bool { return o.unitRanges[i].low > pc })
	for j := i - 1; j >= 0 && o.unitRanges[j].reach > pc; j-- {
		ur := o.unitRanges[j]
		if pc < ur.high {
			if ent := o.entryAt(ur.unit); ent != nil {
				return ent
			}
		}
	}
	for _, off := range o.roots {
		ent := o.entryAt(off)
		if ent != nil && o.unitContains(ent, pc) {
			return ent
		}
	}
	return nil
}

// unit returns the cache entry for a compilation unit, building it on first
// access.
func (o *ObjectFile) unit(cu *dwarf.Entry) *compilationUnit {
	if u, ok := o.units[cu.Offset]; ok {
		return u
	}
	if o.units == nil {
		o.units = make(map[dwarf.Offset]*compilationUnit)
	}
	u := buildCompilationUnit(o.dwarf, cu)
	o.units[cu.Offset] = u
	return u
}

// ObjectCache loads each path at most once. Failed loads are remembered as
// empty objects so they are never retried. ObjectCache is not safe for
// concurrent use; the Resolver serializes access to it.
type ObjectCache struct {
	cache   map[string]*ObjectFile
	loader  ObjectLoader
	metrics *Metrics
}

func NewObjectCache(loader ObjectLoader, metrics *Metrics) *ObjectCache {
	return &ObjectCache{cache: make(map[string]*ObjectFile), loader: loader, metrics: metrics}
}

func (c *ObjectCache) Get(path string) *ObjectFile {
	if obj, ok := c.cache[path]; ok {
		return obj
	}
	obj, err := c.loader.Load(path)
	if err != nil || obj == nil {
		slog.Warn("Failed to load object file", "path", path, "error", err)
		if c.metrics != nil {
			c.metrics.ObjectErrors.WithLabelValues(errorType(err)).Inc()
		}
		obj = &ObjectFile{Path: path}
	} else if c.metrics != nil {
		c.metrics.ObjectLoads.WithLabelValues(obj.info(), strconv.FormatBool(obj.DebugPath != "")).Inc()
	}
	c.cache[path] = obj
	return obj
}

func (c *ObjectCache) Len() int {
	return len(c.cache)
}
