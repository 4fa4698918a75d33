package symbolizer

import (
	"log/slog"
	"runtime/debug"
)

// DwarfBackend resolves addresses through the DWARF data of the object that
// owns them, falling back to the ELF symbol table.
type DwarfBackend struct {
	locator   *moduleLocator
	demangler *Demangler
	metrics   *Metrics
}

func NewDwarfBackend(maps ProcMapsProvider, objects *ObjectCache, exec *ExecPaths, demangler *Demangler, metrics *Metrics) *DwarfBackend {
	return &DwarfBackend{
		locator:   newModuleLocator(maps, objects, exec, metrics),
		demangler: demangler,
		metrics:   metrics,
	}
}

func (b *DwarfBackend) Name() string { return BackendDWARF }

func (b *DwarfBackend) LoadAddresses([]uint64) {}

func (b *DwarfBackend) Resolve(t ResolvedTrace) ResolvedTrace {
	m, ok := b.locator.symbolize(&t, b.demangler)
	if !ok {
		return t
	}
	if m.obj.HasDWARF() {
		b.resolveDWARF(m, &t)
	}
	finish(&t)
	return t
}

func (b *DwarfBackend) resolveDWARF(m module, t *ResolvedTrace) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic while reading DWARF", "path", m.obj.Path, "pc", m.rel, "panic", r, "stack", string(debug.Stack()))
			if b.metrics != nil {
				b.metrics.BackendPanics.WithLabelValues(b.Name()).Inc()
			}
		}
	}()
	m.obj.resolveDWARF(m.rel, b.demangler, t)
}

// GoSymBackend uses the Go runtime line table (.gopclntab). It knows
// functions, files and lines but not the inlining tree.
type GoSymBackend struct {
	locator   *moduleLocator
	demangler *Demangler
}

func NewGoSymBackend(maps ProcMapsProvider, objects *ObjectCache, exec *ExecPaths, demangler *Demangler, metrics *Metrics) *GoSymBackend {
	return &GoSymBackend{locator: newModuleLocator(maps, objects, exec, metrics), demangler: demangler}
}

func (b *GoSymBackend) Name() string { return BackendGoSym }

func (b *GoSymBackend) LoadAddresses([]uint64) {}

func (b *GoSymBackend) Resolve(t ResolvedTrace) ResolvedTrace {
	m, ok := b.locator.symbolize(&t, b.demangler)
	if !ok {
		return t
	}
	if m.obj.HasGoLineTable() {
		if tab, err := m.obj.goLineTable(); err == nil {
			file, line, fn := tab.PCToLine(m.rel)
			if fn != nil {
				t.Source = SourceLocation{Filename: file, Function: fn.Name}
				if line > 0 {
					t.Source.Line = uint32(line)
				}
				if t.ObjectFunction == "" {
					t.ObjectFunction = fn.Name
				}
			}
		}
	}
	finish(&t)
	return t
}

// SymtabBackend reports object and symbol names only.
type SymtabBackend struct {
	locator   *moduleLocator
	demangler *Demangler
}

func NewSymtabBackend(maps ProcMapsProvider, objects *ObjectCache, exec *ExecPaths, demangler *Demangler, metrics *Metrics) *SymtabBackend {
	return &SymtabBackend{locator: newModuleLocator(maps, objects, exec, metrics), demangler: demangler}
}

func (b *SymtabBackend) Name() string { return BackendSymtab }

func (b *SymtabBackend) LoadAddresses([]uint64) {}

func (b *SymtabBackend) Resolve(t ResolvedTrace) ResolvedTrace {
	if _, ok := b.locator.symbolize(&t, b.demangler); ok {
		finish(&t)
	}
	return t
}

// NoopBackend leaves every trace unresolved.
type NoopBackend struct{}

func (NoopBackend) Name() string { return BackendNoop }

func (NoopBackend) LoadAddresses([]uint64) {}

func (NoopBackend) Resolve(t ResolvedTrace) ResolvedTrace { return t }
