package symbolizer

import "log/slog"

// module is the loaded object owning an address, with the address translated
// to the object's link-time address space.
type module struct {
	obj  *ObjectFile
	rel  uint64
	name string
}

// moduleLocator finds the object file behind a runtime address using the
// process memory maps.
type moduleLocator struct {
	maps    ProcMapsProvider
	objects *ObjectCache
	exec    *ExecPaths
	metrics *Metrics
}

func newModuleLocator(maps ProcMapsProvider, objects *ObjectCache, exec *ExecPaths, metrics *Metrics) *moduleLocator {
	return &moduleLocator{maps: maps, objects: objects, exec: exec, metrics: metrics}
}

func (l *moduleLocator) locate(addr uint64) (module, bool) {
	r := l.maps.FindRegion(addr)
	if r == nil {
		// libraries loaded after the last read are not in the snapshot yet
		if err := l.maps.Refresh(); err != nil {
			slog.Warn("Failed to refresh memory maps", "error", err)
		}
		r = l.maps.FindRegion(addr)
	}
	if r == nil || !r.HasFile() {
		slog.Debug("Did not find file backed map region for address", "addr", addr)
		if l.metrics != nil {
			l.metrics.UnknownModules.Inc()
		}
		return module{}, false
	}
	open, display := r.Path, r.Path
	if l.exec != nil {
		open, display = l.exec.Resolve(r.Path)
	}
	obj := l.objects.Get(open)
	return module{obj: obj, rel: addr - obj.bias(r), name: display}, true
}

// objectKey is the cache key the locator uses for the main executable.
func (l *moduleLocator) objectKey(path string) string {
	if l.exec == nil {
		return path
	}
	open, _ := l.exec.Resolve(path)
	return open
}

// symbolize fills the object-level fields every object backend reports.
func (l *moduleLocator) symbolize(t *ResolvedTrace, demangler *Demangler) (module, bool) {
	m, ok := l.locate(t.Addr)
	if !ok {
		return m, false
	}
	t.ObjectFilename = m.name
	if name, ok := m.obj.Symbol(m.rel); ok {
		t.ObjectFunction = demangler.Demangle(name)
	}
	return m, true
}

// finish applies the fallbacks shared by all backends: the source function
// mirrors the symbol name when nothing better is known.
func finish(t *ResolvedTrace) {
	if t.Source.Function == "" {
		t.Source.Function = t.ObjectFunction
	}
	if t.PhysicalFunction == "" && len(t.Inliners) == 0 {
		t.PhysicalFunction = t.Source.Function
	}
}
