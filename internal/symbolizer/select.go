package symbolizer

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	BackendAuto   = "auto"
	BackendDWARF  = "dwarf"
	BackendGoSym  = "gosym"
	BackendSymtab = "symtab"
	BackendFlat   = "flat"
	BackendNoop   = "noop"
)

var errProcUnavailable = errors.New("process memory maps are not available on this platform")

type Options struct {
	// Backend is one of the Backend* names. Empty means auto.
	Backend string
	// DebugDir is the global directory searched for split debug files.
	DebugDir string
	// FlatSymbols is the path of an "address type name" listing.
	FlatSymbols string
	// Demangle is one of the Demangle* modes.
	Demangle string
	Metrics  *Metrics
}

// SelectBackend builds the backend once at startup. With auto, the running
// executable is inspected and the richest usable variant is picked in the order
// dwarf, gosym, symtab, flat, noop.
func SelectBackend(opts Options) (Backend, error) {
	demangler, err := NewDemangler(opts.Demangle)
	if err != nil {
		return nil, err
	}
	kind := opts.Backend
	if kind == "" {
		kind = BackendAuto
	}

	var b Backend
	switch kind {
	case BackendAuto:
		b = autoBackend(opts, demangler)
	case BackendDWARF, BackendGoSym, BackendSymtab:
		loc, err := newPlatformLocator(opts)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", kind, err)
		}
		b = objectBackend(kind, loc, demangler, opts.Metrics)
	case BackendFlat:
		if opts.FlatSymbols == "" {
			return nil, errors.New("backend flat needs a symbol listing path")
		}
		b, err = NewFlatSymbolBackend(NewDataLoader(opts.FlatSymbols), opts.FlatSymbols, demangler)
		if err != nil {
			return nil, err
		}
	case BackendNoop:
		b = NoopBackend{}
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
	slog.Info("Selected symbolization backend", "backend", b.Name(), "requested", kind)
	return b, nil
}

func objectBackend(kind string, loc *moduleLocator, demangler *Demangler, metrics *Metrics) Backend {
	switch kind {
	case BackendDWARF:
		return &DwarfBackend{locator: loc, demangler: demangler, metrics: metrics}
	case BackendGoSym:
		return &GoSymBackend{locator: loc, demangler: demangler}
	default:
		return &SymtabBackend{locator: loc, demangler: demangler}
	}
}

func autoBackend(opts Options, demangler *Demangler) Backend {
	loc, err := newPlatformLocator(opts)
	if err == nil {
		if kind := inspectExecutable(loc); kind != "" {
			return objectBackend(kind, loc, demangler, opts.Metrics)
		}
	} else {
		slog.Info("Object file backends unavailable", "error", err)
	}
	if opts.FlatSymbols != "" {
		b, err := NewFlatSymbolBackend(NewDataLoader(opts.FlatSymbols), opts.FlatSymbols, demangler)
		if err == nil {
			return b
		}
		slog.Warn("Flat symbol listing unusable", "path", opts.FlatSymbols, "error", err)
	}
	return NoopBackend{}
}

// inspectExecutable loads the running executable through the locator's cache
// and names the richest backend it supports, or "" if none.
func inspectExecutable(loc *moduleLocator) string {
	if loc.exec == nil || loc.exec.Name() == "" {
		return ""
	}
	obj := loc.objects.Get(loc.objectKey(loc.exec.Name()))
	switch {
	case obj.HasDWARF():
		return BackendDWARF
	case obj.HasGoLineTable():
		return BackendGoSym
	case obj.symbols.Len() > 0:
		return BackendSymtab
	}
	return ""
}
