package symbolizer

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

const (
	DemangleFull       = "full"
	DemangleSimplified = "simplified"
	DemangleTemplates  = "templates"
	DemangleNone       = "none"
)

var demangleModes = map[string][]demangle.Option{
	DemangleFull:       {demangle.NoClones},
	DemangleSimplified: {demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams},
	DemangleTemplates:  {demangle.NoParams, demangle.NoEnclosingParams},
	DemangleNone:       nil,
}

// Demangler turns C++ and Rust linkage names into readable form. Names that
// are not mangled come back unchanged.
type Demangler struct {
	options []demangle.Option
	enabled bool
}

func NewDemangler(mode string) (*Demangler, error) {
	if mode == "" {
		mode = DemangleFull
	}
	opts, ok := demangleModes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown demangle mode %q", mode)
	}
	return &Demangler{options: opts, enabled: mode != DemangleNone}, nil
}

func (d *Demangler) Demangle(name string) string {
	if d == nil || !d.enabled || name == "" {
		return name
	}
	if !strings.HasPrefix(name, "_Z") && !strings.HasPrefix(name, "_R") {
		return name
	}
	return demangle.Filter(name, d.options...)
}
