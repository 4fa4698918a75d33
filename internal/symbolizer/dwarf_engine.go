package symbolizer

import (
	"debug/dwarf"
	"log/slog"
)

// functionMatch is the result of walking a unit for a pc: the out-of-line
// function containing it and the inlined calls enclosing it, outermost first.
type functionMatch struct {
	function *dwarf.Entry
	inlined  []*dwarf.Entry
}

func (o *ObjectFile) entryContains(ent *dwarf.Entry, pc uint64) bool {
	ranges, err := o.dwarf.Ranges(ent)
	if err != nil {
		return false
	}
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

func hasRanges(ent *dwarf.Entry) bool {
	return ent.Val(dwarf.AttrLowpc) != nil || ent.Val(dwarf.AttrRanges) != nil
}

func isDeclaration(ent *dwarf.Entry) bool {
	v, _ := ent.Val(dwarf.AttrDeclaration).(bool)
	return v
}

// findFunction walks the unit depth-first, keeping the open entries on an
// explicit stack. Only subtrees that can contain pc are entered. The deepest
// matching subprogram wins; inlined subroutines below it form the chain.
func (o *ObjectFile) findFunction(u *compilationUnit, pc uint64) functionMatch {
	var m functionMatch
	r := o.dwarf.Reader()
	r.Seek(u.entry.Offset)
	root, err := r.Next()
	if err != nil || root == nil || !root.Children {
		return m
	}

	var stack []dwarf.Tag
	matchedDepth := -1
	for {
		ent, err := r.Next()
		if err != nil {
			slog.Debug("Malformed debug entry", "path", o.Path, "unit", u.entry.Offset, "error", err)
			return m
		}
		if ent == nil {
			return m
		}
		if ent.Tag == 0 {
			if len(stack) == 0 {
				return m
			}
			stack = stack[:len(stack)-1]
			if matchedDepth >= 0 && len(stack) <= matchedDepth {
				return m
			}
			continue
		}

		depth := len(stack)
		descend := false
		switch ent.Tag {
		case dwarf.TagNamespace, dwarf.TagModule, dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType:
			descend = true
		case dwarf.TagSubprogram:
			if o.entryContains(ent, pc) {
				if matchedDepth < 0 {
					matchedDepth = depth
				}
				m.function = ent
				m.inlined = nil
				descend = true
			} else if m.function == nil && !hasRanges(ent) {
				// A declaration matches through the definition that
				// specifies it. The definition itself, when reached, wins.
				if def, ok := u.specs[ent.Offset]; ok {
					if defEnt := o.entryAt(def); defEnt != nil && o.entryContains(defEnt, pc) {
						m.function = defEnt
					}
				}
			}
		case dwarf.TagInlinedSubroutine:
			if o.entryContains(ent, pc) {
				m.inlined = append(m.inlined, ent)
				descend = true
			}
		case dwarf.TagLexDwarfBlock, dwarf.TagTryDwarfBlock, dwarf.TagCatchDwarfBlock:
			descend = !hasRanges(ent) || o.entryContains(ent, pc)
		}

		if !ent.Children {
			if matchedDepth == depth && ent.Tag == dwarf.TagSubprogram {
				return m
			}
			continue
		}
		if descend {
			stack = append(stack, ent.Tag)
		} else {
			r.SkipChildren()
		}
	}
}

// unitContains reports whether any function in the unit covers pc. It is the
// last resort when neither .debug_aranges nor the unit's own ranges know the
// address, so it enters every scope including nested functions.
func (o *ObjectFile) unitContains(cu *dwarf.Entry, pc uint64) bool {
	if !cu.Children {
		return false
	}
	r := o.dwarf.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil {
		return false
	}
	depth := 0
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			return false
		}
		if ent.Tag == 0 {
			if depth == 0 {
				return false
			}
			depth--
			continue
		}
		descend := false
		switch ent.Tag {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			if !isDeclaration(ent) && o.entryContains(ent, pc) {
				return true
			}
			descend = true
		case dwarf.TagNamespace, dwarf.TagModule, dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagLexDwarfBlock:
			descend = true
		}
		if !ent.Children {
			continue
		}
		if descend {
			depth++
		} else {
			r.SkipChildren()
		}
	}
}

// resolveDWARF fills the source location, function names and inliner chain
// of t for a module-relative pc. Each step that fails leaves its fields at
// the unknown sentinel.
func (o *ObjectFile) resolveDWARF(pc uint64, demangler *Demangler, t *ResolvedTrace) {
	cu := o.findUnit(pc)
	if cu == nil {
		slog.Debug("No compilation unit covers address", "path", o.Path, "pc", pc)
		return
	}
	u := o.unit(cu)
	if row, ok := u.lineFor(pc); ok {
		t.Source.Filename = row.file
		t.Source.Line = uint32(row.line)
		t.Source.Column = uint32(row.column)
	}

	m := o.findFunction(u, pc)
	if m.function == nil {
		return
	}
	n := &namer{d: o.dwarf, u: u, demangler: demangler, obj: o}
	t.PhysicalFunction = n.functionName(m.function)
	if t.ObjectFunction == "" {
		t.ObjectFunction = n.linkageName(m.function)
	}

	t.Inliners = make([]SourceLocation, 0, len(m.inlined))
	for _, in := range m.inlined {
		loc := SourceLocation{Function: n.functionName(in)}
		if file, ok := intAttr(in, dwarf.AttrCallFile); ok {
			loc.Filename = u.fileName(file)
		}
		if line, ok := intAttr(in, dwarf.AttrCallLine); ok && line > 0 {
			loc.Line = uint32(line)
		}
		if col, ok := intAttr(in, dwarf.AttrCallColumn); ok && col > 0 {
			loc.Column = uint32(col)
		}
		t.Inliners = append(t.Inliners, loc)
	}
	if len(t.Inliners) > 0 {
		t.Source.Function = t.Inliners[len(t.Inliners)-1].Function
	} else {
		t.Inliners = nil
		t.Source.Function = t.PhysicalFunction
	}
}
