package symbolizer

import (
	"debug/dwarf"
	"errors"
	"io"
	"log/slog"
	"sort"
)

type lineRow struct {
	addr   uint64
	file   string
	line   int
	column int
	end    bool
}

// compilationUnit caches what is needed to answer repeated lookups inside one
// unit: the address-sorted line table and the links between declarations and
// their out-of-line definitions.
type compilationUnit struct {
	entry *dwarf.Entry
	lang  int64
	lines []lineRow
	files []*dwarf.LineFile

	// specs maps a declaration to the definition that names it through
	// DW_AT_specification.
	specs map[dwarf.Offset]dwarf.Offset
	// scopes holds the enclosing namespace and class names of every named
	// function and type entry in the unit.
	scopes map[dwarf.Offset][]string
}

func buildCompilationUnit(d *dwarf.Data, cu *dwarf.Entry) *compilationUnit {
	u := &compilationUnit{
		entry:  cu,
		specs:  make(map[dwarf.Offset]dwarf.Offset),
		scopes: make(map[dwarf.Offset][]string),
	}
	if lang, ok := intAttr(cu, dwarf.AttrLanguage); ok {
		u.lang = lang
	}
	u.loadLines(d)
	u.loadDeclarations(d)
	return u
}

func (u *compilationUnit) loadLines(d *dwarf.Data) {
	lr, err := d.LineReader(u.entry)
	if err != nil {
		slog.Debug("Malformed line table", "unit", u.entry.Offset, "error", err)
		return
	}
	if lr == nil {
		return
	}
	var rows []lineRow
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Debug("Line table truncated", "unit", u.entry.Offset, "error", err)
			break
		}
		row := lineRow{addr: le.Address, line: le.Line, column: le.Column, end: le.EndSequence}
		if le.File != nil {
			row.file = le.File.Name
		}
		rows = append(rows, row)
	}
	u.files = lr.Files()

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].addr < rows[j].addr })
	// One row per address. A sequence end sharing its address with the start
	// of the next sequence must not hide it.
	dedup := rows[:0]
	for _, row := range rows {
		if n := len(dedup); n > 0 && dedup[n-1].addr == row.addr {
			if dedup[n-1].end && !row.end {
				dedup[n-1] = row
			}
			continue
		}
		dedup = append(dedup, row)
	}
	u.lines = dedup
}

type scopeFrame struct {
	name string
	tag  dwarf.Tag
}

func (u *compilationUnit) loadDeclarations(d *dwarf.Data) {
	err := walkScopes(d, u.entry.Offset, func(ent *dwarf.Entry, stack []scopeFrame) {
		if spec, ok := ent.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
			u.specs[spec] = ent.Offset
		}
		name, _ := ent.Val(dwarf.AttrName).(string)
		if name != "" && (isNamedScope(ent.Tag) || ent.Tag == dwarf.TagSubprogram || ent.Tag == dwarf.TagTypedef) {
			if names := scopeNames(stack); len(names) > 0 {
				u.scopes[ent.Offset] = names
			}
		}
	})
	if err != nil {
		slog.Debug("Malformed debug entry", "unit", u.entry.Offset, "error", err)
	}
}

// walkScopes visits every entry below the unit root at root, depth first,
// together with the stack of entries enclosing it.
func walkScopes(d *dwarf.Data, root dwarf.Offset, visit func(ent *dwarf.Entry, stack []scopeFrame)) error {
	r := d.Reader()
	r.Seek(root)
	top, err := r.Next()
	if err != nil {
		return err
	}
	if top == nil || !top.Children {
		return nil
	}
	var stack []scopeFrame
	for {
		ent, err := r.Next()
		if err != nil {
			return err
		}
		if ent == nil {
			return nil
		}
		if ent.Tag == 0 {
			if len(stack) == 0 {
				return nil
			}
			stack = stack[:len(stack)-1]
			continue
		}
		visit(ent, stack)
		if ent.Children {
			name, _ := ent.Val(dwarf.AttrName).(string)
			stack = append(stack, scopeFrame{name: name, tag: ent.Tag})
		}
	}
}

func isNamedScope(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagEnumerationType:
		return true
	}
	return false
}

func scopeNames(stack []scopeFrame) []string {
	var names []string
	for _, f := range stack {
		if !isNamedScope(f.tag) {
			continue
		}
		name := f.name
		switch {
		case name != "":
		case f.tag == dwarf.TagNamespace:
			name = "(anonymous namespace)"
		default:
			name = "<anonymous>"
		}
		names = append(names, name)
	}
	return names
}

// lineFor returns the row with the greatest address not above pc. Addresses
// before the first row, or in the gap after a sequence end, have no line.
func (u *compilationUnit) lineFor(pc uint64) (lineRow, bool) {
	i := sort.Search(len(u.lines), func(i int) bool { return u.lines[i].addr > pc })
	if i == 0 {
		return lineRow{}, false
	}
	row := u.lines[i-1]
	if row.end {
		return lineRow{}, false
	}
	return row, true
}

func (u *compilationUnit) fileName(idx int64) string {
	if idx < 0 || idx >= int64(len(u.files)) || u.files[idx] == nil {
		return ""
	}
	return u.files[idx].Name
}

func intAttr(e *dwarf.Entry, attr dwarf.Attr) (int64, bool) {
	switch v := e.Val(attr).(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}
