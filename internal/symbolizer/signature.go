package symbolizer

import (
	"debug/dwarf"
	"strings"
)

const (
	langGo        = 0x16
	maxTypeDepth  = 32
	maxOriginHops = 8

	attrMIPSLinkageName dwarf.Attr = 0x2007
)

// namer renders function and type names for entries of one compilation unit.
type namer struct {
	d         *dwarf.Data
	u         *compilationUnit
	demangler *Demangler
	// obj resolves DW_FORM_ref_sig8 type references. It may be nil.
	obj *ObjectFile
}

// typeRef locates a type entry. unit is nil for entries of the data the
// current compilation unit lives in.
type typeRef struct {
	d    *dwarf.Data
	off  dwarf.Offset
	unit *typeUnit
}

// typeOf returns the DW_AT_type reference of e, which was read from unit.
// An unknown signature yields a typeRef without data.
func (n *namer) typeOf(e *dwarf.Entry, unit *typeUnit) (typeRef, bool) {
	switch v := e.Val(dwarf.AttrType).(type) {
	case dwarf.Offset:
		if unit != nil {
			return typeRef{d: unit.d, off: v, unit: unit}, true
		}
		return typeRef{d: n.d, off: v}, true
	case uint64:
		if n.obj == nil {
			return typeRef{}, true
		}
		tu, ok := n.obj.typeBySignature(v)
		if !ok {
			return typeRef{}, true
		}
		return typeRef{d: tu.d, off: tu.typ, unit: tu}, true
	}
	return typeRef{}, false
}

// origins follows DW_AT_abstract_origin and DW_AT_specification links starting
// at e. The result starts with e itself.
func (n *namer) origins(e *dwarf.Entry) []*dwarf.Entry {
	chain := []*dwarf.Entry{e}
	for len(chain) < maxOriginHops {
		cur := chain[len(chain)-1]
		next, ok := cur.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			next, ok = cur.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			break
		}
		ent := n.entry(next)
		if ent == nil {
			break
		}
		chain = append(chain, ent)
	}
	return chain
}

func (n *namer) entry(off dwarf.Offset) *dwarf.Entry {
	return entryIn(n.d, off)
}

func entryIn(d *dwarf.Data, off dwarf.Offset) *dwarf.Entry {
	if d == nil {
		return nil
	}
	r := d.Reader()
	r.Seek(off)
	ent, err := r.Next()
	if err != nil {
		return nil
	}
	return ent
}

func firstString(chain []*dwarf.Entry, attr dwarf.Attr) string {
	for _, e := range chain {
		if s, ok := e.Val(attr).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (n *namer) scopeOf(chain []*dwarf.Entry) []string {
	for _, e := range chain {
		if s, ok := n.u.scopes[e.Offset]; ok {
			return s
		}
	}
	return nil
}

// functionName builds "ret ns::Class::name(param, param)" for C-family units
// and the plain name for Go units. Entries with only a linkage name are
// demangled instead.
func (n *namer) functionName(e *dwarf.Entry) string {
	chain := n.origins(e)
	name := firstString(chain, dwarf.AttrName)
	if name == "" {
		linkage := firstString(chain, dwarf.AttrLinkageName)
		if linkage == "" {
			linkage = firstString(chain, attrMIPSLinkageName)
		}
		return n.demangler.Demangle(linkage)
	}
	if n.u.lang == langGo {
		return name
	}
	if scope := n.scopeOf(chain); len(scope) > 0 {
		name = strings.Join(scope, "::") + "::" + name
	}

	var sb strings.Builder
	for _, e := range chain {
		if ref, ok := n.typeOf(e, nil); ok {
			sb.WriteString(n.typeName(ref))
			sb.WriteByte(' ')
			break
		}
	}
	sb.WriteString(name)
	sb.WriteByte('(')
	sb.WriteString(strings.Join(n.parameterTypes(chain), ", "))
	sb.WriteByte(')')
	return sb.String()
}

// linkageName returns the demangled linkage name of a function entry.
func (n *namer) linkageName(e *dwarf.Entry) string {
	chain := n.origins(e)
	linkage := firstString(chain, dwarf.AttrLinkageName)
	if linkage == "" {
		linkage = firstString(chain, attrMIPSLinkageName)
	}
	return n.demangler.Demangle(linkage)
}

// parameterTypes reads the formal parameters of the most abstract entry in the
// chain that lists any. Compiler generated parameters such as this are
// skipped.
func (n *namer) parameterTypes(chain []*dwarf.Entry) []string {
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].Children {
			continue
		}
		params, found := n.readParameters(chain[i])
		if found {
			return params
		}
	}
	return nil
}

func (n *namer) readParameters(fn *dwarf.Entry) ([]string, bool) {
	r := n.d.Reader()
	r.Seek(fn.Offset)
	if _, err := r.Next(); err != nil {
		return nil, false
	}
	var params []string
	found := false
	for {
		ent, err := r.Next()
		if err != nil || ent == nil || ent.Tag == 0 {
			break
		}
		if ent.Tag != dwarf.TagFormalParameter {
			if ent.Children {
				r.SkipChildren()
			}
			continue
		}
		found = true
		chain := n.origins(ent)
		if artificial, _ := firstFlag(chain, dwarf.AttrArtificial); artificial {
			continue
		}
		typ := "void"
		for _, p := range chain {
			if ref, ok := n.typeOf(p, nil); ok {
				typ = n.typeName(ref)
				break
			}
		}
		params = append(params, typ)
		if ent.Children {
			r.SkipChildren()
		}
	}
	return params, found
}

func firstFlag(chain []*dwarf.Entry, attr dwarf.Attr) (bool, bool) {
	for _, e := range chain {
		if v, ok := e.Val(attr).(bool); ok {
			return v, true
		}
	}
	return false, false
}

// typeName walks a type chain from the outermost modifier to the named type it
// ends in, then applies the modifiers back outward.
func (n *namer) typeName(ref typeRef) string {
	var mods []string
	base := ""
	for depth := 0; depth < maxTypeDepth; depth++ {
		ent := entryIn(ref.d, ref.off)
		if ent == nil {
			base = "?"
			break
		}
		mod := ""
		switch ent.Tag {
		case dwarf.TagConstType:
			mod = "const"
		case dwarf.TagVolatileType:
			mod = "volatile"
		case dwarf.TagRestrictType:
			mod = "restrict"
		case dwarf.TagPointerType:
			mod = "*"
		case dwarf.TagReferenceType:
			mod = "&"
		case dwarf.TagRvalueReferenceType:
			mod = "&&"
		case dwarf.TagArrayType:
			mod = "[]"
		case dwarf.TagSubroutineType:
			base = "<function>"
		default:
			base = n.qualifiedTypeName(ent, ref.unit)
		}
		if base != "" {
			break
		}
		mods = append(mods, mod)
		next, ok := n.typeOf(ent, ref.unit)
		if !ok {
			base = "void"
			break
		}
		ref = next
	}
	if base == "" {
		base = "?"
	}

	name := base
	bare := true
	for i := len(mods) - 1; i >= 0; i-- {
		switch mods[i] {
		case "const", "volatile", "restrict":
			if bare {
				name = mods[i] + " " + name
			} else {
				name = name + " " + mods[i]
			}
		default:
			name += mods[i]
			bare = false
		}
	}
	return name
}

func (n *namer) qualifiedTypeName(ent *dwarf.Entry, unit *typeUnit) string {
	name, _ := ent.Val(dwarf.AttrName).(string)
	if name == "" {
		return "<anonymous>"
	}
	if n.u.lang == langGo {
		return name
	}
	scope := n.u.scopes[ent.Offset]
	if unit != nil {
		scope = unit.scope(ent.Offset)
	}
	if len(scope) > 0 {
		return strings.Join(scope, "::") + "::" + name
	}
	return name
}
