package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

const (
	utType      = 0x02
	utSplitType = 0x06
)

var errTruncatedUnit = errors.New("truncated unit header")

// typeUnit is a unit holding one type, referenced from elsewhere by the
// 8-byte signature of a DW_FORM_ref_sig8 value.
type typeUnit struct {
	d    *dwarf.Data
	root dwarf.Offset
	typ  dwarf.Offset

	scopes map[dwarf.Offset][]string
}

// scope returns the enclosing namespace and class names of a named entry of
// the unit.
func (tu *typeUnit) scope(off dwarf.Offset) []string {
	if tu.scopes == nil {
		tu.scopes = make(map[dwarf.Offset][]string)
		err := walkScopes(tu.d, tu.root, func(ent *dwarf.Entry, stack []scopeFrame) {
			name, _ := ent.Val(dwarf.AttrName).(string)
			if name != "" && (isNamedScope(ent.Tag) || ent.Tag == dwarf.TagTypedef) {
				if names := scopeNames(stack); len(names) > 0 {
					tu.scopes[ent.Offset] = names
				}
			}
		})
		if err != nil {
			slog.Debug("Malformed type unit", "unit", tu.root, "error", err)
		}
	}
	return tu.scopes[off]
}

type typeUnitHeader struct {
	start int
	// sigAt is where the signature and type offset fields begin; root is
	// the first entry after them.
	sigAt int
	root  int
	sig   uint64
	typ   int
}

// parseTypeUnitHeaders lists the type units of a section. In .debug_types
// every unit is one (DWARF 4); in .debug_info only DWARF 5 units of type
// DW_UT_type or DW_UT_split_type are.
func parseTypeUnitHeaders(data []byte, order binary.ByteOrder, debugTypes bool) ([]typeUnitHeader, error) {
	var headers []typeUnitHeader
	for off := 0; off < len(data); {
		start := off
		if len(data)-off < 4 {
			return headers, errTruncatedUnit
		}
		length := uint64(order.Uint32(data[off:]))
		off += 4
		offSize := 4
		switch {
		case length == 0xffffffff:
			if len(data)-off < 8 {
				return headers, errTruncatedUnit
			}
			length = order.Uint64(data[off:])
			off += 8
			offSize = 8
		case length >= 0xfffffff0:
			return headers, fmt.Errorf("reserved unit length 0x%x at 0x%x", length, start)
		}
		if length > uint64(len(data)-off) {
			return headers, errTruncatedUnit
		}
		end := off + int(length)
		hdr := data[off:end]
		off = end

		if len(hdr) < 2 {
			return headers, errTruncatedUnit
		}
		version := order.Uint16(hdr)
		p := 2
		if debugTypes {
			p += offSize + 1 // abbrev offset, address size
		} else {
			if version < 5 {
				continue
			}
			if len(hdr) < p+1 {
				return headers, errTruncatedUnit
			}
			if ut := hdr[p]; ut != utType && ut != utSplitType {
				continue
			}
			p += 2 + offSize // unit type, address size, abbrev offset
		}
		if len(hdr) < p+8+offSize {
			return headers, errTruncatedUnit
		}
		h := typeUnitHeader{start: start, sigAt: end - len(hdr) + p, sig: order.Uint64(hdr[p:])}
		p += 8
		var typeOff uint64
		if offSize == 8 {
			typeOff = order.Uint64(hdr[p:])
		} else {
			typeOff = uint64(order.Uint32(hdr[p:]))
		}
		p += offSize
		h.root = end - len(hdr) + p
		if typeOff < uint64(h.root-start) || typeOff >= uint64(end-start) {
			slog.Debug("Type offset outside of its unit", "unit", start, "type_offset", typeOff)
			continue
		}
		h.typ = start + int(typeOff)
		headers = append(headers, h)
	}
	return headers, nil
}

// newTypeUnits indexes the type units of info (read through d) and of a
// .debug_types section. debug/dwarf cannot read .debug_types entries
// directly, so each of its headers is rewritten in a copy into a plain unit
// header of the same size: the signature and type offset become null
// entries, which keeps every entry, and every unit-relative reference, at
// its original offset.
func newTypeUnits(d *dwarf.Data, info, types, abbrev, str []byte, order binary.ByteOrder) (map[uint64]*typeUnit, error) {
	units := make(map[uint64]*typeUnit)
	var errs []error

	if d != nil && len(info) > 0 {
		headers, err := parseTypeUnitHeaders(info, order, false)
		if err != nil {
			errs = append(errs, fmt.Errorf(".debug_info: %w", err))
		}
		for _, h := range headers {
			units[h.sig] = &typeUnit{d: d, root: dwarf.Offset(h.root), typ: dwarf.Offset(h.typ)}
		}
	}

	if len(types) > 0 {
		headers, err := parseTypeUnitHeaders(types, order, true)
		if err != nil {
			errs = append(errs, fmt.Errorf(".debug_types: %w", err))
		}
		if len(headers) > 0 {
			plain := slices.Clone(types)
			for _, h := range headers {
				clear(plain[h.sigAt:h.root])
			}
			td, err := dwarf.New(abbrev, nil, nil, plain, nil, nil, nil, str)
			if err != nil {
				errs = append(errs, fmt.Errorf(".debug_types: %w", err))
			} else {
				for _, h := range headers {
					if _, ok := units[h.sig]; !ok {
						units[h.sig] = &typeUnit{d: td, root: dwarf.Offset(h.root), typ: dwarf.Offset(h.typ)}
					}
				}
			}
		}
	}
	return units, errors.Join(errs...)
}

func sectionData(ef *elf.File, name string) []byte {
	sec := ef.Section(name)
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return data
}

// typeBySignature returns the type unit with the given signature, indexing
// the type units of the object on first use.
func (o *ObjectFile) typeBySignature(sig uint64) (*typeUnit, bool) {
	if o.types == nil {
		o.types = make(map[uint64]*typeUnit)
		if o.dwarfFile != nil {
			ef := o.dwarfFile
			types, err := newTypeUnits(o.dwarf,
				sectionData(ef, ".debug_info"),
				sectionData(ef, ".debug_types"),
				sectionData(ef, ".debug_abbrev"),
				sectionData(ef, ".debug_str"),
				ef.ByteOrder)
			if err != nil {
				slog.Debug("Malformed type units", "path", o.Path, "error", err)
			}
			o.types = types
		}
	}
	tu, ok := o.types[sig]
	return tu, ok
}
