package symbolizer

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"sort"
)

// arange maps an address range to the offset of the compilation unit header
// in .debug_info that owns it.
type arange struct {
	low, high uint64
	unit      uint64
	// reach is the highest end of this and every earlier range in the
	// sorted index.
	reach uint64
}

type arangesIndex []arange

// parseAranges decodes .debug_aranges (DWARF 2 through 5). Sets that cannot
// be decoded end the parse; whatever was read so far is kept.
func parseAranges(data []byte, order binary.ByteOrder) (arangesIndex, error) {
	var idx arangesIndex
	for off := 0; off < len(data); {
		setStart := off
		if len(data)-off < 4 {
			break
		}
		length := uint64(order.Uint32(data[off:]))
		off += 4
		dwarf64 := false
		if length == 0xffffffff {
			if len(data)-off < 8 {
				return idx, fmt.Errorf("truncated 64-bit aranges header at 0x%x", setStart)
			}
			length = order.Uint64(data[off:])
			off += 8
			dwarf64 = true
		}
		end := off + int(length)
		if length > uint64(len(data)) || end > len(data) || end < off {
			return idx, fmt.Errorf("aranges set at 0x%x overruns section", setStart)
		}
		set := data[:end]

		if end-off < 2 {
			return idx, fmt.Errorf("truncated aranges header at 0x%x", setStart)
		}
		version := order.Uint16(set[off:])
		off += 2
		if version < 2 || version > 5 {
			off = end
			continue
		}
		var unit uint64
		if dwarf64 {
			if end-off < 8 {
				return idx, fmt.Errorf("truncated aranges header at 0x%x", setStart)
			}
			unit = order.Uint64(set[off:])
			off += 8
		} else {
			if end-off < 4 {
				return idx, fmt.Errorf("truncated aranges header at 0x%x", setStart)
			}
			unit = uint64(order.Uint32(set[off:]))
			off += 4
		}
		if end-off < 2 {
			return idx, fmt.Errorf("truncated aranges header at 0x%x", setStart)
		}
		addrSize := int(set[off])
		segSize := int(set[off+1])
		off += 2
		if addrSize != 4 && addrSize != 8 {
			off = end
			continue
		}
		// tuples start at a multiple of the tuple size from the set start
		tuple := 2*addrSize + segSize
		if rem := (off - setStart) % tuple; rem != 0 {
			off += tuple - rem
		}
		for off+tuple <= end {
			off += segSize
			addr := readAddr(set[off:], addrSize, order)
			size := readAddr(set[off+addrSize:], addrSize, order)
			off += 2 * addrSize
			if addr == 0 && size == 0 {
				break
			}
			if size == 0 {
				continue
			}
			idx = append(idx, arange{low: addr, high: addr + size, unit: unit})
		}
		off = end
	}
	return newArangesIndex(idx), nil
}

func newArangesIndex(idx []arange) arangesIndex {
	sort.Slice(idx, func(i, j int) bool { return idx[i].low < idx[j].low })
	var reach uint64
	for i := range idx {
		reach = max(reach, idx[i].high)
		idx[i].reach = reach
	}
	return idx
}

func readAddr(b []byte, size int, order binary.ByteOrder) uint64 {
	if size == 4 {
		return uint64(order.Uint32(b))
	}
	return order.Uint64(b)
}

// lookup returns the unit header offset covering pc. Ranges may overlap;
// the one starting closest below pc wins.
func (a arangesIndex) lookup(pc uint64) (uint64, bool) {
	i := sort.Search(len(a), func(i int) bool { return a[i].low > pc })
	for j := i - 1; j >= 0 && a[j].reach > pc; j-- {
		if pc < a[j].high {
			return a[j].unit, true
		}
	}
	return 0, false
}

// unitForHeader maps a unit header offset to the offset of the unit's root
// entry: the first root entry past the header.
func unitForHeader(roots []dwarf.Offset, header uint64) (dwarf.Offset, bool) {
	i := sort.Search(len(roots), func(i int) bool { return uint64(roots[i]) > header })
	if i == len(roots) {
		return 0, false
	}
	return roots[i], true
}
