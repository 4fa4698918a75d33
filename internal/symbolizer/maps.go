package symbolizer

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

// HasFile reports whether the region is backed by a file on disk rather than
// anonymous memory or a kernel pseudo-mapping such as [vdso].
func (r *MapRegion) HasFile() bool {
	return r.Path != "" && !strings.HasPrefix(r.Path, "[")
}

type ProcMapsReader struct {
	loader *DataLoader
}

func NewSelfMapsReader() *ProcMapsReader {
	return &ProcMapsReader{&DataLoader{Path: "/proc/self/maps"}}
}

func (p *ProcMapsReader) ReadLines() ([]string, error) {
	return p.loader.ReadLines()
}

type procMaps struct {
	mapReader LineReader
	regions   []MapRegion // sorted by Start, non-overlapping
}

func NewProcMaps(mapReader LineReader) (*procMaps, error) {
	p := &procMaps{mapReader: mapReader}
	err := p.Refresh()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *procMaps) FindRegion(pc uint64) *MapRegion {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End > pc })
	if i == len(m.regions) || pc < m.regions[i].Start {
		return nil
	}
	r := m.regions[i]
	return &r
}

func (m *procMaps) Refresh() error {
	lines, err := m.mapReader.ReadLines()
	if err != nil {
		return err
	}
	return m.parseMaps(lines)
}

func (m *procMaps) parseMaps(lines []string) error {
	var regions []MapRegion
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		regions = append(regions, entry)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	m.regions = regions
	return nil
}

// Example format:
//
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
func parseMapEntry(line string) (MapRegion, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return MapRegion{}, fmt.Errorf("not enough fields: %d in line \"%s\"", len(parts), line)
	}
	addr := parts[0]
	perms := parts[1]
	off := parts[2]
	// pathname is optional and may be in parts[5:] - may contain spaces, mind you!
	var path string
	if len(parts) >= 6 {
		path = strings.Join(parts[5:], " ")
	}
	se := strings.SplitN(addr, "-", 2)
	if len(se) != 2 {
		return MapRegion{}, fmt.Errorf("invalid address range format in line %s", line)
	}
	start, err1 := strconv.ParseUint(se[0], 16, 64)
	end, err2 := strconv.ParseUint(se[1], 16, 64)
	offv, err3 := strconv.ParseUint(off, 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return MapRegion{}, fmt.Errorf("failed to parse numeric addresses in line %s", line)
	}
	return MapRegion{Start: start, End: end, Offset: offv, Perms: perms, Path: path}, nil
}

var pageSize = uint64(os.Getpagesize())

// computeBias returns the difference between runtime addresses inside the
// region and the link-time virtual addresses recorded in the object.
func computeBias(fileType elf.Type, progs []elf.ProgHeader, m *MapRegion) uint64 {
	if fileType == elf.ET_EXEC {
		return 0
	}
	for _, prog := range progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segStart := prog.Off &^ (pageSize - 1)
		if m.Offset >= segStart && m.Offset < prog.Off+prog.Filesz {
			return m.Start - m.Offset - prog.Vaddr + prog.Off
		}
	}
	// No segment covers the mapping offset: assume the lowest PT_LOAD
	// segment, page aligned, was mapped at the start of the region.
	var minVaddr uint64
	found := false
	for _, prog := range progs {
		if prog.Type == elf.PT_LOAD && (!found || prog.Vaddr < minVaddr) {
			minVaddr = prog.Vaddr
			found = true
		}
	}
	if !found {
		return m.Start - m.Offset
	}
	return m.Start - m.Offset - minVaddr&^(pageSize-1)
}
