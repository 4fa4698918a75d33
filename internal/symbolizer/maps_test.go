package symbolizer

import (
	"debug/elf"
	"errors"
	"testing"
)

type mockMapsReader struct {
	lines []string
	err   error
	calls int
}

func (m *mockMapsReader) ReadLines() ([]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.lines, nil
}

func TestParseMapEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MapRegion
		wantErr bool
	}{
		{
			name: "valid entry with path",
			line: "55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			want: MapRegion{
				Start:  0x55d4b2000000,
				End:    0x55d4b2021000,
				Offset: 0x00000000,
				Perms:  "r--p",
				Path:   "/usr/bin/myprog",
			},
		},
		{
			name: "valid entry without path",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074",
			want: MapRegion{
				Start:  0x7f8a9b000000,
				End:    0x7f8a9b002000,
				Offset: 0x00001000,
				Perms:  "r-xp",
			},
		},
		{
			name: "valid entry with path containing spaces",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6 (deleted)",
			want: MapRegion{
				Start:  0x7f8a9b000000,
				End:    0x7f8a9b002000,
				Offset: 0x00001000,
				Perms:  "r-xp",
				Path:   "/usr/lib/libc.so.6 (deleted)",
			},
		},
		{
			name:    "insufficient fields",
			line:    "55d4b2000000-55d4b2021000 r--p",
			wantErr: true,
		},
		{
			name:    "invalid address range format",
			line:    "55d4b2000000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			wantErr: true,
		},
		{
			name:    "invalid hex address",
			line:    "invalid-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			wantErr: true,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMapEntry(tt.line)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseMapEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseMapEntry() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProcMaps_FindRegion(t *testing.T) {
	// note: input is unordered
	reader := &mockMapsReader{
		lines: []string{
			"7f8a9b100000-7f8a9b102000 rw-p 00002000 08:01 131075 [heap]",
			"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			"7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6",
		},
	}

	maps, err := NewProcMaps(reader)
	if err != nil {
		t.Fatalf("NewProcMaps() error = %v", err)
	}

	tests := []struct {
		name     string
		pc       uint64
		wantPath string
		wantNil  bool
	}{
		{name: "first mapping", pc: 0x55d4b2000100, wantPath: "/usr/bin/myprog"},
		{name: "start boundary", pc: 0x55d4b2000000, wantPath: "/usr/bin/myprog"},
		{name: "just before end", pc: 0x55d4b2020fff, wantPath: "/usr/bin/myprog"},
		{name: "second mapping", pc: 0x7f8a9b000100, wantPath: "/usr/lib/libc.so.6"},
		{name: "heap", pc: 0x7f8a9b100100, wantPath: "[heap]"},
		{name: "before first region", pc: 0x1000, wantNil: true},
		{name: "end boundary is exclusive", pc: 0x55d4b2021000, wantNil: true},
		{name: "between regions", pc: 0x7f8a9b002000, wantNil: true},
		{name: "after last region", pc: 0xffffffffffffffff, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maps.FindRegion(tt.pc)
			if tt.wantNil {
				if got != nil {
					t.Errorf("FindRegion() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("FindRegion() = nil, want %s", tt.wantPath)
			}
			if got.Path != tt.wantPath {
				t.Errorf("FindRegion() Path = %q, want %q", got.Path, tt.wantPath)
			}
		})
	}
}

func TestProcMaps_Refresh(t *testing.T) {
	reader := &mockMapsReader{lines: []string{
		"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
	}}
	maps, err := NewProcMaps(reader)
	if err != nil {
		t.Fatalf("NewProcMaps() error = %v", err)
	}
	if maps.FindRegion(0x7f8a9b000100) != nil {
		t.Fatalf("library should not be mapped yet")
	}

	reader.lines = append(reader.lines, "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6")
	if err := maps.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := maps.FindRegion(0x7f8a9b000100); got == nil || got.Path != "/usr/lib/libc.so.6" {
		t.Fatalf("FindRegion() after refresh = %v", got)
	}

	reader.err = errors.New("read error")
	if err := maps.Refresh(); err == nil {
		t.Fatalf("expected refresh error")
	}
	if maps.FindRegion(0x7f8a9b000100) == nil {
		t.Fatalf("failed refresh must keep the previous snapshot")
	}
}

func TestNewProcMaps_ReaderError(t *testing.T) {
	if _, err := NewProcMaps(&mockMapsReader{err: errors.New("read error")}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProcMaps_ParseMapsWithInvalidLines(t *testing.T) {
	reader := &mockMapsReader{
		lines: []string{
			"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			"invalid line that cannot be parsed",
			"",
			"7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6",
			"not enough fields",
		},
	}

	maps, err := NewProcMaps(reader)
	if err != nil {
		t.Fatalf("NewProcMaps() error = %v", err)
	}
	if len(maps.regions) != 2 {
		t.Errorf("expected 2 valid regions, got %d", len(maps.regions))
	}
}

func TestMapRegion_HasFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/usr/lib/libc.so.6", true},
		{"/usr/bin/myprog (deleted)", true},
		{"", false},
		{"[vdso]", false},
		{"[heap]", false},
	}
	for _, tt := range tests {
		r := &MapRegion{Path: tt.path}
		if got := r.HasFile(); got != tt.want {
			t.Errorf("HasFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestComputeBias(t *testing.T) {
	pie := []elf.ProgHeader{
		{Type: elf.PT_PHDR, Off: 0x40, Vaddr: 0x40},
		{Type: elf.PT_LOAD, Off: 0x0, Vaddr: 0x0, Filesz: 0x1000},
		{Type: elf.PT_LOAD, Off: 0x1000, Vaddr: 0x1000, Filesz: 0x5000},
		{Type: elf.PT_LOAD, Off: 0x6120, Vaddr: 0x7120, Filesz: 0x300},
	}

	tests := []struct {
		name     string
		fileType elf.Type
		progs    []elf.ProgHeader
		region   MapRegion
		want     uint64
	}{
		{
			name:     "executable is not relocated",
			fileType: elf.ET_EXEC,
			progs:    pie,
			region:   MapRegion{Start: 0x401000, Offset: 0x1000},
			want:     0,
		},
		{
			name:     "text segment of shared object",
			fileType: elf.ET_DYN,
			progs:    pie,
			region:   MapRegion{Start: 0x7f0000001000, Offset: 0x1000},
			want:     0x7f0000000000,
		},
		{
			name:     "segment whose vaddr and offset differ",
			fileType: elf.ET_DYN,
			progs:    pie,
			region:   MapRegion{Start: 0x7f0000007000, Offset: 0x6000},
			want:     0x7f0000000000,
		},
		{
			name:     "offset outside every segment uses lowest load address",
			fileType: elf.ET_DYN,
			progs:    pie,
			region:   MapRegion{Start: 0x7f0000010000, Offset: 0x10000},
			want:     0x7f0000000000,
		},
		{
			name:     "lowest unaligned load address in unsorted segments",
			fileType: elf.ET_DYN,
			progs: []elf.ProgHeader{
				{Type: elf.PT_LOAD, Off: 0x0, Vaddr: 3*pageSize + 0x120, Filesz: 0x10},
				{Type: elf.PT_LOAD, Off: 0x20, Vaddr: 2*pageSize + 0x80, Filesz: 0x10},
			},
			region: MapRegion{Start: 0x7f0000100000, Offset: 0x100000},
			want:   0x7f0000000000 - 2*pageSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeBias(tt.fileType, tt.progs, &tt.region); got != tt.want {
				t.Errorf("computeBias() = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}
