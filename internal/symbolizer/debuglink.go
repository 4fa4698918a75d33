package symbolizer

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const defaultDebugDir = "/usr/lib/debug"

var ErrNoDebugLink = errors.New("no separate debug file")

// buildID returns the hex encoded GNU build id note, or "".
func buildID(ef *elf.File) string {
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if id := parseBuildIDNote(data, ef.ByteOrder); id != "" {
			return id
		}
	}
	return ""
}

func parseBuildIDNote(data []byte, order binary.ByteOrder) string {
	const ntGNUBuildID = 3
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]
		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < descEnd {
			return ""
		}
		name := data[:namesz]
		if typ == ntGNUBuildID && bytes.Equal(name, []byte("GNU\x00")) && descsz > 0 {
			return hex.EncodeToString(data[nameEnd : nameEnd+uint64(descsz)])
		}
		data = data[descEnd:]
	}
	return ""
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

type debugLink struct {
	name string
	crc  uint32
}

func readDebugLink(ef *elf.File) (debugLink, bool) {
	sec := ef.Section(".gnu_debuglink")
	if sec == nil {
		return debugLink{}, false
	}
	data, err := sec.Data()
	if err != nil || len(data) < 6 {
		return debugLink{}, false
	}
	name := cString(data)
	if name == "" {
		return debugLink{}, false
	}
	crc := ef.ByteOrder.Uint32(data[len(data)-4:])
	return debugLink{name: name, crc: crc}, true
}

func cString(bs []byte) string {
	if i := bytes.IndexByte(bs, 0); i >= 0 {
		return string(bs[:i])
	}
	return string(bs)
}

// findDebugFile looks for split debug information the way gdb does. For
// /usr/bin/ls with debug link ls.debug and build id abcdef1234:
//
//	/usr/lib/debug/.build-id/ab/cdef1234.debug
//	/usr/bin/ls.debug
//	/usr/bin/.debug/ls.debug
//	/usr/lib/debug/usr/bin/ls.debug
func findDebugFile(ef *elf.File, path, debugDir string) (string, error) {
	if debugDir == "" {
		debugDir = defaultDebugDir
	}
	if id := buildID(ef); len(id) > 2 {
		candidate := filepath.Join(debugDir, ".build-id", id[:2], id[2:]+".debug")
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	link, ok := readDebugLink(ef)
	if !ok {
		return "", ErrNoDebugLink
	}
	dir := filepath.Dir(path)
	candidates := []string{
		filepath.Join(dir, link.name),
		filepath.Join(dir, ".debug", link.name),
		filepath.Join(debugDir, dir, link.name),
	}
	for _, c := range candidates {
		if c == path || !fileExists(c) {
			continue
		}
		if !crcMatches(c, link.crc) {
			continue
		}
		return c, nil
	}
	return "", ErrNoDebugLink
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func crcMatches(path string, want uint32) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return h.Sum32() == want
}
