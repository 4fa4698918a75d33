package symbolizer

import (
	"bufio"
	"log/slog"
	"os"
)

type LineReader interface {
	ReadLines() ([]string, error)
}

// DataLoader reads line-oriented (pseudo-)files such as /proc/self/maps or a
// kallsyms-format symbol listing.
type DataLoader struct {
	Path string
}

func NewDataLoader(path string) *DataLoader {
	return &DataLoader{Path: path}
}

func (d *DataLoader) ReadLines() ([]string, error) {
	slog.Debug("Loading lines from (pseudo-)file", "path", d.Path)
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
