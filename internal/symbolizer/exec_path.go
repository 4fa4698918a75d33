package symbolizer

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
)

const (
	selfExeLink   = "/proc/self/exe"
	selfCmdline   = "/proc/self/cmdline"
	deletedSuffix = " (deleted)"
)

type fileID struct {
	dev, ino uint64
}

type statFunc func(path string) (fileID, bool)

// ExecPaths knows where the running executable lives. The path recorded in the
// memory maps can point to a file that has since been deleted or replaced; the
// original image stays reachable through /proc/self/exe.
type ExecPaths struct {
	argv0 string
	exe   string
	stat  statFunc
}

func LoadExecPaths() *ExecPaths {
	e := &ExecPaths{stat: statFile}
	if raw, err := os.ReadFile(selfCmdline); err == nil {
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		e.argv0 = string(raw)
	} else if len(os.Args) > 0 {
		e.argv0 = os.Args[0]
	}
	if target, err := os.Readlink(selfExeLink); err == nil {
		e.exe = strings.TrimSuffix(target, deletedSuffix)
	} else {
		slog.Debug("Executable link not readable", "path", selfExeLink, "error", err)
	}
	return e
}

// Name is the display path of the executable.
func (e *ExecPaths) Name() string {
	if e.exe != "" {
		return e.exe
	}
	return e.argv0
}

// Resolve maps a path seen in the memory maps to the path that should be
// opened and the path that should be reported.
func (e *ExecPaths) Resolve(mapped string) (open, display string) {
	display = strings.TrimSuffix(mapped, deletedSuffix)
	if e.exe == "" || display != e.exe {
		return display, display
	}
	if display != mapped {
		return selfExeLink, display
	}
	onDisk, ok1 := e.stat(display)
	running, ok2 := e.stat(selfExeLink)
	if ok2 && (!ok1 || onDisk != running) {
		slog.Debug("Executable on disk differs from the running image", "path", display)
		return selfExeLink, display
	}
	return display, display
}
