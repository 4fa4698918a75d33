package symbolizer

// Trace is a raw instruction address captured from a call stack. Index is the
// position of the address within the batch it was submitted in.
type Trace struct {
	Addr  uint64
	Index int
}

// SourceLocation is the unknown sentinel when zero: empty strings and line 0.
type SourceLocation struct {
	Filename string
	Function string
	Line     uint32
	Column   uint32
}

func (s SourceLocation) Known() bool {
	return s.Filename != "" || s.Function != "" || s.Line != 0
}

type ResolvedTrace struct {
	Trace
	ObjectFilename string
	// ObjectFunction is the demangled symbol-table name covering the address.
	ObjectFunction string
	// Source is the innermost location: the file and line of the address
	// itself, attributed to the innermost (possibly inlined) function.
	Source SourceLocation
	// PhysicalFunction names the out-of-line function owning the
	// instruction. It equals Source.Function when Inliners is empty.
	PhysicalFunction string
	// Inliners holds one entry per inlined call enclosing the address,
	// outermost first. Each entry names the inlined function and the
	// file/line/column of the call site that was inlined.
	Inliners []SourceLocation
}

func NewResolvedTrace(addr uint64, idx int) ResolvedTrace {
	return ResolvedTrace{Trace: Trace{Addr: addr, Index: idx}}
}

// Frame is one logical call frame at an address.
type Frame struct {
	Function string
	Filename string
	Line     uint32
	Column   uint32
}

// Frames expands the trace into logical frames, innermost first. A trace with
// n inliners yields n+1 frames; the last one is the physical function.
func (t ResolvedTrace) Frames() []Frame {
	frames := make([]Frame, 0, len(t.Inliners)+1)
	fn := t.Source.Function
	if fn == "" {
		fn = t.ObjectFunction
	}
	frames = append(frames, Frame{Function: fn, Filename: t.Source.Filename, Line: t.Source.Line, Column: t.Source.Column})
	for i := len(t.Inliners) - 1; i >= 0; i-- {
		caller := t.PhysicalFunction
		if i > 0 {
			caller = t.Inliners[i-1].Function
		}
		if caller == "" {
			caller = t.ObjectFunction
		}
		site := t.Inliners[i]
		frames = append(frames, Frame{Function: caller, Filename: site.Filename, Line: site.Line, Column: site.Column})
	}
	return frames
}

// Backend resolves a single trace. Resolve is total: missing information is
// reported through zero-valued fields.
type Backend interface {
	Name() string
	// LoadAddresses primes the backend with a whole batch before Resolve is
	// called for each of its traces.
	LoadAddresses(addrs []uint64)
	Resolve(t ResolvedTrace) ResolvedTrace
}

type ProcMapsProvider interface {
	FindRegion(pc uint64) *MapRegion
	Refresh() error
}
