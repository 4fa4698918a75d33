//go:build linux

package symbolizer

import (
	"reflect"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

//go:noinline
func resolveMarker(n int) int {
	return n * 7
}

// markerPC is the entry address of resolveMarker, which no inlining can blur.
func markerPC(t *testing.T) (uintptr, *runtime.Func) {
	t.Helper()
	fn := runtime.FuncForPC(reflect.ValueOf(resolveMarker).Pointer())
	require.NotNil(t, fn)
	return fn.Entry(), fn
}

func newSelfLocatorParts(t *testing.T) (ProcMapsProvider, *ObjectCache, *ExecPaths) {
	t.Helper()
	maps, err := NewProcMaps(NewSelfMapsReader())
	require.NoError(t, err)
	return maps, NewObjectCache(NewELFLoader(""), nil), LoadExecPaths()
}

func TestGoSymBackend_RunningProcess(t *testing.T) {
	maps, objects, exec := newSelfLocatorParts(t)
	b := NewGoSymBackend(maps, objects, exec, newTestDemangler(t), nil)

	pc, fn := markerPC(t)
	wantFile, wantLine := fn.FileLine(pc)

	got := NewResolver(b, nil).ResolveTraces([]uint64{uint64(pc)})[0]
	require.Equal(t, exec.Name(), got.ObjectFilename)
	require.Equal(t, fn.Name(), got.Source.Function)
	require.Equal(t, wantFile, got.Source.Filename)
	require.EqualValues(t, wantLine, got.Source.Line)
}

func TestDwarfBackend_RunningProcess(t *testing.T) {
	maps, objects, exec := newSelfLocatorParts(t)
	obj := objects.Get(exec.Name())
	if !obj.HasDWARF() {
		t.Skip("test binary was linked without DWARF")
	}
	b := NewDwarfBackend(maps, objects, exec, newTestDemangler(t), nil)

	pc, fn := markerPC(t)
	wantFile, wantLine := fn.FileLine(pc)

	got := NewResolver(b, nil).ResolveTraces([]uint64{uint64(pc)})[0]
	require.Equal(t, fn.Name(), got.Source.Function)
	require.Equal(t, wantFile, got.Source.Filename)
	require.EqualValues(t, wantLine, got.Source.Line)
}

func TestSymtabBackend_UnmappedAddress(t *testing.T) {
	maps, objects, exec := newSelfLocatorParts(t)
	b := NewSymtabBackend(maps, objects, exec, nil, nil)

	got := NewResolver(b, nil).ResolveTraces([]uint64{0x1})[0]
	require.Equal(t, NewResolvedTrace(0x1, 0), got)
}
