package symbolizer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingBackend struct {
	mu       sync.Mutex
	resolved map[uint64]int
	batches  [][]uint64
	panicOn  uint64
}

func newCountingBackend() *countingBackend {
	return &countingBackend{resolved: make(map[uint64]int)}
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) LoadAddresses(addrs []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, append([]uint64(nil), addrs...))
}

func (b *countingBackend) Resolve(t ResolvedTrace) ResolvedTrace {
	b.mu.Lock()
	b.resolved[t.Addr]++
	b.mu.Unlock()
	if b.panicOn != 0 && t.Addr == b.panicOn {
		panic("corrupt input")
	}
	if t.Addr < 0x1000 {
		return t
	}
	t.ObjectFilename = "/bin/app"
	t.ObjectFunction = fmt.Sprintf("fn_%x", t.Addr&^0xff)
	t.Source = SourceLocation{Filename: "app.c", Function: t.ObjectFunction, Line: uint32(t.Addr & 0xff)}
	t.PhysicalFunction = t.ObjectFunction
	if t.Addr >= 0x8000 {
		t.Source.Function = "inlined"
		t.Inliners = []SourceLocation{{Function: "inlined", Filename: "app.h", Line: 7}}
	}
	t.Index = -1
	return t
}

func (b *countingBackend) resolveCount(addr uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved[addr]
}

func TestResolver_PreservesOrderAndLength(t *testing.T) {
	r := NewResolver(newCountingBackend(), nil)
	require.Equal(t, "counting", r.Backend())

	addrs := []uint64{0x2010, 0x1, 0x1005, 0x2010}
	traces := r.ResolveTraces(addrs)
	require.Len(t, traces, len(addrs))
	for i, tr := range traces {
		require.Equal(t, addrs[i], tr.Addr)
		require.Equal(t, i, tr.Index)
	}
	require.Equal(t, "fn_2000", traces[0].Source.Function)
	require.EqualValues(t, 0x10, traces[0].Source.Line)
	require.False(t, traces[1].Source.Known(), "0x1 maps to nothing")
	require.Empty(t, traces[1].ObjectFilename)

	locs := r.Resolve(addrs)
	require.Len(t, locs, len(addrs))
	require.Equal(t, traces[2].Source, locs[2])

	require.Empty(t, r.ResolveTraces(nil))
	require.Empty(t, r.Resolve([]uint64{}))
}

func TestResolver_CachesEachAddressOnce(t *testing.T) {
	b := newCountingBackend()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewResolver(b, metrics)

	first := r.ResolveTraces([]uint64{0x1010, 0x1020})
	second := r.ResolveTraces([]uint64{0x1020, 0x1010, 0x1010})

	require.Equal(t, 1, b.resolveCount(0x1010))
	require.Equal(t, 1, b.resolveCount(0x1020))
	require.Equal(t, 2, r.Len())
	require.EqualValues(t, 2, testutil.ToFloat64(metrics.CacheMisses))
	require.EqualValues(t, 3, testutil.ToFloat64(metrics.CacheHits))

	// identical content regardless of which batch resolved it
	ignoreIndex := cmp.FilterPath(func(p cmp.Path) bool { return p.Last().String() == ".Index" }, cmp.Ignore())
	if diff := cmp.Diff(first[0], second[1], ignoreIndex); diff != "" {
		t.Errorf("cached result differs (-first +second):\n%s", diff)
	}
	require.Equal(t, 2, second[2].Index)
}

func TestResolver_ResultsDoNotShareCachedInliners(t *testing.T) {
	r := NewResolver(newCountingBackend(), nil)

	first := r.ResolveTraces([]uint64{0x8010})
	require.Len(t, first[0].Inliners, 1)
	first[0].Inliners[0].Function = "changed by caller"
	first[0].Inliners = append(first[0].Inliners, SourceLocation{Function: "extra"})

	second := r.ResolveTraces([]uint64{0x8010})
	require.Equal(t, []SourceLocation{{Function: "inlined", Filename: "app.h", Line: 7}}, second[0].Inliners)
	require.Equal(t, "inlined", second[0].Frames()[0].Function)
}

func TestResolver_LoadAddressesPerBatch(t *testing.T) {
	b := newCountingBackend()
	r := NewResolver(b, nil)

	r.ResolveTraces([]uint64{0x1010, 0x1020})
	r.ResolveTraces(nil)
	r.ResolveTraces([]uint64{0x1010})

	require.Equal(t, [][]uint64{{0x1010, 0x1020}, {0x1010}}, b.batches)
}

func TestResolver_RecoversFromBackendPanic(t *testing.T) {
	b := newCountingBackend()
	b.panicOn = 0x1666
	metrics := NewMetrics(nil)
	r := NewResolver(b, metrics)

	var traces []ResolvedTrace
	require.NotPanics(t, func() {
		traces = r.ResolveTraces([]uint64{0x1010, 0x1666, 0x1020})
	})
	require.Len(t, traces, 3)
	require.Equal(t, "fn_1000", traces[0].Source.Function)
	require.Equal(t, NewResolvedTrace(0x1666, 1), traces[1])
	require.Equal(t, "fn_1000", traces[2].Source.Function)
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.BackendPanics.WithLabelValues("counting")))
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.UnknownTraces.WithLabelValues("counting")))
}

func TestResolver_ConcurrentBatches(t *testing.T) {
	b := newCountingBackend()
	r := NewResolver(b, nil)

	var g errgroup.Group
	results := make([][]SourceLocation, 16)
	for i := range results {
		g.Go(func() error {
			addrs := make([]uint64, 64)
			for j := range addrs {
				addrs[j] = 0x1000 + uint64((i+j)%32)
			}
			results[i] = r.Resolve(addrs)
			for j, loc := range results[i] {
				if loc.Line != uint32(addrs[j]&0xff) {
					return fmt.Errorf("batch %d slot %d: got line %d for 0x%x", i, j, loc.Line, addrs[j])
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 32, r.Len())
	for a := uint64(0x1000); a < 0x1020; a++ {
		require.Equal(t, 1, b.resolveCount(a), "addr 0x%x", a)
	}
}

func TestResolver_ObjectLoadedOnceUnderConcurrency(t *testing.T) {
	f := newDwarfFixture(t)
	b, loader, _ := newFixtureBackend(t, f.obj)
	r := NewResolver(b, nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			locs := r.Resolve([]uint64{fixtureBase + 0x1010 + uint64(i), fixtureBase + 0x1124})
			if locs[1].Function != "int ns::inner(int)" {
				return fmt.Errorf("unexpected function %q", locs[1].Function)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, loader.Calls("/opt/fixture"))
}

func TestResolvedTrace_FramesWithoutInliners(t *testing.T) {
	tr := NewResolvedTrace(0x10, 0)
	tr.ObjectFunction = "sym"
	require.Equal(t, []Frame{{Function: "sym"}}, tr.Frames())

	tr.Source = SourceLocation{Filename: "a.c", Function: "f", Line: 3}
	require.Equal(t, []Frame{{Function: "f", Filename: "a.c", Line: 3}}, tr.Frames())
}

func TestResolvedTrace_FramesFallBackToSymbolName(t *testing.T) {
	tr := NewResolvedTrace(0x10, 0)
	tr.ObjectFunction = "sym"
	tr.Source = SourceLocation{Filename: "a.h", Function: "inl", Line: 9}
	tr.Inliners = []SourceLocation{{Function: "inl", Filename: "a.c", Line: 4}}

	want := []Frame{
		{Function: "inl", Filename: "a.h", Line: 9},
		{Function: "sym", Filename: "a.c", Line: 4},
	}
	require.Equal(t, want, tr.Frames())
}

func TestSourceLocation_Known(t *testing.T) {
	require.False(t, SourceLocation{}.Known())
	require.True(t, SourceLocation{Function: "f"}.Known())
	require.True(t, SourceLocation{Filename: "f.c"}.Known())
	require.False(t, SourceLocation{Column: 4}.Known())
}

func TestNoopBackend(t *testing.T) {
	r := NewResolver(NoopBackend{}, nil)
	locs := r.Resolve([]uint64{0x1000, 0x2000})
	require.Equal(t, []SourceLocation{{}, {}}, locs)
}

func TestSelectBackend(t *testing.T) {
	t.Run("noop", func(t *testing.T) {
		b, err := SelectBackend(Options{Backend: BackendNoop})
		require.NoError(t, err)
		require.Equal(t, BackendNoop, b.Name())
	})
	t.Run("unknown backend", func(t *testing.T) {
		_, err := SelectBackend(Options{Backend: "magic"})
		require.ErrorContains(t, err, "magic")
	})
	t.Run("unknown demangle mode", func(t *testing.T) {
		_, err := SelectBackend(Options{Backend: BackendNoop, Demangle: "fancy"})
		require.ErrorContains(t, err, "fancy")
	})
	t.Run("flat without listing", func(t *testing.T) {
		_, err := SelectBackend(Options{Backend: BackendFlat})
		require.Error(t, err)
	})
	t.Run("auto always yields a backend", func(t *testing.T) {
		b, err := SelectBackend(Options{})
		require.NoError(t, err)
		require.NotNil(t, b)
		require.Contains(t, []string{BackendDWARF, BackendGoSym, BackendSymtab, BackendFlat, BackendNoop}, b.Name())
	})
}
