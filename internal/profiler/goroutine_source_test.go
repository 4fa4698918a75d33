package profiler

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

//go:noinline
func hotFunc() {
	for i := 0; i < 1000; i++ {
		_ = i * i
	}
}

//go:noinline
func hotCaller(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			hotFunc()
		}
	}
}

func TestGoroutineSource_SamplesOwnProcess(t *testing.T) {
	g := NewGoroutineSource()
	if _, err := g.SnapshotCounts(); err == nil {
		t.Fatalf("snapshot before start should fail")
	}
	if err := g.Start(time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()
	if err := g.Start(time.Millisecond); err == nil {
		t.Fatalf("second Start should fail")
	}

	stop := make(chan struct{})
	go hotCaller(stop)
	time.Sleep(200 * time.Millisecond)
	close(stop)

	snap, err := g.SnapshotCounts()
	if err != nil {
		t.Fatalf("SnapshotCounts: %v", err)
	}
	if len(snap) == 0 {
		t.Fatalf("no stacks collected")
	}

	found := false
	for id := range snap {
		frames, err := g.LookupStack(id)
		if err != nil {
			t.Fatalf("LookupStack(%d): %v", id, err)
		}
		for _, pc := range frames {
			if fn := runtime.FuncForPC(uintptr(pc)); fn != nil && strings.Contains(fn.Name(), "hotCaller") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("did not find hotCaller in any sampled stack")
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := g.SnapshotCounts(); err == nil {
		t.Fatalf("snapshot after stop should fail")
	}
}

func TestGoroutineSource_LookupUnknownStack(t *testing.T) {
	g := NewGoroutineSource()
	if _, err := g.LookupStack(99); err == nil {
		t.Fatalf("expected error for unknown stack id")
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := g.Start(0); err == nil {
		t.Fatalf("expected error for zero period")
	}
}

func TestGoroutineSource_DeduplicatesStacks(t *testing.T) {
	g := NewGoroutineSource()
	g.add([]uintptr{0x1001, 0x2001})
	g.add([]uintptr{0x1001, 0x2001})
	g.add([]uintptr{0x3001})

	if len(g.stacks) != 2 {
		t.Fatalf("expected 2 distinct stacks, got %d", len(g.stacks))
	}
	frames, err := g.LookupStack(1)
	if err != nil {
		t.Fatalf("LookupStack: %v", err)
	}
	if len(frames) != 2 || frames[0] != 0x1000 || frames[1] != 0x2000 {
		t.Fatalf("frames should be call sites: %#x", frames)
	}
	if g.counts[1] != 2 || g.counts[2] != 1 {
		t.Fatalf("unexpected counts: %v", g.counts)
	}
}
