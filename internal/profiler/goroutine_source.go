package profiler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const maxStackFrames = 127

// GoroutineSource samples the stacks of every goroutine in the running
// process at a fixed period. Addresses are reported as call sites: one byte
// before each return address.
type GoroutineSource struct {
	mu      sync.Mutex
	started bool
	counts  map[uint64]uint64
	stacks  map[uint64][]uint64
	ids     map[string]uint64
	nextID  uint64
	records []runtime.StackRecord

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGoroutineSource() *GoroutineSource {
	return &GoroutineSource{
		counts: make(map[uint64]uint64),
		stacks: make(map[uint64][]uint64),
		ids:    make(map[string]uint64),
	}
}

func (g *GoroutineSource) Start(samplingPeriod time.Duration) error {
	if samplingPeriod <= 0 {
		return fmt.Errorf("invalid sampling period %s", samplingPeriod)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("goroutine source already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.started = true
	go g.run(ctx, samplingPeriod, g.done)
	return nil
}

func (g *GoroutineSource) Stop() error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (g *GoroutineSource) run(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *GoroutineSource) sample() {
	n, ok := runtime.GoroutineProfile(g.records)
	for !ok {
		g.records = make([]runtime.StackRecord, n+n/4+8)
		n, ok = runtime.GoroutineProfile(g.records)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.records[:n] {
		if pcs := g.records[i].Stack(); len(pcs) > 0 {
			g.add(pcs)
		}
	}
}

func (g *GoroutineSource) add(pcs []uintptr) {
	if len(pcs) > maxStackFrames {
		pcs = pcs[:maxStackFrames]
	}
	key := stackKey(pcs)
	id, ok := g.ids[key]
	if !ok {
		g.nextID++
		id = g.nextID
		g.ids[key] = id
		frames := make([]uint64, len(pcs))
		for i, pc := range pcs {
			frames[i] = uint64(pc) - 1
		}
		g.stacks[id] = frames
	}
	g.counts[id]++
}

func stackKey(pcs []uintptr) string {
	b := make([]byte, 0, 8*len(pcs))
	for _, pc := range pcs {
		b = binary.LittleEndian.AppendUint64(b, uint64(pc))
	}
	return string(b)
}

func (g *GoroutineSource) SnapshotCounts() (map[uint64]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil, errors.New("goroutine source not started")
	}
	out := g.counts
	g.counts = make(map[uint64]uint64, len(out))
	return out, nil
}

func (g *GoroutineSource) LookupStack(id uint64) ([]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	frames, ok := g.stacks[id]
	if !ok {
		return nil, fmt.Errorf("stack %d not found", id)
	}
	out := make([]uint64, len(frames))
	copy(out, frames)
	return out, nil
}
