package profiler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/VladMinzatu/tracesym/internal/symbolizer"
)

// StackSource collects call stacks and counts how often each was seen.
// Stacks are lists of instruction addresses, leaf first.
type StackSource interface {
	Start(samplingPeriod time.Duration) error
	Stop() error
	// SnapshotCounts returns the counts gathered since the previous snapshot,
	// keyed by stack id.
	SnapshotCounts() (map[uint64]uint64, error)
	LookupStack(id uint64) ([]uint64, error)
}

type Resolver interface {
	ResolveTraces(addrs []uint64) []symbolizer.ResolvedTrace
}

type Sample struct {
	Timestamp time.Time
	// Stack is leaf first, one resolved trace per address.
	Stack []symbolizer.ResolvedTrace
	Count uint64
}

type Profiler struct {
	sampleHz        int
	collectInterval time.Duration
	source          StackSource
	resolver        Resolver

	samplesCh chan []Sample

	started bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProfiler(sampleHz int, collectInterval time.Duration, source StackSource, resolver Resolver) (*Profiler, error) {
	if collectInterval <= 1*time.Millisecond {
		return nil, errors.New("invalid collectInterval; must be > 1ms")
	}
	if sampleHz <= 0 {
		return nil, errors.New("invalid sampleHz; must be > 0")
	}
	if source == nil || resolver == nil {
		return nil, errors.New("stack source and resolver are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Profiler{
		sampleHz:        sampleHz,
		collectInterval: collectInterval,
		source:          source,
		resolver:        resolver,
		ctx:             ctx,
		cancel:          cancel,
		samplesCh:       make(chan []Sample, 1),
	}, nil
}

func (p *Profiler) Samples() <-chan []Sample { return p.samplesCh }

func (p *Profiler) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("profiler already started")
	}
	p.started = true
	p.mu.Unlock()

	period := time.Second / time.Duration(p.sampleHz)
	if err := p.source.Start(period); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	p.wg.Add(1)
	go p.collector()

	return nil
}

func (p *Profiler) Stop() error {
	var stopErr error
	p.cancel()

	if err := p.source.Stop(); err != nil {
		stopErr = err
	}

	// Wait for collector to exit
	p.wg.Wait()
	close(p.samplesCh)

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return stopErr
}

func (p *Profiler) collector() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-ticker.C:
			samples, err := p.collect(t)
			if err != nil {
				slog.Warn("Failed to collect stack counts", "error", err)
				continue
			}

			select {
			case p.samplesCh <- samples:
			default:
				slog.Warn("consumer wasn't ready, sample dropped")
			}
		}
	}
}

func (p *Profiler) collect(t time.Time) ([]Sample, error) {
	counts, err := p.source.SnapshotCounts()
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var samples []Sample
	for _, id := range ids {
		pcs, err := p.source.LookupStack(id)
		if err != nil {
			slog.Warn("Failed to look up stack", "id", id, "error", err)
			continue
		}
		if len(pcs) == 0 {
			continue
		}
		samples = append(samples, Sample{
			Timestamp: t,
			Stack:     p.resolver.ResolveTraces(pcs),
			Count:     counts[id],
		})
	}
	return samples, nil
}
