package halcyon

import (
	"context"
	"sync"

	"github.com/halcyon-cache/halcyon/downloader"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentDownloads bounds a prefetch run when no limit is
// configured.
const DefaultMaxConcurrentDownloads = 5

// PrefetchResult classifies the sources of a prefetch run.
type PrefetchResult struct {
	// Completed sources were fetched and cached by this run.
	Completed []Source

	// Skipped sources were already cached before this run.
	Skipped []Source

	// Failed sources could not be fetched.
	Failed []Source
}

// Finished returns the number of sources that have terminated.
func (r PrefetchResult) Finished() int {
	return len(r.Completed) + len(r.Skipped) + len(r.Failed)
}

// PrefetchProgress observes a prefetch run after each source
// terminates.
type PrefetchProgress func(result PrefetchResult, total int)

// Prefetcher drives the manager over a list of sources with bounded
// download concurrency, warming the cache before the images are
// needed.
type Prefetcher struct {
	manager       *Manager
	sources       []Source
	opts          []Option
	maxConcurrent int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewPrefetcher returns a prefetcher over sources. maxConcurrent
// bounds the simultaneous downloads; zero or negative uses
// DefaultMaxConcurrentDownloads. opts apply to every retrieval; the
// prefetcher downloads at low priority unless overridden.
func NewPrefetcher(m *Manager, sources []Source, maxConcurrent int, opts ...Option) *Prefetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentDownloads
	}
	return &Prefetcher{
		manager:       m,
		sources:       sources,
		opts:          append([]Option{WithDownloadPriority(downloader.PriorityLow)}, opts...),
		maxConcurrent: int64(maxConcurrent),
	}
}

// Run prefetches every source and blocks until all have terminated.
// Progress, when non-nil, is invoked after each source terminates.
// Cancelling ctx (or calling Stop) fails the outstanding sources;
// already-delivered outcomes stand.
func (p *Prefetcher) Run(ctx context.Context, progress PrefetchProgress) PrefetchResult {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return PrefetchResult{}
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()
	defer p.cancel()

	total := len(p.sources)
	sem := semaphore.NewWeighted(p.maxConcurrent)

	var (
		resultMu sync.Mutex
		result   PrefetchResult
		wg       sync.WaitGroup
	)

	report := func(classify func(*PrefetchResult)) {
		resultMu.Lock()
		defer resultMu.Unlock()
		classify(&result)
		if progress != nil {
			progress(result, total)
		}
	}

	for _, source := range p.sources {
		source := source

		if err := sem.Acquire(ctx, 1); err != nil {
			report(func(r *PrefetchResult) { r.Failed = append(r.Failed, source) })
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			key := source.CacheKey()
			if key == "" {
				report(func(r *PrefetchResult) { r.Failed = append(r.Failed, source) })
				return
			}

			o := p.manager.base.clone().apply(p.opts)
			c := o.targetCache
			if c == nil {
				c = p.manager.cache
			}
			if c.IsCached(key, o.processor.Identifier()).Cached() {
				report(func(r *PrefetchResult) { r.Skipped = append(r.Skipped, source) })
				return
			}

			if _, err := p.manager.Retrieve(ctx, source, p.opts...); err != nil {
				report(func(r *PrefetchResult) { r.Failed = append(r.Failed, source) })
				return
			}
			report(func(r *PrefetchResult) { r.Completed = append(r.Completed, source) })
		}()
	}

	wg.Wait()
	return result
}

// Start runs the prefetch on a background goroutine and reports the
// final result to completion.
func (p *Prefetcher) Start(progress PrefetchProgress, completion func(PrefetchResult)) {
	go func() {
		result := p.Run(context.Background(), progress)
		if completion != nil {
			completion(result)
		}
	}()
}

// Stop cancels the run. Outstanding sources fail; already-delivered
// outcomes are not rescinded.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
