// Package halcyon is a client-side image retrieval and caching engine.
// Given a logical image source (a network URL or a local byte
// provider) it returns a decoded, optionally processed image, serving
// repeat requests from a two-tier memory/disk cache and coalescing
// concurrent downloads of the same URL into a single fetch.
package halcyon

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/disk"
	"github.com/halcyon-cache/halcyon/cache/memory"
	"github.com/halcyon-cache/halcyon/downloader"
	"github.com/halcyon-cache/halcyon/processor"
	"github.com/halcyon-cache/halcyon/serializer"
)

// DefaultMemoryCostLimit bounds the default manager's memory tier.
const DefaultMemoryCostLimit = 256 << 20

// Manager orchestrates retrievals: cache lookup, download, decode,
// processing, and write-back. Managers are safe for concurrent use;
// multiple independent managers may coexist, each owning its own
// cache and downloader.
type Manager struct {
	cache      *Cache
	downloader *downloader.Downloader
	base       *options

	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// NewManager returns a manager over the given cache and downloader.
// A nil cache gets a memory-only cache; a nil downloader gets a stock
// downloader whose reference decoder is the default serializer.
// defaults apply to every retrieval, under the per-call options.
func NewManager(c *Cache, d *downloader.Downloader, defaults ...Option) *Manager {
	if c == nil {
		c = NewCache(memory.New(memory.WithCostLimit(DefaultMemoryCostLimit)), nil)
	}
	if d == nil {
		d = downloader.New(downloader.WithDecoder(defaultDecode))
	}
	return &Manager{
		cache:        c,
		downloader:   d,
		base:         newOptions().apply(defaults),
		accessLogger: noopLogger{},
		errorLogger:  noopLogger{},
	}
}

func defaultDecode(data []byte) (image.Image, error) {
	return serializer.Default{}.Decode(data)
}

// SetLoggers routes the manager's access and error logs.
func (m *Manager) SetLoggers(access, errors cache.Logger) {
	if access != nil {
		m.accessLogger = access
	}
	if errors != nil {
		m.errorLogger = errors
	}
}

// Cache returns the manager's default cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Downloader returns the manager's default downloader.
func (m *Manager) Downloader() *downloader.Downloader {
	return m.downloader
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
// Its disk tier lives under the user cache directory.
func Default() *Manager {
	defaultOnce.Do(func() {
		root, err := os.UserCacheDir()
		if err != nil {
			root = os.TempDir()
		}
		dsk, err := disk.New(filepath.Join(root, "halcyon", "default"))
		if err != nil {
			// Degrade to memory-only rather than fail lazily.
			dsk = nil
		}
		mem := memory.New(memory.WithCostLimit(DefaultMemoryCostLimit))
		defaultManager = NewManager(NewCache(mem, dsk), nil)
	})
	return defaultManager
}

// Retrieve resolves source and blocks until the image is available or
// the retrieval fails. Cancelling ctx cancels the retrieval.
func (m *Manager) Retrieve(ctx context.Context, source Source, opts ...Option) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	task, err := m.RetrieveAsync(source, nil, func(res *Result, err error) {
		ch <- outcome{res: res, err: err}
	}, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		task.Cancel()
		out := <-ch
		return out.res, out.err
	}
}

// RetrieveAsync resolves source without blocking on the network. The
// memory tier is consulted synchronously, and so is the disk tier when
// LoadDiskSynchronously is set; downloads and the work after them run
// on background goroutines. The completion sink receives the outcome exactly once,
// on the configured callback queue.
func (m *Manager) RetrieveAsync(source Source, onProgress downloader.Progress, onComplete Completion, opts ...Option) (*Task, error) {
	o := m.base.clone().apply(opts)

	key := source.CacheKey()
	if key == "" {
		return nil, ErrEmptySource
	}

	task := &Task{complete: wrapCompletion(o.callbackQueue, onComplete)}

	r := &retrieval{
		m:            m,
		task:         task,
		o:            o,
		onProgress:   onProgress,
		source:       source,
		key:          key,
		procID:       o.processor.Identifier(),
		alternatives: append([]Source(nil), o.alternativeSources...),
	}
	r.c = o.targetCache
	if r.c == nil {
		r.c = m.cache
	}
	r.oc = o.originalCache
	if r.oc == nil {
		r.oc = r.c
	}

	r.start()
	return task, nil
}

func wrapCompletion(q downloader.Queue, onComplete Completion) Completion {
	return func(res *Result, err error) {
		if onComplete == nil {
			return
		}
		if q != nil {
			q(func() { onComplete(res, err) })
			return
		}
		onComplete(res, err)
	}
}

// retrieval carries the state of one retrieval through the cache,
// download, and fallback phases.
type retrieval struct {
	m          *Manager
	task       *Task
	o          *options
	onProgress downloader.Progress

	source Source
	key    string
	procID string

	c  *Cache
	oc *Cache

	alternatives     []Source
	attempt          int
	errs             []error
	usedAlternatives bool
	lowDataTried     bool
}

// start performs the synchronous memory lookup and dispatches the
// remaining phases.
func (r *retrieval) start() {
	o := r.o

	if !o.forceRefresh {
		variant := cache.VariantKey(r.key, r.procID)
		if v, ok := r.c.Memory.Get(variant, o.memoryExtend); ok {
			if img, ok := v.(image.Image); ok {
				r.deliverSuccess(img, cache.TypeMemory)
				return
			}
		}

		if !o.fromMemoryCacheOrRefresh && r.c.Disk != nil {
			if o.loadDiskSynchronously {
				r.diskPhase()
			} else {
				go r.diskPhase()
			}
			return
		}
	}

	r.afterCache()
}

// diskPhase looks the variant up on disk, then falls back to the
// original-image cache when a non-default processor is in play.
func (r *retrieval) diskPhase() {
	o := r.o

	if r.task.isCancelled() {
		r.deliverFailure(downloader.ErrTaskCancelled)
		return
	}

	data, ok, err := r.c.retrieveDiskBytes(r.key, r.procID, o.diskExtend)
	if err != nil {
		// A broken disk tier should not break retrieval; log and treat
		// as a miss.
		r.m.errorLogger.Printf("RETRIEVE DISK %s: %v", r.key, err)
	}
	if ok {
		img, derr := o.serializer.Decode(data)
		if derr == nil {
			r.c.storeMemory(r.key, r.procID, img, o)
			r.deliverSuccess(img, cache.TypeDisk)
			return
		}
		r.m.errorLogger.Printf("RETRIEVE DECODE %s: %v", r.key, derr)
	}

	if r.procID != "" && r.regenerateFromOriginal() {
		return
	}

	r.afterCache()
}

// regenerateFromOriginal re-applies the processor to a cached
// unprocessed image. Returns true if the retrieval was concluded.
func (r *retrieval) regenerateFromOriginal() bool {
	o := r.o

	var item processor.Item
	if v, ok := r.oc.Memory.Get(r.key, o.memoryExtend); ok {
		if img, ok := v.(image.Image); ok {
			item.Image = img
		}
	}
	if item.Image == nil {
		if data, ok, err := r.oc.retrieveDiskBytes(r.key, "", o.diskExtend); err == nil && ok {
			item.Data = data
		}
	}
	if item.Image == nil && item.Data == nil {
		return false
	}

	processed, perr := o.processor.Process(item, o.processorOptions())
	if perr != nil {
		r.handleFailure(r.source, &ProcessorError{Identifier: r.procID, Err: perr})
		return true
	}

	r.c.storeMemory(r.key, r.procID, processed, o)
	diskWrite := func() {
		if err := r.c.storeDisk(r.key, r.procID, processed, nil, o.serializer, o); err != nil {
			r.m.errorLogger.Printf("CACHE VARIANT %s: %v", r.key, err)
		}
	}
	if o.waitForCache {
		diskWrite()
	} else {
		go diskWrite()
	}

	r.deliverSuccess(processed, cache.TypeDisk)
	return true
}

// afterCache runs once both cache tiers have missed.
func (r *retrieval) afterCache() {
	if r.o.onlyFromCache {
		r.deliverFailure(ErrNotCached)
		return
	}
	r.downloadPhase(r.source)
}

// downloadPhase engages the transport (or the byte provider) for src.
func (r *retrieval) downloadPhase(src Source) {
	if r.task.isCancelled() {
		r.deliverFailure(downloader.ErrTaskCancelled)
		return
	}

	switch s := src.(type) {
	case ProviderSource:
		go func() {
			data, err := s.Provide()
			if err != nil {
				r.handleFailure(src, &ProviderError{Key: s.Key, Err: err})
				return
			}
			ref, derr := r.o.serializer.Decode(data)
			if derr != nil {
				r.handleFailure(src, downloader.ErrInvalidImageData)
				return
			}
			r.handleDownloaded(src, data, ref)
		}()

	case URLSource:
		dl := r.o.downloader
		if dl == nil {
			dl = r.m.downloader
		}
		dtask, err := dl.Download(s.URL, r.o.downloadOptions(), r.onProgress, func(res *downloader.Result, derr error) {
			r.task.clearDownloadTask()
			if derr != nil {
				r.handleFailure(src, derr)
				return
			}
			if r.o.backgroundDecode {
				// Keep per-caller processing off the shared session
				// goroutine.
				go r.handleDownloaded(src, res.Data, res.Image)
				return
			}
			r.handleDownloaded(src, res.Data, res.Image)
		})
		if err != nil {
			r.handleFailure(src, err)
			return
		}
		r.task.setDownloadTask(dtask)

	default:
		r.deliverFailure(ErrEmptySource)
	}
}

// handleDownloaded routes fresh bytes through the processor and the
// write-back step, then delivers.
func (r *retrieval) handleDownloaded(src Source, data []byte, ref image.Image) {
	o := r.o

	processed, perr := o.processor.Process(processor.Item{Image: ref, Data: data}, o.processorOptions())
	if perr != nil {
		r.handleFailure(src, &ProcessorError{Identifier: r.procID, Err: perr})
		return
	}

	skey := src.CacheKey()

	r.c.storeMemory(skey, r.procID, processed, o)
	if o.cacheOriginalImage && r.procID != "" && ref != nil {
		r.oc.storeMemory(skey, "", ref, o)
	}

	diskWrites := func() {
		if o.cacheOriginalImage && r.procID != "" {
			if err := r.oc.storeDisk(skey, "", ref, data, o.serializer, o); err != nil {
				r.m.errorLogger.Printf("CACHE ORIGINAL %s: %v", skey, err)
			}
		}
		var exact []byte
		if r.procID == "" {
			exact = data
		}
		if err := r.c.storeDisk(skey, r.procID, processed, exact, o.serializer, o); err != nil {
			r.m.errorLogger.Printf("CACHE VARIANT %s: %v", skey, err)
		}
	}

	if o.waitForCache {
		diskWrites()
	} else {
		go diskWrites()
	}

	r.deliverSuccess(processed, cache.TypeNone)
}

// handleFailure applies the retry strategy, the low-data fallback, and
// the alternative sources, in that order, before giving up.
func (r *retrieval) handleFailure(src Source, err error) {
	if r.task.isCancelled() || isCancelled(err) {
		r.deliverFailure(downloader.ErrTaskCancelled)
		return
	}

	r.errs = append(r.errs, err)

	if r.o.retryStrategy != nil {
		r.attempt++
		if delay, ok := r.o.retryStrategy.Retry(r.attempt, err); ok {
			r.m.accessLogger.Printf("RETRY %d %s in %v", r.attempt, src.CacheKey(), delay)
			time.AfterFunc(delay, func() { r.downloadPhase(src) })
			return
		}
	}

	if recoverableFailure(err) {
		if r.o.lowDataSource != nil && !r.lowDataTried && isConstrainedNetwork(err) {
			r.lowDataTried = true
			r.downloadPhase(r.o.lowDataSource)
			return
		}

		if len(r.alternatives) > 0 {
			next := r.alternatives[0]
			r.alternatives = r.alternatives[1:]
			r.usedAlternatives = true
			r.attempt = 0
			r.m.accessLogger.Printf("ALTERNATIVE SOURCE %s -> %s", src.CacheKey(), next.CacheKey())
			r.downloadPhase(next)
			return
		}
	}

	if r.usedAlternatives {
		r.deliverFailure(&AlternativeSourcesExhaustedError{Errs: r.errs})
		return
	}
	r.deliverFailure(err)
}

func (r *retrieval) deliverSuccess(img image.Image, ct cache.CacheType) {
	if r.o.imageModifier != nil {
		img = r.o.imageModifier(img)
	}
	r.m.accessLogger.Printf("RETRIEVED %s (%s)", r.key, ct)
	r.task.deliver(&Result{Image: img, CacheType: ct, Source: r.source}, nil)
}

func (r *retrieval) deliverFailure(err error) {
	var res *Result
	if r.o.onFailureImage != nil {
		// The failure surface still shows an image; the error travels
		// alongside it.
		res = &Result{Image: r.o.onFailureImage, CacheType: cache.TypeNone, Source: r.source}
	}
	r.m.errorLogger.Printf("RETRIEVE FAILED %s: %v", r.key, err)
	r.task.deliver(res, err)
}
