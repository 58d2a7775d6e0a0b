package halcyon

import (
	"image"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/disk"
	"github.com/halcyon-cache/halcyon/downloader"
	"github.com/halcyon-cache/halcyon/processor"
	"github.com/halcyon-cache/halcyon/serializer"
)

// Option parameterizes a single retrieval. Options passed to Retrieve
// are applied on top of the manager's defaults.
type Option func(*options)

// options is the resolved decision surface the orchestrator consults.
type options struct {
	targetCache   *Cache
	originalCache *Cache
	downloader    *downloader.Downloader

	forceRefresh             bool
	fromMemoryCacheOrRefresh bool
	cacheMemoryOnly          bool
	waitForCache             bool
	onlyFromCache            bool
	backgroundDecode         bool
	loadDiskSynchronously    bool

	callbackQueue downloader.Queue

	scaleFactor               float64
	preloadAllAnimationFrames bool
	onlyLoadFirstFrame        bool

	requestModifier      downloader.RequestModifier
	asyncRequestModifier downloader.AsyncRequestModifier
	redirectHandler      downloader.RedirectHandler
	responseGate         downloader.ResponseGate
	dataModifier         downloader.DataModifier

	retryStrategy RetryStrategy

	processor  processor.Processor
	serializer serializer.Serializer

	imageModifier                ImageModifier
	keepCurrentImageWhileLoading bool
	onFailureImage               image.Image
	placeholder                  interface{}
	transition                   interface{}

	memoryExpiration *cache.Expiration
	diskExpiration   *cache.Expiration
	memoryExtend     cache.Extend
	diskExtend       cache.Extend

	cacheOriginalImage bool

	alternativeSources []Source
	lowDataSource      Source

	priority     downloader.Priority
	writeOptions disk.WriteOptions
}

// ImageModifier decorates an image just before it is delivered to the
// caller. It runs for cache hits and fresh downloads alike and does
// not participate in the cache fingerprint.
type ImageModifier func(img image.Image) image.Image

func newOptions() *options {
	return &options{
		processor:    processor.Default{},
		serializer:   serializer.Default{},
		memoryExtend: cache.ExtendByAccess(),
		diskExtend:   cache.ExtendByAccess(),
		priority:     downloader.PriorityDefault,
	}
}

func (o *options) apply(opts []Option) *options {
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) clone() *options {
	c := *o
	return &c
}

// processorOptions renders the decode parameters processors see.
func (o *options) processorOptions() processor.Options {
	return processor.Options{
		ScaleFactor:               o.scaleFactor,
		PreloadAllAnimationFrames: o.preloadAllAnimationFrames,
		OnlyLoadFirstFrame:        o.onlyLoadFirstFrame,
	}
}

// downloadOptions renders the per-request downloader options.
func (o *options) downloadOptions() downloader.Options {
	return downloader.Options{
		RequestModifier:      o.requestModifier,
		AsyncRequestModifier: o.asyncRequestModifier,
		RedirectHandler:      o.redirectHandler,
		ResponseGate:         o.responseGate,
		DataModifier:         o.dataModifier,
		Priority:             o.priority,
		Queue:                nil, // orchestrator callbacks run on the session goroutine
	}
}

// WithTargetCache routes cache operations for this retrieval to c.
func WithTargetCache(c *Cache) Option {
	return func(o *options) { o.targetCache = c }
}

// WithOriginalCache stores and looks up the unprocessed image in c
// when a non-default processor is in play.
func WithOriginalCache(c *Cache) Option {
	return func(o *options) { o.originalCache = c }
}

// WithDownloader overrides the transport for this retrieval.
func WithDownloader(d *downloader.Downloader) Option {
	return func(o *options) { o.downloader = d }
}

// ForceRefresh skips both cache tiers and always downloads.
func ForceRefresh() Option {
	return func(o *options) { o.forceRefresh = true }
}

// FromMemoryCacheOrRefresh downloads when the memory tier misses,
// without consulting disk.
func FromMemoryCacheOrRefresh() Option {
	return func(o *options) { o.fromMemoryCacheOrRefresh = true }
}

// CacheMemoryOnly keeps the result out of the disk tier.
func CacheMemoryOnly() Option {
	return func(o *options) { o.cacheMemoryOnly = true }
}

// WaitForCache delays delivery until cache writes have resolved.
func WaitForCache() Option {
	return func(o *options) { o.waitForCache = true }
}

// OnlyFromCache never touches the transport; a miss surfaces
// ErrNotCached.
func OnlyFromCache() Option {
	return func(o *options) { o.onlyFromCache = true }
}

// BackgroundDecode runs this caller's processing of a download on its
// own goroutine instead of the shared download session goroutine. The
// reference image is still decoded once per session.
func BackgroundDecode() Option {
	return func(o *options) { o.backgroundDecode = true }
}

// LoadDiskSynchronously reads the disk tier on the caller's goroutine.
func LoadDiskSynchronously() Option {
	return func(o *options) { o.loadDiskSynchronously = true }
}

// WithCallbackQueue delivers completion callbacks through q.
func WithCallbackQueue(q downloader.Queue) Option {
	return func(o *options) { o.callbackQueue = q }
}

// WithScaleFactor sets the decoder scale factor.
func WithScaleFactor(s float64) Option {
	return func(o *options) { o.scaleFactor = s }
}

// PreloadAllAnimationFrames asks animated decoders for every frame.
func PreloadAllAnimationFrames() Option {
	return func(o *options) { o.preloadAllAnimationFrames = true }
}

// OnlyLoadFirstFrame asks animated decoders for the first frame only.
func OnlyLoadFirstFrame() Option {
	return func(o *options) { o.onlyLoadFirstFrame = true }
}

// WithRequestModifier rewrites the request before it is sent.
func WithRequestModifier(m downloader.RequestModifier) Option {
	return func(o *options) { o.requestModifier = m }
}

// WithAsyncRequestModifier rewrites the request asynchronously; the
// returned task is not started until the modifier reports.
func WithAsyncRequestModifier(m downloader.AsyncRequestModifier) Option {
	return func(o *options) { o.asyncRequestModifier = m }
}

// WithRedirectHandler rewrites requests on HTTP redirects.
func WithRedirectHandler(h downloader.RedirectHandler) Option {
	return func(o *options) { o.redirectHandler = h }
}

// WithResponseGate vets the initial response before the body download.
func WithResponseGate(g downloader.ResponseGate) Option {
	return func(o *options) { o.responseGate = g }
}

// WithDataModifier rewrites the downloaded bytes once per session.
func WithDataModifier(m downloader.DataModifier) Option {
	return func(o *options) { o.dataModifier = m }
}

// WithRetryStrategy retries failed retrievals per the strategy.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *options) { o.retryStrategy = s }
}

// WithProcessor applies p to the downloaded image and caches the
// variant under p's identifier.
func WithProcessor(p processor.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithCacheSerializer converts between images and their on-disk form.
func WithCacheSerializer(s serializer.Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithImageModifier decorates the image at delivery time.
func WithImageModifier(m ImageModifier) Option {
	return func(o *options) { o.imageModifier = m }
}

// KeepCurrentImageWhileLoading tells UI bindings not to clear the
// target while this retrieval is in flight.
func KeepCurrentImageWhileLoading() Option {
	return func(o *options) { o.keepCurrentImageWhileLoading = true }
}

// WithOnFailureImage delivers img as the result surface when the
// retrieval terminally fails; the error is still reported.
func WithOnFailureImage(img image.Image) Option {
	return func(o *options) { o.onFailureImage = img }
}

// WithPlaceholder records a UI-layer placeholder value. The core does
// not interpret it.
func WithPlaceholder(v interface{}) Option {
	return func(o *options) { o.placeholder = v }
}

// WithTransition records a UI-layer transition value. The core does
// not interpret it.
func WithTransition(v interface{}) Option {
	return func(o *options) { o.transition = v }
}

// WithMemoryCacheExpiration sets the expiration of entries this
// retrieval writes to the memory tier.
func WithMemoryCacheExpiration(e cache.Expiration) Option {
	return func(o *options) { o.memoryExpiration = &e }
}

// WithDiskCacheExpiration sets the expiration of entries this
// retrieval writes to the disk tier.
func WithDiskCacheExpiration(e cache.Expiration) Option {
	return func(o *options) { o.diskExpiration = &e }
}

// WithMemoryCacheAccessExtending sets how memory reads extend an
// entry's expiration.
func WithMemoryCacheAccessExtending(x cache.Extend) Option {
	return func(o *options) { o.memoryExtend = x }
}

// WithDiskCacheAccessExtending sets how disk reads extend an entry's
// expiration.
func WithDiskCacheAccessExtending(x cache.Extend) Option {
	return func(o *options) { o.diskExtend = x }
}

// CacheOriginalImage also caches the unprocessed image under the
// original fingerprint when a non-default processor is in play.
func CacheOriginalImage() Option {
	return func(o *options) { o.cacheOriginalImage = true }
}

// WithAlternativeSources falls back to the given sources, in order,
// when the download fails with a recoverable error.
func WithAlternativeSources(sources ...Source) Option {
	return func(o *options) { o.alternativeSources = sources }
}

// WithLowDataModeSource fetches s instead when the network is
// constrained.
func WithLowDataModeSource(s Source) Option {
	return func(o *options) { o.lowDataSource = s }
}

// WithDownloadPriority sets the transport priority of the session.
func WithDownloadPriority(p downloader.Priority) Option {
	return func(o *options) { o.priority = p }
}

// WithDiskStoreWriteOptions controls how the disk tier commits entry
// files for this retrieval.
func WithDiskStoreWriteOptions(wo disk.WriteOptions) Option {
	return func(o *options) { o.writeOptions = wo }
}
