package halcyon

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/disk"
	"github.com/halcyon-cache/halcyon/cache/memory"
	"github.com/halcyon-cache/halcyon/downloader"
	"github.com/halcyon-cache/halcyon/processor"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 99, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsk, err := disk.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mem := memory.New(memory.WithCleanInterval(0))
	t.Cleanup(mem.Stop)
	return NewManager(NewCache(mem, dsk), nil)
}

// pngServer serves a PNG and counts requests.
func pngServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	body := testPNG(t, 8, 8)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestRetrieveDownloadsThenServesFromCache(t *testing.T) {
	server, requests := pngServer(t)
	m := newTestManager(t)

	res, err := m.Retrieve(context.Background(), URL(server.URL), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeNone {
		t.Fatalf("first retrieval should be fresh, got %s", res.CacheType)
	}
	if res.Image == nil {
		t.Fatal("missing image")
	}

	res, err = m.Retrieve(context.Background(), URL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeMemory {
		t.Fatalf("second retrieval should hit memory, got %s", res.CacheType)
	}

	// Disk serves once memory is cleared, and re-populates memory.
	m.Cache().ClearMemory()

	res, err = m.Retrieve(context.Background(), URL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeDisk {
		t.Fatalf("expected disk hit after memory clear, got %s", res.CacheType)
	}

	res, err = m.Retrieve(context.Background(), URL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeMemory {
		t.Fatalf("disk hit should re-populate memory, got %s", res.CacheType)
	}

	if got := requests.Load(); got != 1 {
		t.Fatalf("expected one download in total, got %d", got)
	}
}

func TestProcessorVariantsAreDistinct(t *testing.T) {
	server, _ := pngServer(t)
	m := newTestManager(t)

	round := processor.RoundCorner{Radius: 40}
	blur := processor.Blur{Radius: 3}

	if _, err := m.Retrieve(context.Background(), URL(server.URL),
		WithProcessor(round), WaitForCache()); err != nil {
		t.Fatal(err)
	}

	// The other processor's variant is not a hit.
	_, err := m.Retrieve(context.Background(), URL(server.URL),
		WithProcessor(blur), OnlyFromCache())
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached for the blur variant, got %v", err)
	}

	// The stored variant is a memory hit.
	res, err := m.Retrieve(context.Background(), URL(server.URL), WithProcessor(round))
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeMemory {
		t.Fatalf("expected memory hit for the stored variant, got %s", res.CacheType)
	}

	key := URL(server.URL).CacheKey()
	a := cache.VariantKey(key, round.Identifier())
	b := cache.VariantKey(key, blur.Identifier())
	if a == b {
		t.Fatal("fingerprints must differ")
	}
	if a[:len(key)] != key || b[:len(key)] != key {
		t.Fatal("fingerprints must share the key prefix and differ by the trailing identifier")
	}
}

func TestOnlyFromCacheMiss(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Retrieve(context.Background(), URL("http://example.invalid/a.png"), OnlyFromCache())
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}
}

func TestForceRefreshSkipsCache(t *testing.T) {
	server, requests := pngServer(t)
	m := newTestManager(t)

	if _, err := m.Retrieve(context.Background(), URL(server.URL), WaitForCache()); err != nil {
		t.Fatal(err)
	}
	res, err := m.Retrieve(context.Background(), URL(server.URL), ForceRefresh(), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeNone {
		t.Fatalf("force refresh must not serve from cache, got %s", res.CacheType)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected two downloads, got %d", got)
	}
}

func TestFromMemoryCacheOrRefreshSkipsDisk(t *testing.T) {
	server, requests := pngServer(t)
	m := newTestManager(t)

	if _, err := m.Retrieve(context.Background(), URL(server.URL), WaitForCache()); err != nil {
		t.Fatal(err)
	}
	m.Cache().ClearMemory()

	res, err := m.Retrieve(context.Background(), URL(server.URL),
		FromMemoryCacheOrRefresh(), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeNone {
		t.Fatalf("disk must be skipped on memory miss, got %s", res.CacheType)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected a second download, got %d", got)
	}
}

func TestCacheMemoryOnly(t *testing.T) {
	server, _ := pngServer(t)
	m := newTestManager(t)

	if _, err := m.Retrieve(context.Background(), URL(server.URL),
		CacheMemoryOnly(), WaitForCache()); err != nil {
		t.Fatal(err)
	}

	key := URL(server.URL).CacheKey()
	if m.Cache().Disk.IsCached(key) {
		t.Fatal("memory-only retrieval must not write disk")
	}
	if !m.Cache().Memory.IsCached(key) {
		t.Fatal("memory tier missing the entry")
	}
}

func TestAlternativeSourceRecovers(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()
	working, _ := pngServer(t)

	m := newTestManager(t)

	res, err := m.Retrieve(context.Background(), URL(failing.URL),
		WithAlternativeSources(URL(working.URL)), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.Image == nil {
		t.Fatal("missing image from the alternative source")
	}
	// The result is cached under the source actually fetched.
	if !m.Cache().Memory.IsCached(URL(working.URL).CacheKey()) {
		t.Fatal("alternative source result not cached under its own key")
	}
}

func TestAlternativeSourcesExhausted(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()

	m := newTestManager(t)

	_, err := m.Retrieve(context.Background(), URL(failing.URL),
		WithAlternativeSources(URL(failing.URL+"/other")))
	var ex *AlternativeSourcesExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected AlternativeSourcesExhaustedError, got %v", err)
	}
	if len(ex.Errs) != 2 {
		t.Fatalf("expected two recorded failures, got %d", len(ex.Errs))
	}
}

func TestRetryStrategyEventuallySucceeds(t *testing.T) {
	body := testPNG(t, 4, 4)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	defer server.Close()

	m := newTestManager(t)

	res, err := m.Retrieve(context.Background(), URL(server.URL),
		WithRetryStrategy(DelayRetryStrategy{MaxRetryCount: 3, RetryInterval: 10 * time.Millisecond}),
		WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.Image == nil {
		t.Fatal("missing image after retries")
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRetryStrategyGivesUp(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "always down", http.StatusBadGateway)
	}))
	defer server.Close()

	m := newTestManager(t)

	_, err := m.Retrieve(context.Background(), URL(server.URL),
		WithRetryStrategy(DelayRetryStrategy{MaxRetryCount: 2, RetryInterval: time.Millisecond}))
	var sc *downloader.InvalidStatusCodeError
	if !errors.As(err, &sc) {
		t.Fatalf("expected the final status error, got %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", got)
	}
}

func TestProcessorFailureSurfaces(t *testing.T) {
	server, _ := pngServer(t)
	m := newTestManager(t)

	_, err := m.Retrieve(context.Background(), URL(server.URL),
		WithProcessor(failingProcessor{}))
	var pe *ProcessorError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if pe.Identifier != (failingProcessor{}).Identifier() {
		t.Fatalf("wrong identifier %q", pe.Identifier)
	}
}

type failingProcessor struct{}

func (failingProcessor) Identifier() string { return "test.Failing" }

func (failingProcessor) Process(item processor.Item, opts processor.Options) (image.Image, error) {
	return nil, errors.New("deliberate")
}

func TestImageModifierAppliesOnDelivery(t *testing.T) {
	server, _ := pngServer(t)
	m := newTestManager(t)

	marker := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	res, err := m.Retrieve(context.Background(), URL(server.URL),
		WithImageModifier(func(img image.Image) image.Image { return marker }),
		WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.Image != image.Image(marker) {
		t.Fatal("image modifier not applied to the delivered image")
	}

	// The modifier decorates delivery only; the cached image is the
	// unmodified one.
	res, err = m.Retrieve(context.Background(), URL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if res.Image == image.Image(marker) {
		t.Fatal("image modifier must not leak into the cache")
	}
}

func TestOnFailureImageDeliveredWithError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	m := newTestManager(t)

	fallback := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	res, err := m.Retrieve(context.Background(), URL(server.URL),
		WithOnFailureImage(fallback))
	if err == nil {
		t.Fatal("expected the error to surface alongside the failure image")
	}
	if res == nil || res.Image != image.Image(fallback) {
		t.Fatal("failure image not delivered")
	}
}

func TestProviderSource(t *testing.T) {
	m := newTestManager(t)
	data := testPNG(t, 6, 6)

	src := ProviderSource{
		Key:     "provided-image",
		Provide: func() ([]byte, error) { return data, nil },
	}

	res, err := m.Retrieve(context.Background(), src, WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.Image == nil {
		t.Fatal("missing image from provider")
	}

	res, err = m.Retrieve(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeMemory {
		t.Fatalf("provider result should be cached, got %s", res.CacheType)
	}
}

func TestProviderFailure(t *testing.T) {
	m := newTestManager(t)

	src := ProviderSource{
		Key:     "broken-provider",
		Provide: func() ([]byte, error) { return nil, errors.New("no bytes") },
	}

	_, err := m.Retrieve(context.Background(), src)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestEmptySourceRejected(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.RetrieveAsync(URLSource{}, nil, nil); !errors.Is(err, ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
}

func TestRetrieveCancelledByContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	m := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := m.Retrieve(ctx, URL(server.URL))
	if !errors.Is(err, downloader.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
}

func TestCacheOriginalImageRegeneratesVariants(t *testing.T) {
	server, requests := pngServer(t)
	m := newTestManager(t)

	round := processor.RoundCorner{Radius: 4}
	if _, err := m.Retrieve(context.Background(), URL(server.URL),
		WithProcessor(round), CacheOriginalImage(), WaitForCache()); err != nil {
		t.Fatal(err)
	}

	key := URL(server.URL).CacheKey()
	if !m.Cache().Disk.IsCached(key) {
		t.Fatal("original image not cached under the original fingerprint")
	}

	// A different processor regenerates from the cached original
	// instead of downloading.
	m.Cache().ClearMemory()
	blur := processor.Blur{Radius: 2}
	res, err := m.Retrieve(context.Background(), URL(server.URL),
		WithProcessor(blur), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheType != cache.TypeDisk {
		t.Fatalf("expected regeneration from the disk original, got %s", res.CacheType)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected no second download, got %d", got)
	}
}

func TestCallbackQueue(t *testing.T) {
	server, _ := pngServer(t)
	m := newTestManager(t)

	var queued atomic.Int32
	queue := func(f func()) {
		queued.Add(1)
		f()
	}

	done := make(chan struct{})
	_, err := m.RetrieveAsync(URL(server.URL), nil, func(res *Result, err error) {
		close(done)
	}, WithCallbackQueue(queue), WaitForCache())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
	}
	if queued.Load() == 0 {
		t.Fatal("completion bypassed the callback queue")
	}
}

func TestDefaultManagerIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default must return the same manager")
	}
}
