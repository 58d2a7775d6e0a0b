package halcyon

import (
	"image"
	"sync"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/downloader"
)

// Result is the outcome of a successful retrieval.
type Result struct {
	// Image is the decoded, processed, and modified image.
	Image image.Image

	// CacheType reports which tier served the image. TypeNone means a
	// fresh download (or provider read).
	CacheType cache.CacheType

	// Source the retrieval resolved.
	Source Source
}

// Completion receives the retrieval outcome: a result or one error.
// When an on-failure image is configured, a failing retrieval carries
// it in the result alongside the error.
type Completion func(result *Result, err error)

// Task is the caller's handle on one in-flight retrieval.
type Task struct {
	mu        sync.Mutex
	cancelled bool
	dtask     *downloader.Task

	deliverOnce sync.Once
	complete    Completion
}

// Cancel cancels this retrieval. The completion receives
// downloader.ErrTaskCancelled; other retrievals coalesced onto the
// same download session are unaffected.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	dt := t.dtask
	t.mu.Unlock()

	if dt != nil {
		// The downloader reports the cancellation through the session
		// callback, which funnels back into deliver.
		dt.Cancel()
		return
	}
	t.deliver(nil, downloader.ErrTaskCancelled)
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// setDownloadTask binds the current transport task. Returns false if
// the retrieval was already cancelled; the download task is then
// cancelled in turn.
func (t *Task) setDownloadTask(dt *downloader.Task) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		dt.Cancel()
		return false
	}
	t.dtask = dt
	t.mu.Unlock()
	return true
}

// clearDownloadTask unbinds the transport task between attempts.
func (t *Task) clearDownloadTask() {
	t.mu.Lock()
	t.dtask = nil
	t.mu.Unlock()
}

// deliver reports the outcome exactly once.
func (t *Task) deliver(r *Result, err error) {
	t.deliverOnce.Do(func() {
		t.complete(r, err)
	})
}
