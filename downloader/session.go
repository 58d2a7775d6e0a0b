package downloader

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is what a completed download delivers to each awaiter.
type Result struct {
	// URL the session fetched, after request modification.
	URL *url.URL

	// Data is the downloaded bytes, after the data modifier ran.
	Data []byte

	// Image is the reference image decoded once per session, when the
	// downloader has a decoder configured.
	Image image.Image
}

// Progress receives byte counts while the body downloads. expected is
// -1 when the server did not announce a length.
type Progress func(received, expected int64)

// Completion receives the session outcome: a result or one error.
type Completion func(result *Result, err error)

// callbackRecord is one awaiter registered with a session.
type callbackRecord struct {
	token      uuid.UUID
	onProgress Progress
	onComplete Completion
	queue      Queue
}

func (r *callbackRecord) deliver(f func()) {
	if r.queue != nil {
		r.queue(f)
		return
	}
	f()
}

// complete reports the outcome to this record's completion sink, on
// its callback queue.
func (r *callbackRecord) complete(result *Result, err error) {
	if r.onComplete == nil {
		return
	}
	r.deliver(func() {
		r.onComplete(result, err)
	})
}

// session is a single in-flight transport fetch serving one or more
// awaiters for the same URL.
type session struct {
	d   *Downloader
	key string
	url *url.URL
	req *http.Request

	timeout      time.Duration
	priority     Priority
	redirect     RedirectHandler
	gate         ResponseGate
	dataModifier DataModifier

	mu sync.Mutex
	// Registration order of callback tokens; completions fan out in
	// this order.
	order     []uuid.UUID
	callbacks map[uuid.UUID]*callbackRecord
	done      bool
	cancelCtx context.CancelFunc
}

func newSession(d *Downloader, key string, u *url.URL, req *http.Request, o Options) *session {
	return &session{
		d:            d,
		key:          key,
		url:          u,
		req:          req,
		timeout:      o.Timeout,
		priority:     o.Priority,
		redirect:     o.RedirectHandler,
		gate:         o.ResponseGate,
		dataModifier: o.DataModifier,
		callbacks:    make(map[uuid.UUID]*callbackRecord),
	}
}

// add registers an awaiter. It returns false if the session already
// completed, in which case the caller must start over with a fresh
// session.
func (s *session) add(r *callbackRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.callbacks[r.token] = r
	s.order = append(s.order, r.token)
	return true
}

// remove deregisters one awaiter and reports the cancellation to it
// alone. When the last awaiter leaves, the transport is cancelled and
// the session disposed. Returns false if the record was already
// delivered or removed.
func (s *session) remove(token uuid.UUID) bool {
	s.mu.Lock()
	r, ok := s.callbacks[token]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.callbacks, token)
	last := len(s.callbacks) == 0 && !s.done
	var cancelCtx context.CancelFunc
	if last {
		s.done = true
		cancelCtx = s.cancelCtx
	}
	s.mu.Unlock()

	if last {
		s.d.dropSession(s.key, s)
		if cancelCtx != nil {
			cancelCtx()
		}
	}

	r.complete(nil, ErrTaskCancelled)
	return true
}

// cancelAll removes every awaiter, reporting ErrTaskCancelled to each,
// and cancels the transport.
func (s *session) cancelAll() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	records := s.snapshotLocked()
	cancelCtx := s.cancelCtx
	s.mu.Unlock()

	s.d.dropSession(s.key, s)
	if cancelCtx != nil {
		cancelCtx()
	}

	for _, r := range records {
		r.complete(nil, ErrTaskCancelled)
	}
}

// snapshotLocked returns the registered records in registration order
// and clears the set. The session lock must be held.
func (s *session) snapshotLocked() []*callbackRecord {
	records := make([]*callbackRecord, 0, len(s.callbacks))
	for _, token := range s.order {
		if r, ok := s.callbacks[token]; ok {
			records = append(records, r)
		}
	}
	s.callbacks = make(map[uuid.UUID]*callbackRecord)
	s.order = nil
	return records
}

// run performs the transport fetch and fans the outcome out to every
// awaiter still registered. It runs on its own goroutine, exactly once
// per session.
func (s *session) run() {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = s.d.timeout
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	s.mu.Lock()
	if s.done {
		// Every awaiter cancelled before the transport started.
		s.mu.Unlock()
		return
	}
	s.cancelCtx = cancel
	s.mu.Unlock()

	// The client is copied so the redirect handler can be set per
	// session without touching the shared transport.
	client := *s.d.client
	if s.redirect != nil {
		client.CheckRedirect = s.redirect
	}

	downloadsStarted.Inc()
	inflightSessions.Inc()
	defer inflightSessions.Dec()

	s.d.accessLogger.Printf("DOWNLOAD START %s (priority %.2f)", s.url, s.priority)

	resp, err := client.Do(s.req.WithContext(ctx))
	if err != nil {
		if ctx.Err() == context.Canceled {
			// The transport was torn down by cancellation; awaiters
			// were already signalled individually. A timeout is
			// reported as a transport error below.
			s.finish(nil, ErrTaskCancelled)
			return
		}
		s.finish(nil, &TransportError{URL: s.url.String(), Err: err})
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if s.gate != nil && !s.gate(resp) {
		s.finish(nil, ErrCancelledByDelegate)
		return
	}

	if resp.StatusCode == http.StatusNotModified {
		s.finish(nil, ErrNotModified)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.finish(nil, &InvalidStatusCodeError{Code: resp.StatusCode})
		return
	}

	data, err := s.readBody(resp)
	if err != nil {
		if ctx.Err() == context.Canceled {
			s.finish(nil, ErrTaskCancelled)
			return
		}
		s.finish(nil, &TransportError{URL: s.url.String(), Err: err})
		return
	}

	if s.dataModifier != nil {
		data, err = s.dataModifier(data, s.url)
		if err != nil {
			s.finish(nil, &DataModifyingError{Err: err})
			return
		}
	}

	result := &Result{URL: s.url, Data: data}
	if s.d.decode != nil {
		img, err := s.d.decode(data)
		if err != nil {
			s.finish(nil, ErrInvalidImageData)
			return
		}
		result.Image = img
	}

	downloadedBytes.Add(float64(len(data)))
	s.finish(result, nil)
}

// readBody consumes the response body, fanning progress out to every
// registered awaiter after each chunk.
func (s *session) readBody(resp *http.Response) ([]byte, error) {
	expected := resp.ContentLength

	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			s.fanOutProgress(int64(len(data)), expected)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *session) fanOutProgress(received, expected int64) {
	s.mu.Lock()
	records := make([]*callbackRecord, 0, len(s.callbacks))
	for _, token := range s.order {
		if r, ok := s.callbacks[token]; ok && r.onProgress != nil {
			records = append(records, r)
		}
	}
	s.mu.Unlock()

	for _, r := range records {
		r := r
		r.deliver(func() {
			r.onProgress(received, expected)
		})
	}
}

// finish delivers the outcome to every awaiter still registered, in
// registration order, and disposes the session. The race between a
// late cancellation and the transport completing resolves under the
// session lock: whichever marks the session done first wins.
func (s *session) finish(result *Result, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	records := s.snapshotLocked()
	s.mu.Unlock()

	s.d.dropSession(s.key, s)

	if err != nil {
		downloadErrors.Inc()
		s.d.errorLogger.Printf("DOWNLOAD FAILED %s: %v", s.url, err)
	} else {
		s.d.accessLogger.Printf("DOWNLOAD DONE %s (%d bytes, %d awaiters)",
			s.url, len(result.Data), len(records))
	}

	for _, r := range records {
		r.complete(result, err)
	}
}
