// Package downloader fetches image bytes over HTTP, coalescing
// concurrent requests for the same URL into a single transport fetch
// while preserving per-caller cancellation.
package downloader

import (
	"image"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/halcyon-cache/halcyon/cache"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_downloads_started_total",
		Help: "The total number of transport fetches started",
	})
	downloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_download_errors_total",
		Help: "The total number of transport fetches that failed",
	})
	downloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_downloaded_bytes_total",
		Help: "The total number of body bytes downloaded",
	})
	coalescedAwaiters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_download_coalesced_awaiters_total",
		Help: "The total number of awaiters attached to an already in-flight fetch",
	})
	inflightSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "halcyon_download_inflight_sessions",
		Help: "The current number of in-flight download sessions",
	})
)

// DefaultTimeout bounds a transport task when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// Downloader coalesces downloads per URL. At any instant at most one
// transport fetch is active per URL. It is safe for concurrent use.
type Downloader struct {
	client  *http.Client
	timeout time.Duration

	// decode produces the session's reference image, once per
	// completed fetch. Nil leaves Result.Image unset.
	decode func(data []byte) (image.Image, error)

	accessLogger cache.Logger
	errorLogger  cache.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient overrides the HTTP client used for transport fetches.
func WithClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.client = c
	}
}

// WithTimeout sets the default transport timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Downloader) {
		d.timeout = t
	}
}

// WithDecoder sets the once-per-session reference image decoder.
func WithDecoder(decode func(data []byte) (image.Image, error)) Option {
	return func(d *Downloader) {
		d.decode = decode
	}
}

// WithAccessLogger sets the logger for per-download events.
func WithAccessLogger(l cache.Logger) Option {
	return func(d *Downloader) {
		d.accessLogger = l
	}
}

// WithErrorLogger sets the logger for failures.
func WithErrorLogger(l cache.Logger) Option {
	return func(d *Downloader) {
		d.errorLogger = l
	}
}

// New returns a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:       &http.Client{},
		timeout:      DefaultTimeout,
		accessLogger: noopLogger{},
		errorLogger:  noopLogger{},
		sessions:     make(map[string]*session),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Task is the caller's handle on one registered download callback.
type Task struct {
	mu        sync.Mutex
	sess      *session
	token     uuid.UUID
	record    *callbackRecord
	cancelled bool
}

// Cancel deregisters this caller. The caller's completion receives
// ErrTaskCancelled; other awaiters of the same session are unaffected.
// When the last awaiter cancels, the transport fetch is cancelled too.
// Cancelling a task whose session has not been materialized yet (an
// async request modifier is still pending) guarantees the transport
// never starts on this task's behalf.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	sess := t.sess
	record := t.record
	t.mu.Unlock()

	if sess == nil {
		// Not started: the attach step will observe cancelled and
		// never materialize a session for this task.
		record.complete(nil, ErrTaskCancelled)
		return
	}
	sess.remove(t.token)
}

// attach binds the task to a session once the request is known. It
// returns false if the task was cancelled before materialization.
func (t *Task) attach(sess *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.sess = sess
	return true
}

// Download fetches rawURL, attaching to an in-flight session for the
// same URL if one exists. The completion sink receives the decoded
// result or one error; the progress sink receives byte counts while
// the body downloads. The returned Task cancels this caller only.
func (d *Downloader) Download(rawURL string, o Options, onProgress Progress, onComplete Completion) (*Task, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &InvalidURLError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Err: err}
	}

	record := &callbackRecord{
		token:      uuid.New(),
		onProgress: onProgress,
		onComplete: onComplete,
		queue:      o.Queue,
	}
	task := &Task{token: record.token, record: record}

	if o.AsyncRequestModifier != nil {
		// The session is materialized only once the modifier reports
		// the final request; until then the task is "not started" but
		// still cancellable.
		go o.AsyncRequestModifier.Modify(req, func(modified *http.Request) {
			if modified == nil {
				record.complete(nil, ErrEmptyRequest)
				return
			}
			d.attach(task, record, modified, o)
		})
		return task, nil
	}

	if o.RequestModifier != nil {
		req = o.RequestModifier.Modify(req)
		if req == nil {
			return nil, ErrEmptyRequest
		}
	}

	d.attach(task, record, req, o)
	return task, nil
}

// attach registers the record with the session for the request's URL,
// creating and starting a session when none is in flight.
func (d *Downloader) attach(task *Task, record *callbackRecord, req *http.Request, o Options) {
	key := req.URL.String()

	for {
		d.mu.Lock()
		sess, ok := d.sessions[key]
		created := false
		if !ok {
			sess = newSession(d, key, req.URL, req, o)
			d.sessions[key] = sess
			created = true
		}

		if !task.attach(sess) {
			// Cancelled before materialization. Do not start a
			// transport on this task's behalf.
			if created {
				delete(d.sessions, key)
			}
			d.mu.Unlock()
			return
		}

		if !sess.add(record) {
			// The session completed between lookup and registration;
			// retry with a fresh one.
			task.mu.Lock()
			task.sess = nil
			task.mu.Unlock()
			if d.sessions[key] == sess {
				delete(d.sessions, key)
			}
			d.mu.Unlock()
			continue
		}
		d.mu.Unlock()

		if created {
			go sess.run()
		} else {
			coalescedAwaiters.Inc()
		}
		return
	}
}

// CancelAll cancels every awaiter of the session for rawURL, if any,
// and its transport fetch.
func (d *Downloader) CancelAll(rawURL string) {
	d.mu.Lock()
	sess := d.sessions[rawURL]
	d.mu.Unlock()

	if sess != nil {
		sess.cancelAll()
	}
}

// CancelAllSessions cancels every in-flight session.
func (d *Downloader) CancelAllSessions() {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.mu.Unlock()

	for _, sess := range sessions {
		sess.cancelAll()
	}
}

// InflightSessions returns the number of sessions currently in flight.
func (d *Downloader) InflightSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// dropSession removes a completed or cancelled session from the table,
// unless it was already replaced by a newer session for the same URL.
func (d *Downloader) dropSession(key string, sess *session) {
	d.mu.Lock()
	if d.sessions[key] == sess {
		delete(d.sessions, key)
	}
	d.mu.Unlock()
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}
