package halcyon

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/halcyon-cache/halcyon/downloader"
)

var (
	// ErrEmptySource is returned when a source has no usable cache key
	// or URL.
	ErrEmptySource = errors.New("halcyon: empty source")

	// ErrNotCached is returned when only-from-cache is set and neither
	// tier has the requested variant.
	ErrNotCached = errors.New("halcyon: image not cached")

	// ErrNotCurrentSourceTask is surfaced by target bindings when a
	// completed task no longer matches the source bound to its target.
	// The library defines it so UI adapters agree on the sentinel; the
	// core never returns it.
	ErrNotCurrentSourceTask = errors.New("halcyon: task does not match the current source")
)

// ProcessorError reports a processor that returned no image.
type ProcessorError struct {
	// Identifier of the failing processor.
	Identifier string

	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("halcyon: processing failed in %q: %v", e.Identifier, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// AlternativeSourcesExhaustedError reports that the original source and
// every configured alternative failed.
type AlternativeSourcesExhaustedError struct {
	// Errs holds the per-source failures, in attempt order.
	Errs []error
}

func (e *AlternativeSourcesExhaustedError) Error() string {
	return fmt.Sprintf("halcyon: all %d sources failed: %v", len(e.Errs), e.Errs[len(e.Errs)-1])
}

func (e *AlternativeSourcesExhaustedError) Unwrap() error {
	return e.Errs[len(e.Errs)-1]
}

// ProviderError reports a failing byte provider.
type ProviderError struct {
	// Key of the provider source.
	Key string

	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("halcyon: image provider for %q failed: %v", e.Key, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func isCancelled(err error) bool {
	return errors.Is(err, downloader.ErrTaskCancelled)
}

// retryEligible reports whether a failure may be recovered by
// retrying. Cancellations, cache misses, and non-retryable request
// shapes are not.
func retryEligible(err error) bool {
	if isCancelled(err) {
		return false
	}
	var te *downloader.TransportError
	if errors.As(err, &te) {
		return true
	}
	var sc *downloader.InvalidStatusCodeError
	if errors.As(err, &sc) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe)
}

// recoverableFailure reports whether a failure may be recovered by an
// alternative source. Transport failures qualify, and so do decode and
// process failures, which a different source may not reproduce.
func recoverableFailure(err error) bool {
	if retryEligible(err) {
		return true
	}
	if errors.Is(err, downloader.ErrInvalidImageData) {
		return true
	}
	var pe *ProcessorError
	return errors.As(err, &pe)
}

// isConstrainedNetwork reports whether a transport failure looks like
// a constrained network: a timeout or exceeded deadline. This is the
// trigger for the low-data-mode fallback source.
func isConstrainedNetwork(err error) bool {
	var te *downloader.TransportError
	if !errors.As(err, &te) {
		return false
	}
	var ne net.Error
	if errors.As(te.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(te.Err, context.DeadlineExceeded)
}
