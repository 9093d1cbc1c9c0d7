// Package obserr classifies the errors that cross a pipeline stage boundary
// (spec.md §4.I, §7): transient (abort the batch, requeue), skip (a
// per-item failure), and everything else. The consumer loop checks only
// IsTransient: a transient error requeues the batch, and any other error
// rejects it without requeue.
package obserr

import "github.com/cockroachdb/errors"

// transientMark and skipMark are sentinel markers used with errors.Mark /
// errors.Is rather than a sentinel value itself, so the original error's
// message and cause chain survive classification.
var (
	transientMark = errors.New("transient")
	skipMark      = errors.New("skip")
)

// Transient marks err as a transient failure: the batch it belongs to must
// be aborted and requeued (e.g. a store write failure, a lock-acquire
// exhaustion, a missing metadata document).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, transientMark)
}

// Skip marks err as a per-item failure: the offending item is dropped and
// the rest of the batch proceeds (e.g. a malformed batch item).
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, skipMark)
}

// IsTransient reports whether err (or anything it wraps) was marked Transient.
func IsTransient(err error) bool {
	return errors.Is(err, transientMark)
}

// IsSkip reports whether err (or anything it wraps) was marked Skip.
func IsSkip(err error) bool {
	return errors.Is(err, skipMark)
}
