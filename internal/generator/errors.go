package generator

import "errors"

// classifiedError marks a generation failure as transient (worth retrying
// with backoff) or permanent (fails the job immediately).
type classifiedError struct {
	err       error
	permanent bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err}
}

// Permanent wraps err as an unrecoverable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, permanent: true}
}

// IsPermanent reports whether err was classified permanent. Unclassified
// errors default to transient so a flaky collaborator never kills a job
// outright.
func IsPermanent(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.permanent
	}
	return false
}
