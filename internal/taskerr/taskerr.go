// Package taskerr defines the task-level error taxonomy shared by the Task
// Engine, Task Monitor, and submission entry point, and the translation from
// taxonomy kind to a user-visible response code.
package taskerr

// Kind classifies a task failure for reporting and for the submission
// entry's status-code translation. It is a taxonomy of failure modes, not a
// concrete Go error type — a Kind is attached to whatever underlying error
// actually occurred.
type Kind string

const (
	// KindInput covers empty text, invalid speaker, and oversized text.
	KindInput Kind = "InputError"
	// KindTransientProvider covers timeout, truncation, and provider-marked
	// retryable failures that survived all Segment Worker retries.
	KindTransientProvider Kind = "TransientProviderError"
	// KindFatalProvider covers authentication, quota, and other
	// non-retryable provider failures.
	KindFatalProvider Kind = "FatalProviderError"
	// KindStorage covers blob-put and persistence write failures.
	KindStorage Kind = "StorageError"
	// KindInternal covers unexpected failures outside the above kinds.
	KindInternal Kind = "InternalError"
)

// StatusCode returns the HTTP-style response code the submission entry
// reports for a given failure kind. ALREADY_RUNNING and DUPLICATE_CONTENT
// are Monitor outcomes rather than Kinds and are handled directly by the
// submission package.
func (k Kind) StatusCode() int {
	switch k {
	case KindInput:
		return 400
	case KindTransientProvider:
		return 503
	case KindStorage, KindInternal, KindFatalProvider:
		return 500
	default:
		return 500
	}
}
