package tm

import "errors"

// Validation errors. Returned synchronously; no state is mutated.
var (
	ErrInvalidName      = errors.New("invalid crawler name")
	ErrNameTaken        = errors.New("crawler name already in use")
	ErrDirectoryExists  = errors.New("crawler directory already exists")
	ErrNoTargets        = errors.New("no targets provided")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrTargetTooLong    = errors.New("target does not fit in a single rule")
	ErrDuplicateTargets = errors.New("another crawler already has the same targets")
)

// Lifecycle state errors.
var (
	ErrCrawlerNotFound = errors.New("crawler does not exist")
	ErrCrawlerActive   = errors.New("crawler is active and cannot be deleted")
	ErrAlreadyActive   = errors.New("crawler is already active")
	ErrAlreadyPaused   = errors.New("crawler is already paused")
)

// Capacity errors. Not fatal: the caller may retry with fewer targets.
var (
	// ErrInsufficientRules is returned by an Allocator that cannot fit the crawler's rules.
	ErrInsufficientRules = errors.New("not enough free rules")
	// ErrNoCapacity is returned when no allocator could fit the crawler's rules.
	ErrNoCapacity = errors.New("unable to find a credential with enough free rules")
)

// ErrProviderRejected wraps failures reported by the stream provider while
// submitting or retracting rules.
var ErrProviderRejected = errors.New("provider rejected the request")

// Startup errors.
var (
	ErrCapabilityUnknown = errors.New("unable to determine credential tier")
	ErrNoCredentials     = errors.New("no usable credentials")
	ErrMonitorExists     = errors.New("a monitor is already running in this process")
)

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	for _, target := range []error{ErrInvalidName, ErrNameTaken, ErrDirectoryExists, ErrNoTargets, ErrInvalidTarget, ErrTargetTooLong, ErrDuplicateTargets} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns the message reported to callers for a failed operation,
// or "" for a nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
