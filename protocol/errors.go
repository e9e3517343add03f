package protocol

import "github.com/pkg/errors"

// Sentinel errors classifying RPC outcomes, following the taxonomy of
// spec.md §7. Exactly as broker/client's ErrNotJournalBroker et al are
// constructed with errors.New and compared by identity, these are compared
// with errors.Cause(err) == ErrX (or errors.Is, for wrapped variants).
var (
	// ErrBrokenPromise indicates a reply channel was torn down before a
	// reply arrived; delivery status is unknown.
	ErrBrokenPromise = errors.New("broken promise")
	// ErrRequestMaybeDelivered indicates the request may have reached the
	// server and had effect, but no definite reply was observed.
	ErrRequestMaybeDelivered = errors.New("request maybe delivered")
	// ErrServerOverloaded is a retriable transport error signaling the
	// server declined the request due to load.
	ErrServerOverloaded = errors.New("server overloaded")
	// ErrFutureVersion is a retriable version-ordering error: the request
	// referenced a version the server hasn't caught up to yet.
	ErrFutureVersion = errors.New("future version")
	// ErrProcessBehind is a version-ordering error surfaced only once every
	// alternative has been tried in the current pass.
	ErrProcessBehind = errors.New("process behind")
	// ErrAllAlternativesFailed is raised when every alternative in a
	// non-fresh Alternatives set has been down longer than the configured
	// grace period; the caller should refresh its alternatives and retry.
	ErrAllAlternativesFailed = errors.New("all alternatives failed")
	// ErrTimedOut indicates a choose-first race against a delay future lost.
	ErrTimedOut = errors.New("timed out")
	// ErrPleaseReboot and ErrPleaseRebootDelete are control errors that
	// escape every wrapper unchanged.
	ErrPleaseReboot       = errors.New("please reboot")
	ErrPleaseRebootDelete = errors.New("please reboot and delete")

	// ErrUnknownProxy is returned by VersionCoordinator.GetCommitVersion
	// when the requesting commit proxy isn't registered in the current
	// generation.
	ErrUnknownProxy = errors.New("requesting proxy is not registered in the current generation")
	// ErrGenerationEnded is returned to callers of a Coordinator whose
	// generation has been superseded.
	ErrGenerationEnded = errors.New("version coordinator generation has ended")
	// ErrRequestNumOverflow is returned when a commit proxy's requestNum
	// would wrap a uint64 within one generation; this is never expected in
	// practice and indicates a misbehaving or compromised proxy.
	ErrRequestNumOverflow = errors.New("requestNum exceeds generation lifetime")
)
