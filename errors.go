package slaballoc

import "errors"

var (
	// ErrInvalidArgument covers caller usage bugs: malformed options, a
	// handle that does not belong to the expected slab, class or pool,
	// out-of-range ids, or an illegal mode/receiver combination.
	ErrInvalidArgument = errors.New("slaballoc: invalid argument")

	// ErrCorruption means a slab header named a class id outside the valid
	// range for its pool. The arena bookkeeping can no longer be trusted,
	// callers should escalate rather than retry.
	ErrCorruption = errors.New("slaballoc: corrupt slab header")

	// ErrReleaseAborted is returned from StartSlabRelease when the caller's
	// shouldAbort function signalled true. The release left no side effects
	// and can be retried later.
	ErrReleaseAborted = errors.New("slaballoc: slab release aborted")
)
