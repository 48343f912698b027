package dynablock

import "errors"

// Error taxonomy (spec.md §7). None of these are fatal to the host
// process: every failure downgrades gracefully to "no block, fall back
// to the interpreter". They are retained as typed sentinels purely so
// logging, metrics and tests can distinguish which path was taken.
var (
	// ErrTranslatorFault means FillBlock segfaulted (or otherwise
	// faulted) partway through filling a block. The half-built Block
	// is discarded.
	ErrTranslatorFault = errors.New("dynablock: translator faulted during fill")

	// ErrAllocFailed means the Native Code Arena could not satisfy an
	// allocation request.
	ErrAllocFailed = errors.New("dynablock: native allocation failed")

	// ErrLockContended means a try-lock acquisition of the translation
	// mutex failed. Not an error in the usual sense: the caller simply
	// retries later via the interpreter.
	ErrLockContended = errors.New("dynablock: translation mutex contended")

	// ErrHotPage means the guest address falls in the short-lived
	// suppression window after repeated invalidation.
	ErrHotPage = errors.New("dynablock: guest address is in a hot page")
)
