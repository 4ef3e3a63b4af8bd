package load

import "github.com/pkg/errors"

// ErrDuplicateKey marks an insert COPY that failed because a row with the
// same key already exists in the target. It is never surfaced to the
// caller of Loader.Run: it triggers the optimistic-to-pessimistic mode flip
// and a task restart instead.
var ErrDuplicateKey = errors.New("load: duplicate key")

// ErrCopyIO marks a failure of the COPY producer or consumer goroutine.
// Fatal for the task: the connection is dropped rather than released.
var ErrCopyIO = errors.New("load: copy I/O failure")

// ErrCommitFailed marks a failed COMMIT. Fatal for the task.
var ErrCommitFailed = errors.New("load: commit failed")
