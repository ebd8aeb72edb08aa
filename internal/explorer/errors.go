package explorer

import "errors"

var (
	// ErrBudgetExceeded ends a session that went deeper or ran longer than
	// allowed. The session finishes as Aborted with its partial graph kept.
	ErrBudgetExceeded = errors.New("exploration budget exceeded")

	// ErrAborted is the cancellation cause set by Session.Abort.
	ErrAborted = errors.New("exploration aborted by caller")

	// ErrNotPaused is returned by Resume when the session is not waiting.
	ErrNotPaused = errors.New("session is not paused")

	// ErrSessionFinished is returned by Resume once the session has ended.
	ErrSessionFinished = errors.New("session already finished")

	// ErrUnrecoverable ends a session after too many platform failures in a
	// row. The session finishes as Failed.
	ErrUnrecoverable = errors.New("too many consecutive platform failures")
)
