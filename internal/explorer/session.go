package explorer

import (
	"context"
	"sync"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// Session is one running exploration. All methods are safe for concurrent
// use; the exploration itself runs on a goroutine owned by the Engine.
type Session struct {
	id  string
	now func() time.Time

	mu         sync.Mutex
	state      schemas.SessionState
	reason     string
	appID      string
	appVersion string
	err        error
	flushErr   error

	startedAt  time.Time
	finishedAt time.Time
	// runningSince is zero while paused or finished; elapsed holds the
	// running time accumulated before it.
	runningSince time.Time
	elapsed      time.Duration

	screens  int
	elements int
	edges    int
	depth    int

	resume chan struct{}
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newSession(id string, now func() time.Time, cancel context.CancelCauseFunc) *Session {
	t := now()
	return &Session{
		id:           id,
		now:          now,
		state:        schemas.StateRunning,
		startedAt:    t,
		runningSince: t,
		resume:       make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AppID returns the explored app, empty until the first screen was read.
func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

// Resume lets a paused session continue. The caller is expected to have
// completed the login or permission prompt on the device first.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.IsTerminal():
		return ErrSessionFinished
	case !s.state.IsPaused():
		return ErrNotPaused
	}
	s.state = schemas.StateRunning
	s.runningSince = s.now()
	s.resume <- struct{}{}
	return nil
}

// Abort stops the session. Clean-up (backing out, flushing) still happens;
// wait on Done to observe the end. Calling Abort more than once is harmless.
func (s *Session) Abort() {
	s.cancel(ErrAborted)
}

// Done is closed once the session reached a terminal state and its results
// were flushed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (schemas.SessionReport, error) {
	select {
	case <-s.done:
		return s.Report(), s.Err()
	case <-ctx.Done():
		return s.Report(), ctx.Err()
	}
}

// Err returns why the session did not complete, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FlushErr returns the error of the final store flush, if any.
func (s *Session) FlushErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushErr
}

// Report summarizes the session so far.
func (s *Session) Report() schemas.SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.SessionReport{
		SessionID:          s.id,
		AppID:              s.appID,
		AppVersion:         s.appVersion,
		State:              s.state,
		Reason:             s.reason,
		ScreensExplored:    s.screens,
		ElementsDiscovered: s.elements,
		Edges:              s.edges,
		Elapsed:            s.runningLocked(),
		StartedAt:          s.startedAt,
		FinishedAt:         s.finishedAt,
	}
}

// RunningTime is how long the session has been exploring, excluding pauses.
func (s *Session) RunningTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Session) runningLocked() time.Duration {
	if s.runningSince.IsZero() {
		return s.elapsed
	}
	return s.elapsed + s.now().Sub(s.runningSince)
}

func (s *Session) progress() schemas.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.ProgressUpdate{
		SessionID:          s.id,
		AppID:              s.appID,
		State:              s.state,
		ScreensExplored:    s.screens,
		ElementsDiscovered: s.elements,
		Depth:              s.depth,
		Elapsed:            s.runningLocked(),
	}
}

func (s *Session) setApp(appID, appVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appID, s.appVersion = appID, appVersion
}

func (s *Session) pause(reason schemas.PauseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == schemas.PausePermissionPrompt {
		s.state = schemas.StatePausedForPermission
	} else {
		s.state = schemas.StatePausedForLogin
	}
	s.elapsed = s.runningLocked()
	s.runningSince = time.Time{}
}

func (s *Session) finish(state schemas.SessionState, reason string, err, flushErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed = s.runningLocked()
	s.runningSince = time.Time{}
	s.state = state
	s.reason = reason
	s.err = err
	s.flushErr = flushErr
	s.finishedAt = s.now()
}

func (s *Session) addScreen() {
	s.mu.Lock()
	s.screens++
	s.mu.Unlock()
}

func (s *Session) addElement() {
	s.mu.Lock()
	s.elements++
	s.mu.Unlock()
}

func (s *Session) addEdge() {
	s.mu.Lock()
	s.edges++
	s.mu.Unlock()
}

func (s *Session) setDepth(d int) {
	s.mu.Lock()
	s.depth = d
	s.mu.Unlock()
}
