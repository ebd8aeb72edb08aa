package schemas

import "time"

// Fingerprint is the fixed-width canonical hash of a screen (hex encoded).
type Fingerprint string

// EmptyFingerprint is reserved for snapshots without any elements.
const EmptyFingerprint Fingerprint = "00000000000000000000000000000000"

// SessionState is the lifecycle state of one exploration run.
type SessionState string

const (
	StateIdle                SessionState = "IDLE"
	StateRunning             SessionState = "RUNNING"
	StatePausedForLogin      SessionState = "PAUSED_FOR_LOGIN"
	StatePausedForPermission SessionState = "PAUSED_FOR_PERMISSION"
	StateCompleted           SessionState = "COMPLETED"
	StateAborted             SessionState = "ABORTED"
	StateFailed              SessionState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// IsPaused reports whether the session is waiting for an external resume.
func (s SessionState) IsPaused() bool {
	return s == StatePausedForLogin || s == StatePausedForPermission
}

// PauseReason explains why exploration stopped for user input.
type PauseReason string

const (
	PauseLoginGate        PauseReason = "LOGIN_GATE"
	PausePermissionPrompt PauseReason = "PERMISSION_PROMPT"
)

// PauseRequested is emitted once per gated screen.
type PauseRequested struct {
	SessionID   string      `json:"session_id"`
	AppID       string      `json:"app_id"`
	Reason      PauseReason `json:"reason"`
	Screen      Fingerprint `json:"screen"`
	RequestedAt time.Time   `json:"requested_at"`
}

// ProgressUpdate is a periodic, fire-and-forget status report.
type ProgressUpdate struct {
	SessionID          string        `json:"session_id"`
	AppID              string        `json:"app_id"`
	State              SessionState  `json:"state"`
	ScreensExplored    int           `json:"screens_explored"`
	ElementsDiscovered int           `json:"elements_discovered"`
	Depth              int           `json:"depth"`
	Elapsed            time.Duration `json:"elapsed"`
}

// NavigationEdge is one observed transition. Re-adding the same
// (From, Trigger, To) triple is a no-op.
type NavigationEdge struct {
	From       Fingerprint `json:"from"`
	Trigger    string      `json:"trigger"`
	To         Fingerprint `json:"to"`
	ObservedAt time.Time   `json:"observed_at"`
}

// GraphSnapshot is a read-only copy of an app's navigation multigraph.
type GraphSnapshot struct {
	AppID   string           `json:"app_id"`
	Screens []Fingerprint    `json:"screens"`
	Edges   []NavigationEdge `json:"edges"`
}

// ElementIdentity is the persistent identity of one element. Every field is
// derived from structure, so exploring an unchanged app again reproduces the
// same values. A structural change produces a new identity; existing ones are
// never mutated.
type ElementIdentity struct {
	ID           string `json:"id"`
	AppID        string `json:"app_id"`
	AppVersion   string `json:"app_version"`
	AncestorPath string `json:"ancestor_path"`
	Type         string `json:"type"`
	Text         string `json:"text"`
	Label        string `json:"label"`
	ResourceTag  string `json:"resource_tag"`
	ParentID     string `json:"parent_id,omitempty"`
}

// AliasSource tells whether a phrase was generated or entered by a user.
type AliasSource string

const (
	AliasAuto   AliasSource = "auto"
	AliasManual AliasSource = "manual"
)

// Alias maps a normalized phrase to an identity. Aliases are not unique.
type Alias struct {
	Phrase     string      `json:"phrase"`
	IdentityID string      `json:"identity_id"`
	AppID      string      `json:"app_id"`
	Source     AliasSource `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Candidate is one ranked answer of a phrase lookup.
type Candidate struct {
	IdentityID string      `json:"identity_id"`
	Phrase     string      `json:"phrase"`
	Source     AliasSource `json:"source"`
	Score      float64     `json:"score"`
	Exact      bool        `json:"exact"`
}

// SessionReport summarizes a finished exploration.
type SessionReport struct {
	SessionID          string        `json:"session_id"`
	AppID              string        `json:"app_id"`
	AppVersion         string        `json:"app_version"`
	State              SessionState  `json:"state"`
	Reason             string        `json:"reason,omitempty"`
	ScreensExplored    int           `json:"screens_explored"`
	ElementsDiscovered int           `json:"elements_discovered"`
	Edges              int           `json:"edges"`
	Elapsed            time.Duration `json:"elapsed"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// AppSummary describes one learned app in the store.
type AppSummary struct {
	AppID      string    `json:"app_id"`
	AppVersion string    `json:"app_version"`
	Screens    int       `json:"screens"`
	Identities int       `json:"identities"`
	Aliases    int       `json:"aliases"`
	UpdatedAt  time.Time `json:"updated_at"`
}
