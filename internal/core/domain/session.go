package domain

import "time"

type SessionState string

const (
	StateCollecting  SessionState = "collecting"
	StateAwaiting    SessionState = "awaiting_classification"
	StateClassifying SessionState = "classifying"
	StateCommitted   SessionState = "committed"
	StateFailed      SessionState = "failed"
)

// Session groups the RawFiles of one physical mail item. Membership is
// append-only while collecting and frozen once the session leaves that state.
type Session struct {
	ID             string                `json:"id"`
	MemberFileIDs  []string              `json:"member_file_ids"`
	State          SessionState          `json:"state"`
	OpenedAt       time.Time             `json:"opened_at"`
	ClosedAt       time.Time             `json:"closed_at,omitempty"`
	LastActivityAt time.Time             `json:"last_activity_at"`
	ForceClosed    bool                  `json:"force_closed,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	OutputPaths    *OutputPaths          `json:"output_paths,omitempty"`
	Diagnostic     *Diagnostic           `json:"diagnostic,omitempty"`
}

type OutputPaths struct {
	YAML     string `json:"yaml"`
	Markdown string `json:"markdown"`
}

// Diagnostic records why a session failed, with enough context for an
// operator to replay the stage by hand.
type Diagnostic struct {
	Stage      string    `json:"stage"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	ErrorKind  string    `json:"error_kind"`
	RawOutput  string    `json:"raw_output,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CanTransition encodes the legal state machine. Failed is reachable from
// every non-terminal state; committed and failed are terminal.
func (s SessionState) CanTransition(next SessionState) bool {
	if s == StateCommitted || s == StateFailed {
		return false
	}
	if next == StateFailed {
		return true
	}
	switch s {
	case StateCollecting:
		return next == StateAwaiting
	case StateAwaiting:
		return next == StateClassifying
	case StateClassifying:
		return next == StateCommitted
	default:
		return false
	}
}

func (s SessionState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}
