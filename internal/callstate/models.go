package callstate

import (
	"errors"
	"time"
)

// CallState is the ephemeral, per-call coordination record.
//
// Version increases by one on every successful write and is the
// compare-and-swap token for concurrent writers of the same call.
type CallState struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	Status        Status `json:"status"`
	CurrentNodeID string `json:"currentNodeId,omitempty"`

	FlowID      string `json:"flowId,omitempty"`
	FlowVersion int    `json:"flowVersion,omitempty"`

	Participants []Participant  `json:"participants"`
	Timers       []Timer        `json:"timers"`
	Metadata     map[string]any `json:"metadata"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ActiveStatuses are the statuses that count against a target's concurrency.
var ActiveStatuses = []Status{StatusInitiated, StatusRinging, StatusAnswered}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Active() bool {
	return s == StatusInitiated || s == StatusRinging || s == StatusAnswered
}

var statusRank = map[Status]int{
	StatusInitiated: 0,
	StatusRinging:   1,
	StatusAnswered:  2,
	StatusCompleted: 3,
}

// CanTransition reports whether a call may move from one status to another.
// Progress is forward-only (steps may be skipped), failed is reachable from any
// non-terminal status, and terminal statuses never change.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

type ParticipantRole string

const (
	RoleCaller ParticipantRole = "caller"
	RoleCallee ParticipantRole = "callee"
	RoleAgent  ParticipantRole = "agent"
)

type Participant struct {
	ID       string          `json:"id"`
	Number   string          `json:"number,omitempty"`
	Role     ParticipantRole `json:"role"`
	Status   string          `json:"status"`
	JoinedAt time.Time       `json:"joinedAt"`
	LeftAt   *time.Time      `json:"leftAt,omitempty"`
}

type Timer struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartedAt   time.Time  `json:"startedAt"`
	DurationMs  int64      `json:"durationMs"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched; Metadata keys are
// merged into the existing map.
type Patch struct {
	Status        *Status
	CurrentNodeID *string
	Metadata      map[string]any
}

type ParticipantPatch struct {
	Status *string
	LeftAt *time.Time
}

type TimerPatch struct {
	CompletedAt *time.Time
}

var (
	ErrInvalidArgument     = errors.New("callstate: invalid argument")
	ErrInvalidTransition   = errors.New("callstate: invalid status transition")
	ErrConflict            = errors.New("callstate: too many concurrent writers")
	ErrParticipantNotFound = errors.New("callstate: participant not found")
	ErrTimerNotFound       = errors.New("callstate: timer not found")
)

func (c CallState) clone() CallState {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.Timers = append([]Timer(nil), c.Timers...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
