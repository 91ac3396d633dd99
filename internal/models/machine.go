package models

import (
	"fmt"
	"time"
)

// ResourceID is the stable name of a managed machine, unique within a run.
type ResourceID = string

// UserID is the opaque identifier of an authenticated principal.
type UserID = string

// Status enumerates the machine state variants.
type Status string

const (
	StatusFree     Status = "free"
	StatusInUse    Status = "inuse"
	StatusToCheck  Status = "tocheck"
	StatusBlocked  Status = "blocked"
	StatusDisabled Status = "disabled"
	StatusReserved Status = "reserved"
)

// Reasons attached to internally synthesized Blocked/Disabled states.
const (
	ReasonActuatorFailure = "actuator_failure"
	ReasonPersistence     = "persistence"
)

// MachineState is the tagged state of a single machine. User is set for
// inuse/tocheck/reserved, Reason for blocked/disabled. Previous and At are
// carried metadata and do not participate in equality.
type MachineState struct {
	Status   Status    `json:"status"`
	User     UserID    `json:"user,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Previous UserID    `json:"previous,omitempty"`
	At       time.Time `json:"at"`
}

func Free() MachineState {
	return MachineState{Status: StatusFree, At: time.Now().UTC()}
}

func InUse(user UserID) MachineState {
	return MachineState{Status: StatusInUse, User: user, At: time.Now().UTC()}
}

func ToCheck(user UserID) MachineState {
	return MachineState{Status: StatusToCheck, User: user, At: time.Now().UTC()}
}

func Blocked(reason string) MachineState {
	return MachineState{Status: StatusBlocked, Reason: reason, At: time.Now().UTC()}
}

func Disabled(reason string) MachineState {
	return MachineState{Status: StatusDisabled, Reason: reason, At: time.Now().UTC()}
}

func Reserved(user UserID) MachineState {
	return MachineState{Status: StatusReserved, User: user, At: time.Now().UTC()}
}

// Same reports value equality of the state proper. Previous and At are
// bookkeeping; two states describing the same situation compare equal even if
// they were constructed at different times.
func (s MachineState) Same(o MachineState) bool {
	return s.Status == o.Status && s.User == o.User && s.Reason == o.Reason
}

// Owner returns the user embedded in the state, if any.
func (s MachineState) Owner() (UserID, bool) {
	switch s.Status {
	case StatusInUse, StatusToCheck, StatusReserved:
		return s.User, true
	}
	return "", false
}

func (s MachineState) String() string {
	switch s.Status {
	case StatusInUse, StatusToCheck, StatusReserved:
		return fmt.Sprintf("%s(%s)", s.Status, s.User)
	case StatusBlocked, StatusDisabled:
		if s.Reason != "" {
			return fmt.Sprintf("%s(%s)", s.Status, s.Reason)
		}
	}
	return string(s.Status)
}

// ValidStatus reports whether s is one of the known variants.
func ValidStatus(s Status) bool {
	switch s {
	case StatusFree, StatusInUse, StatusToCheck, StatusBlocked, StatusDisabled, StatusReserved:
		return true
	}
	return false
}
