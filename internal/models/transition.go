package models

import "time"

// Cause records what pushed a transition through the pipeline.
type Cause string

const (
	CauseClientRequest  Cause = "client_request"
	CauseInitiator      Cause = "initiator"
	CauseRecovery       Cause = "recovery"
	CauseAdmin          Cause = "admin"
	CauseVerifyMismatch Cause = "verify_mismatch"
)

// Transition is an accepted state change, uniquely identified by
// (Resource, Seq). Seq is strictly increasing per resource.
type Transition struct {
	Resource  ResourceID   `json:"resource"`
	From      MachineState `json:"from"`
	To        MachineState `json:"to"`
	Cause     Cause        `json:"cause"`
	Actor     UserID       `json:"actor,omitempty"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
}

// StateRecord is the persisted last-known-good state of a resource. One
// record per resource, overwritten atomically.
type StateRecord struct {
	Resource  ResourceID   `json:"resource"`
	State     MachineState `json:"state"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
}

// Outcome of an actuator apply/verify round.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeVerified Outcome = "verified"
	OutcomeFailed   Outcome = "failed"
)

// ActuatorReport is an adapter's acknowledgement for a dispatched seq.
// Reason is set only for failed outcomes.
type ActuatorReport struct {
	Adapter string  `json:"adapter"`
	Seq     uint64  `json:"seq"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}
