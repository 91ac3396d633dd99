package api

import (
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/server"
)

// Wire messages of fabaccess.v1.AccessService. The service speaks JSON over
// gRPC; these structs are the schema.

type ClaimRequest struct {
	Resource string `json:"resource"`
}

type ReleaseRequest struct {
	Resource string `json:"resource"`
}

type ForceSetRequest struct {
	Resource string `json:"resource"`
	Status   string `json:"status"`
	User     string `json:"user,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type BlockRequest struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason,omitempty"`
}

type UnblockRequest struct {
	Resource string `json:"resource"`
}

// ActionReply acknowledges a committed transition with its sequence number.
type ActionReply struct {
	Seq uint64 `json:"seq"`
}

type ListRequest struct{}

type ListReply struct {
	Resources []server.ResourceInfo `json:"resources"`
}

type SubscribeRequest struct {
	Resource string `json:"resource"`
}

// StateEvent is one entry of a subscription stream. The first event carries
// the current state as a snapshot; subsequent ones follow live transitions.
type StateEvent struct {
	Type     string              `json:"type"`
	Resource string              `json:"resource"`
	State    models.MachineState `json:"state"`
	Seq      uint64              `json:"seq"`
	Cause    string              `json:"cause,omitempty"`
	Verified bool                `json:"verified,omitempty"`
}

const (
	EventSnapshot = "snapshot"
	EventState    = "state"
	EventVerified = "verified"
)
