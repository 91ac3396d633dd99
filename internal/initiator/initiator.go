// Package initiator hosts the asynchronous producers of proposed state
// transitions: hardware buttons, NFC readers and similar sources feeding a
// resource's state machine. Proposals are best effort; rejections are only
// observable through the ordinary subscription stream.
package initiator

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Sink receives proposals. Implemented by *machine.Machine.
type Sink interface {
	Propose(actor models.UserID, target models.MachineState)
}

// Initiator is the module contract. Run blocks until ctx is cancelled.
type Initiator interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Env carries shared handles for module constructors.
type Env struct {
	Nats *nats.Conn // nil unless nats_url is configured
	Log  *zap.Logger
}

// Factory builds one initiator instance from its config entry.
type Factory func(name string, params map[string]string, env Env) (Initiator, error)

var modules = map[string]Factory{
	"Dummy": newDummy,
	"Nats":  newNats,
}

// New instantiates the named module.
func New(module, name string, params map[string]string, env Env) (Initiator, error) {
	factory, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("initiator %q: unknown module %q", name, module)
	}
	return factory(name, params, env)
}
