// Package actuator drives external hardware to reflect the authoritative
// machine state. Each configured adapter runs as an independent worker that
// receives target states, applies them with a bounded deadline, and reports
// apply/verify outcomes back to its state machine.
package actuator

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Actuator is the capability contract implemented by adapter modules.
// Apply drives the hardware towards state; Verify confirms the hardware
// currently reflects state. Both honor ctx cancellation.
type Actuator interface {
	Name() string
	Apply(ctx context.Context, state models.MachineState) error
	Verify(ctx context.Context, state models.MachineState) error
}

// Env carries the shared handles adapter constructors may need.
type Env struct {
	Mqtt mqtt.Client // nil unless mqtt_url is configured
	Log  *zap.Logger
}

// Factory builds one adapter instance from its config entry.
type Factory func(name string, params map[string]string, env Env) (Actuator, error)

var modules = map[string]Factory{
	"Dummy":   newDummy,
	"Process": newProcess,
	"Shelly":  newShelly,
}

// New instantiates the named module. Unknown module strings are a config
// error.
func New(module, name string, params map[string]string, env Env) (Actuator, error) {
	factory, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("actuator %q: unknown module %q", name, module)
	}
	return factory(name, params, env)
}

// Connect establishes the shared MQTT session used by every MQTT-based
// adapter. The client reconnects on its own; a failed first connect is
// surfaced so startup can abort.
func Connect(url string, log *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID("fabaccessd").
		SetAutoReconnect(true).
		SetOrderMatters(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.Info("mqtt connected", zap.String("url", url))
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", url, err)
	}
	return client, nil
}
