package actuator

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Shelly toggles a Shelly smart relay over the shared MQTT session.
//
// Apply publishes "on"/"off" to shellies/<topic>/relay/0/command; Verify
// subscribes to shellies/<topic>/relay/0 and waits until the relay reports
// the expected payload or the round deadline expires. Machines in use are
// powered on, every other state powers the relay off.
type Shelly struct {
	name     string
	client   mqtt.Client
	cmdTopic string
	stTopic  string
	log      *zap.Logger
}

func newShelly(name string, params map[string]string, env Env) (Actuator, error) {
	if env.Mqtt == nil {
		return nil, fmt.Errorf("actuator %q: Shelly module requires mqtt_url to be configured", name)
	}
	topic := params["topic"]
	if topic == "" {
		topic = name
	}
	return &Shelly{
		name:     name,
		client:   env.Mqtt,
		cmdTopic: fmt.Sprintf("shellies/%s/relay/0/command", topic),
		stTopic:  fmt.Sprintf("shellies/%s/relay/0", topic),
		log:      env.Log.Named("shelly").With(zap.String("adapter", name)),
	}, nil
}

func (s *Shelly) Name() string { return s.name }

func payloadFor(state models.MachineState) string {
	if state.Status == models.StatusInUse {
		return "on"
	}
	return "off"
}

func (s *Shelly) Apply(ctx context.Context, state models.MachineState) error {
	pl := payloadFor(state)
	s.log.Debug("publishing relay command", zap.String("payload", pl))
	token := s.client.Publish(s.cmdTopic, 1, false, pl)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shelly) Verify(ctx context.Context, state models.MachineState) error {
	want := payloadFor(state)
	seen := make(chan string, 1)
	token := s.client.Subscribe(s.stTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case seen <- string(msg.Payload()):
		default:
		}
	})
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	defer s.client.Unsubscribe(s.stTopic)

	for {
		select {
		case got := <-seen:
			if got == want {
				return nil
			}
			s.log.Debug("relay reports unexpected state",
				zap.String("want", want), zap.String("got", got))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
