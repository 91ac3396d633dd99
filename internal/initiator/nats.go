package initiator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Nats turns messages on a NATS subject into transition proposals. The
// payload is JSON:
//
//	{"status": "inuse", "user": "alice", "reason": ""}
//
// A missing or empty user makes the proposal anonymous, which subjects it to
// the machine's initiator_default_perm.
type Nats struct {
	name    string
	subject string
	conn    *nats.Conn
	log     *zap.Logger
}

type natsProposal struct {
	Status models.Status `json:"status"`
	User   models.UserID `json:"user,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

func newNats(name string, params map[string]string, env Env) (Initiator, error) {
	if env.Nats == nil {
		return nil, fmt.Errorf("initiator %q: Nats module requires nats_url to be configured", name)
	}
	subject := params["subject"]
	if subject == "" {
		subject = "fabaccess.initiators." + name
	}
	return &Nats{
		name:    name,
		subject: subject,
		conn:    env.Nats,
		log:     env.Log.Named("nats").With(zap.String("initiator", name)),
	}, nil
}

func (n *Nats) Name() string { return n.name }

func (n *Nats) Run(ctx context.Context, sink Sink) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var p natsProposal
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			n.log.Warn("undecodable proposal", zap.Error(err))
			return
		}
		if !models.ValidStatus(p.Status) {
			n.log.Warn("proposal with unknown status", zap.String("status", string(p.Status)))
			return
		}
		target := models.MachineState{Status: p.Status, User: p.User, Reason: p.Reason}
		sink.Propose(p.User, target)
	})
	if err != nil {
		return fmt.Errorf("initiator %q: subscribe %s: %w", n.name, n.subject, err)
	}
	n.log.Info("listening", zap.String("subject", n.subject))
	<-ctx.Done()
	return sub.Unsubscribe()
}
