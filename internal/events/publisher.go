// Package events mirrors the subscription bus onto NATS so that dashboards
// and automation outside the RPC surface can follow machine state.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/bus"
)

// SubjectPrefix scopes all mirrored events.
const SubjectPrefix = "fabaccess.events."

// Publisher owns the daemon's NATS connection.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewPublisher connects to the broker. The connection retries forever; only
// the initial connect can fail here.
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	log = log.Named("events")
	opts := []nats.Option{
		nats.Name("fabaccessd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, log: log}, nil
}

// Conn exposes the underlying connection for NATS-based initiators.
func (p *Publisher) Conn() *nats.Conn { return p.nc }

// Publish mirrors one bus event. Best effort: a broken connection is logged,
// never propagated into the transition pipeline.
func (p *Publisher) Publish(ev bus.Event) {
	if p.nc == nil || p.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("unencodable event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(SubjectPrefix+ev.Resource, payload); err != nil {
		p.log.Warn("publish failed", zap.String("resource", ev.Resource), zap.Error(err))
	}
}

// Close drains outstanding messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
