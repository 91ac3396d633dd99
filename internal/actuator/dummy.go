package actuator

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Dummy is an adapter that always succeeds. An optional "delay" parameter
// (milliseconds) simulates slow hardware, which exercises the supersede
// path in tests and demos.
type Dummy struct {
	name  string
	delay time.Duration
	log   *zap.Logger
}

func newDummy(name string, params map[string]string, env Env) (Actuator, error) {
	var delay time.Duration
	if raw, ok := params["delay"]; ok {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		delay = time.Duration(ms) * time.Millisecond
	}
	return &Dummy{name: name, delay: delay, log: env.Log.Named("dummy")}, nil
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) Apply(ctx context.Context, state models.MachineState) error {
	d.log.Debug("apply", zap.String("adapter", d.name), zap.Stringer("state", state))
	return d.wait(ctx)
}

func (d *Dummy) Verify(ctx context.Context, state models.MachineState) error {
	d.log.Debug("verify", zap.String("adapter", d.name), zap.Stringer("state", state))
	return d.wait(ctx)
}

func (d *Dummy) wait(ctx context.Context) error {
	if d.delay == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
