package initiator

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Dummy alternates between claiming and releasing its machine on a fixed
// interval. Useful for exercising the pipeline without hardware.
type Dummy struct {
	name     string
	user     models.UserID
	interval time.Duration
	log      *zap.Logger
}

func newDummy(name string, params map[string]string, env Env) (Initiator, error) {
	interval := 10 * time.Second
	if raw, ok := params["interval"]; ok {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		interval = time.Duration(ms) * time.Millisecond
	}
	return &Dummy{
		name:     name,
		user:     params["user"],
		interval: interval,
		log:      env.Log.Named("dummy").With(zap.String("initiator", name)),
	}, nil
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	claimed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if claimed {
			sink.Propose(d.user, models.Free())
		} else {
			sink.Propose(d.user, models.InUse(d.user))
		}
		claimed = !claimed
		d.log.Debug("proposed toggle", zap.Bool("claimed", claimed))
	}
}
