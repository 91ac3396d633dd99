package actuator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/metrics"
	"github.com/abergmeier/fabaccess-server/internal/models"
)

// DefaultDeadline bounds one apply or verify round unless the adapter
// configures its own.
const DefaultDeadline = 10 * time.Second

type kind int

const (
	kindApply kind = iota
	kindVerify
)

type task struct {
	kind  kind
	state models.MachineState
	seq   uint64
}

// Worker serializes the work of one adapter. The state machine hands it
// (seq, target) pairs; the worker runs at most one round at a time and
// reports outcomes through the report callback.
//
// Supersede rule: if a newer seq is dispatched while an older round is still
// running, the older round is cancelled and produces no report. The state
// machine treats the newer report as implicit acknowledgement.
type Worker struct {
	act      Actuator
	deadline time.Duration
	report   func(models.ActuatorReport)
	log      *zap.Logger

	mu       sync.Mutex
	pending  *task
	inflight *task
	cancel   context.CancelFunc

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// NewWorker wires a worker around act. report is invoked from the worker
// goroutine and must not block; Start launches the loop.
func NewWorker(act Actuator, deadline time.Duration, report func(models.ActuatorReport), log *zap.Logger) *Worker {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Worker{
		act:      act,
		deadline: deadline,
		report:   report,
		log:      log.Named("actuator").With(zap.String("adapter", act.Name())),
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Worker) Name() string { return w.act.Name() }

func (w *Worker) Start() {
	go w.run()
}

// Apply schedules an apply round for (state, seq), superseding any pending
// or in-flight older round. Never blocks.
func (w *Worker) Apply(state models.MachineState, seq uint64) {
	w.dispatch(task{kind: kindApply, state: state, seq: seq})
}

// Verify schedules a verify round for (state, seq).
func (w *Worker) Verify(state models.MachineState, seq uint64) {
	w.dispatch(task{kind: kindVerify, state: state, seq: seq})
}

func (w *Worker) dispatch(t task) {
	w.mu.Lock()
	w.pending = &t
	if w.inflight != nil && w.inflight.seq < t.seq && w.cancel != nil {
		// Cancel the superseded round; its outcome is never reported.
		w.cancel()
	}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Close cancels any in-flight round and stops the loop.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	close(w.quit)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.notify:
		}
		for {
			w.mu.Lock()
			t := w.pending
			w.pending = nil
			if t == nil {
				w.mu.Unlock()
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), w.deadline)
			w.inflight = t
			w.cancel = cancel
			w.mu.Unlock()

			w.runOne(ctx, t)
			cancel()

			w.mu.Lock()
			w.inflight = nil
			w.cancel = nil
			w.mu.Unlock()

			select {
			case <-w.quit:
				return
			default:
			}
		}
	}
}

func (w *Worker) runOne(ctx context.Context, t *task) {
	var err error
	switch t.kind {
	case kindApply:
		err = w.act.Apply(ctx, t.state)
	case kindVerify:
		err = w.act.Verify(ctx, t.state)
	}

	if err != nil && errors.Is(err, context.Canceled) {
		w.mu.Lock()
		superseded := w.pending != nil && w.pending.seq > t.seq
		w.mu.Unlock()
		if superseded {
			w.log.Debug("round superseded", zap.Uint64("seq", t.seq))
			return
		}
		select {
		case <-w.quit:
			// Abandoned by shutdown, no report.
			return
		default:
		}
	}

	switch {
	case err == nil:
		outcome := models.OutcomeApplied
		if t.kind == kindVerify {
			outcome = models.OutcomeVerified
		}
		w.report(models.ActuatorReport{Adapter: w.act.Name(), Seq: t.seq, Outcome: outcome})
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ActuatorFailures.WithLabelValues(w.act.Name()).Inc()
		w.log.Warn("round timed out", zap.Uint64("seq", t.seq))
		w.report(models.ActuatorReport{
			Adapter: w.act.Name(), Seq: t.seq,
			Outcome: models.OutcomeFailed, Reason: "timeout",
		})
	default:
		metrics.ActuatorFailures.WithLabelValues(w.act.Name()).Inc()
		w.log.Warn("round failed", zap.Uint64("seq", t.seq), zap.Error(err))
		w.report(models.ActuatorReport{
			Adapter: w.act.Name(), Seq: t.seq,
			Outcome: models.OutcomeFailed, Reason: err.Error(),
		})
	}
}
