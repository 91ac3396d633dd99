// Package machine implements the per-resource coordination core: a
// single-writer state machine that integrates RPC requests, initiator
// proposals and actuator reports, enforces the transition legality table,
// persists accepted transitions before announcing them, and fans the result
// out to actuators and subscribers.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/bus"
	"github.com/abergmeier/fabaccess-server/internal/metrics"
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/policy"
	"github.com/abergmeier/fabaccess-server/internal/storage"
)

var (
	// ErrOverload means the mailbox was full; the caller should surface
	// Unavailable and back off.
	ErrOverload = errors.New("machine overloaded")
	// ErrShutdown means the machine no longer accepts commands.
	ErrShutdown = errors.New("machine shutting down")
	// ErrUnavailable covers internal failures (persistence) hidden from
	// callers.
	ErrUnavailable = errors.New("machine unavailable")
)

// DeniedError is returned when the legality table or the policy oracle
// rejects a request.
type DeniedError struct {
	Missing string // permission tag or requirement description
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied: missing %s", e.Missing)
}

// IsDenied reports whether err is a permission denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// Store is the slice of the durable store a machine uses.
type Store interface {
	GetState(models.ResourceID) (*models.StateRecord, error)
	PutState(*models.StateRecord) error
}

// ActuatorHandle is the worker surface a machine drives. Implemented by
// *actuator.Worker.
type ActuatorHandle interface {
	Name() string
	Apply(state models.MachineState, seq uint64)
	Verify(state models.MachineState, seq uint64)
	Close()
}

// mailboxSize bounds the command queue; enqueue on a full mailbox yields
// ErrOverload.
const mailboxSize = 32

// persistFailureLimit escalates repeated persistence failures to the fatal
// handler.
const persistFailureLimit = 3

type command interface{ isCommand() }

// Reply answers a Request.
type Reply struct {
	Seq uint64
	Err error
}

type requestCmd struct {
	actor  models.UserID // "" for anonymous proposals
	target models.MachineState
	cause  models.Cause
	reply  chan Reply // cap 1; nil for fire-and-forget proposals
}

type reportCmd struct {
	report models.ActuatorReport
}

// SubscribeAck carries the initial snapshot delivered on subscription.
type SubscribeAck struct {
	Sub      *bus.Subscriber
	State    models.MachineState
	Seq      uint64
	Verified bool
}

type subscribeCmd struct {
	buffer int
	reply  chan SubscribeAck
}

type shutdownCmd struct {
	done chan struct{}
}

func (requestCmd) isCommand()   {}
func (reportCmd) isCommand()    {}
func (subscribeCmd) isCommand() {}
func (shutdownCmd) isCommand()  {}

// Machine is one resource's state machine. All mutable fields below mailbox
// are owned by the worker goroutine.
type Machine struct {
	res    models.Resource
	store  Store
	oracle policy.Oracle
	topic  *bus.Topic
	acts   []ActuatorHandle
	log    *zap.Logger
	tracer trace.Tracer

	// onFatal is invoked (once per incident, from the worker) when the
	// machine considers the process unrecoverable, e.g. repeated persist
	// failures.
	onFatal func(error)

	mailbox chan command
	done    chan struct{}

	state           models.MachineState
	seq             uint64
	acks            map[string]models.Outcome
	verified        bool
	degraded        map[string]bool
	persistFailures int
}

// Option tweaks machine construction.
type Option func(*Machine)

// WithFatalHandler installs the process-fatal escalation hook.
func WithFatalHandler(f func(error)) Option {
	return func(m *Machine) { m.onFatal = f }
}

// WithTracer attaches a tracer; spans are emitted per accepted transition.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// New assembles a machine. Call Start to reconcile with the store and begin
// processing.
func New(res models.Resource, store Store, oracle policy.Oracle, acts []ActuatorHandle, topic *bus.Topic, log *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		res:      res,
		store:    store,
		oracle:   oracle,
		topic:    topic,
		acts:     acts,
		log:      log.Named("machine").With(zap.String("resource", res.ID)),
		mailbox:  make(chan command, mailboxSize),
		done:     make(chan struct{}),
		acks:     make(map[string]models.Outcome),
		degraded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resource returns the immutable description.
func (m *Machine) Resource() models.Resource { return m.res }

// Start performs startup reconciliation and launches the worker. The stored
// record is authoritative: every attached actuator is told to re-apply it.
func (m *Machine) Start() error {
	rec, err := m.store.GetState(m.res.ID)
	switch {
	case err == nil:
		m.state = rec.State
		m.seq = rec.Seq
		m.log.Info("restored persisted state",
			zap.Stringer("state", m.state), zap.Uint64("seq", m.seq))
	case errors.Is(err, storage.ErrNotFound):
		m.state = models.Free()
		m.seq = 0
		if err := m.store.PutState(m.record()); err != nil {
			return fmt.Errorf("machine %s: seed state: %w", m.res.ID, err)
		}
		m.log.Info("no previous state, seeded free")
	default:
		return fmt.Errorf("machine %s: load state: %w", m.res.ID, err)
	}

	m.resetAcks()
	for _, a := range m.acts {
		a.Apply(m.state, m.seq)
	}

	go m.run()
	return nil
}

// Request enqueues a state change on behalf of actor and waits for the
// outcome. If ctx expires the transition still completes; only the reply is
// discarded.
func (m *Machine) Request(ctx context.Context, actor models.UserID, target models.MachineState, cause models.Cause) (uint64, error) {
	reply := make(chan Reply, 1)
	cmd := requestCmd{actor: actor, target: target, cause: cause, reply: reply}
	if err := m.enqueue(cmd); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.Seq, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrShutdown
	}
}

// Propose enqueues an initiator proposal. Best effort: rejections and
// overload are only logged.
func (m *Machine) Propose(actor models.UserID, target models.MachineState) {
	cmd := requestCmd{actor: actor, target: target, cause: models.CauseInitiator}
	if err := m.enqueue(cmd); err != nil {
		m.log.Debug("proposal dropped", zap.Error(err))
	}
}

// Report delivers an actuator acknowledgement. Never blocks; on overload the
// report is dropped and the adapter will look degraded until its next round.
func (m *Machine) Report(r models.ActuatorReport) {
	if err := m.enqueue(reportCmd{report: r}); err != nil {
		m.log.Warn("actuator report dropped",
			zap.String("adapter", r.Adapter), zap.Error(err))
	}
}

// Subscribe attaches a sink and returns the current state snapshot.
func (m *Machine) Subscribe(ctx context.Context, buffer int) (SubscribeAck, error) {
	reply := make(chan SubscribeAck, 1)
	if err := m.enqueue(subscribeCmd{buffer: buffer, reply: reply}); err != nil {
		return SubscribeAck{}, err
	}
	select {
	case ack := <-reply:
		if ack.Sub == nil {
			return SubscribeAck{}, ErrShutdown
		}
		return ack, nil
	case <-ctx.Done():
		return SubscribeAck{}, ctx.Err()
	case <-m.done:
		return SubscribeAck{}, ErrShutdown
	}
}

// Shutdown drains the mailbox, closes the subscription stream and releases
// the actuators. Idempotent.
func (m *Machine) Shutdown() {
	cmd := shutdownCmd{done: make(chan struct{})}
	select {
	case m.mailbox <- cmd:
		<-cmd.done
	case <-m.done:
	}
}

func (m *Machine) enqueue(cmd command) error {
	select {
	case <-m.done:
		return ErrShutdown
	default:
	}
	select {
	case m.mailbox <- cmd:
		return nil
	case <-m.done:
		return ErrShutdown
	default:
		metrics.MailboxOverflows.WithLabelValues(m.res.ID).Inc()
		return ErrOverload
	}
}

func (m *Machine) run() {
	for raw := range m.mailbox {
		switch cmd := raw.(type) {
		case requestCmd:
			m.processRequest(cmd)
		case reportCmd:
			m.processReport(cmd.report)
		case subscribeCmd:
			m.processSubscribe(cmd)
		case shutdownCmd:
			m.processShutdown(cmd)
			return
		}
	}
}

func (m *Machine) record() *models.StateRecord {
	return &models.StateRecord{
		Resource:  m.res.ID,
		State:     m.state,
		Seq:       m.seq,
		Timestamp: time.Now().UTC(),
	}
}

func (m *Machine) resetAcks() {
	m.acks = make(map[string]models.Outcome, len(m.acts))
	m.verified = len(m.acts) == 0
}

func (m *Machine) reply(cmd requestCmd, r Reply) {
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

// allowed evaluates a legality cell for the given actor. Anonymous
// principals (initiator proposals without a user) are granted exactly the
// resource's initiator_default_perm rule.
func (m *Machine) allowed(req requirement, actor models.UserID, current models.MachineState) (bool, string) {
	if req.deny {
		return false, "no legal transition"
	}
	if req.noop {
		return true, ""
	}
	if req.owner {
		if owner, ok := current.Owner(); ok && actor != "" && actor == owner {
			return true, ""
		}
	}
	holds := func(perm string) bool {
		if actor != "" {
			return m.oracle.Allowed(actor, perm)
		}
		return m.res.InitiatorDefaultPerm != "" &&
			policy.RuleMatches(m.res.InitiatorDefaultPerm, perm)
	}
	if req.write && holds(m.res.WritePerm) {
		return true, ""
	}
	if req.manage && holds(m.res.ManagePerm) {
		return true, ""
	}
	switch {
	case req.write && req.manage:
		return false, m.res.WritePerm
	case req.manage:
		return false, m.res.ManagePerm
	case req.write:
		return false, m.res.WritePerm
	default:
		return false, "ownership"
	}
}

func (m *Machine) processRequest(cmd requestCmd) {
	if !models.ValidStatus(cmd.target.Status) {
		m.reply(cmd, Reply{Err: &DeniedError{Missing: "valid target state"}})
		return
	}

	req := classify(m.state, cmd.target, cmd.actor)
	ok, missing := m.allowed(req, cmd.actor, m.state)
	if !ok {
		metrics.Denials.WithLabelValues(m.res.ID).Inc()
		m.log.Debug("request denied",
			zap.String("actor", cmd.actor),
			zap.Stringer("target", cmd.target),
			zap.String("missing", missing))
		m.reply(cmd, Reply{Err: &DeniedError{Missing: missing}})
		return
	}

	// Idempotent no-op: same state by value bumps nothing.
	if cmd.target.Same(m.state) {
		m.reply(cmd, Reply{Seq: m.seq})
		return
	}

	if err := m.commit(cmd.target, cmd.cause, cmd.actor); err != nil {
		m.reply(cmd, Reply{Err: ErrUnavailable})
		m.persistenceRecovery(err)
		return
	}
	m.reply(cmd, Reply{Seq: m.seq})
}

// commit runs steps 3–7 of the accepted-transition pipeline: persist first,
// then update memory, broadcast, and dispatch to actuators.
func (m *Machine) commit(target models.MachineState, cause models.Cause, actor models.UserID) error {
	nextSeq := m.seq + 1
	if prev, ok := m.state.Owner(); ok {
		target.Previous = prev
	}
	if target.At.IsZero() {
		target.At = time.Now().UTC()
	}

	rec := &models.StateRecord{
		Resource:  m.res.ID,
		State:     target,
		Seq:       nextSeq,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.PutState(rec); err != nil {
		return err
	}
	m.persistFailures = 0

	if m.tracer != nil {
		_, span := m.tracer.Start(context.Background(), "machine.transition",
			trace.WithAttributes(
				attribute.String("resource", m.res.ID),
				attribute.String("cause", string(cause)),
				attribute.String("from", m.state.String()),
				attribute.String("to", target.String()),
				attribute.Int64("seq", int64(nextSeq)),
			))
		span.End()
	}

	m.log.Info("transition",
		zap.Stringer("from", m.state), zap.Stringer("to", target),
		zap.String("cause", string(cause)), zap.String("actor", actor),
		zap.Uint64("seq", nextSeq))
	metrics.Transitions.WithLabelValues(m.res.ID, string(cause)).Inc()

	m.state = target
	m.seq = nextSeq
	m.resetAcks()

	m.topic.Publish(bus.Event{
		Type:     bus.EventState,
		Resource: m.res.ID,
		State:    m.state,
		Seq:      m.seq,
		Cause:    cause,
	})
	for _, a := range m.acts {
		a.Apply(m.state, m.seq)
	}
	return nil
}

// persistenceRecovery disables the resource in memory after a failed put.
// No further persist attempt is made; repeated incidents escalate.
func (m *Machine) persistenceRecovery(cause error) {
	m.persistFailures++
	m.log.Error("state persistence failed",
		zap.Error(cause), zap.Int("failures", m.persistFailures))

	m.state = models.Disabled(models.ReasonPersistence)
	m.seq++
	m.resetAcks()
	metrics.Transitions.WithLabelValues(m.res.ID, string(models.CauseRecovery)).Inc()
	m.topic.Publish(bus.Event{
		Type:     bus.EventState,
		Resource: m.res.ID,
		State:    m.state,
		Seq:      m.seq,
		Cause:    models.CauseRecovery,
	})
	for _, a := range m.acts {
		a.Apply(m.state, m.seq)
	}

	if m.persistFailures >= persistFailureLimit && m.onFatal != nil {
		m.onFatal(fmt.Errorf("machine %s: %d consecutive persist failures: %w",
			m.res.ID, m.persistFailures, cause))
	}
}

func (m *Machine) processReport(r models.ActuatorReport) {
	switch {
	case r.Seq < m.seq:
		// Superseded round, the newer dispatch implicitly acknowledges it.
		return
	case r.Seq > m.seq:
		m.log.Warn("actuator reported future seq, discarding",
			zap.String("adapter", r.Adapter),
			zap.Uint64("reported", r.Seq), zap.Uint64("current", m.seq))
		return
	}

	switch r.Outcome {
	case models.OutcomeApplied:
		m.acks[r.Adapter] = models.OutcomeApplied
		for _, a := range m.acts {
			if a.Name() == r.Adapter {
				a.Verify(m.state, m.seq)
				break
			}
		}

	case models.OutcomeVerified:
		m.acks[r.Adapter] = models.OutcomeVerified
		m.degraded[r.Adapter] = false
		if m.allVerified() && !m.verified {
			m.verified = true
			m.log.Debug("all actuators verified", zap.Uint64("seq", m.seq))
			m.topic.Publish(bus.Event{
				Type:     bus.EventVerified,
				Resource: m.res.ID,
				State:    m.state,
				Seq:      m.seq,
			})
		}

	case models.OutcomeFailed:
		m.acks[r.Adapter] = models.OutcomeFailed
		m.degraded[r.Adapter] = true
		m.log.Warn("actuator failed",
			zap.String("adapter", r.Adapter), zap.String("reason", r.Reason))
		switch m.state.Status {
		case models.StatusBlocked, models.StatusDisabled:
			// Already out of service; nothing further to protect.
		default:
			if err := m.commit(models.Blocked(models.ReasonActuatorFailure),
				models.CauseVerifyMismatch, ""); err != nil {
				m.persistenceRecovery(err)
			}
		}
	}
}

func (m *Machine) allVerified() bool {
	if len(m.acts) == 0 {
		return true
	}
	for _, a := range m.acts {
		if m.acks[a.Name()] != models.OutcomeVerified {
			return false
		}
	}
	return true
}

func (m *Machine) processSubscribe(cmd subscribeCmd) {
	sub := m.topic.SubscribeBuffered(cmd.buffer)
	cmd.reply <- SubscribeAck{
		Sub:      sub,
		State:    m.state,
		Seq:      m.seq,
		Verified: m.verified,
	}
}

func (m *Machine) processShutdown(cmd shutdownCmd) {
	close(m.done)
	// Reject everything still queued behind us.
	for {
		select {
		case raw := <-m.mailbox:
			switch queued := raw.(type) {
			case requestCmd:
				m.reply(queued, Reply{Err: ErrShutdown})
			case subscribeCmd:
				queued.reply <- SubscribeAck{}
			case shutdownCmd:
				close(queued.done)
			}
		default:
			m.topic.Close()
			for _, a := range m.acts {
				a.Close()
			}
			m.log.Info("machine stopped")
			close(cmd.done)
			return
		}
	}
}
