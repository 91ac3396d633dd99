// Package server assembles the daemon from its configuration: store, policy
// oracle, actuator and initiator adapters, one state machine per configured
// machine, and the operation surface the RPC layer calls into.
package server

import (
	"context"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/actuator"
	"github.com/abergmeier/fabaccess-server/internal/bus"
	"github.com/abergmeier/fabaccess-server/internal/config"
	"github.com/abergmeier/fabaccess-server/internal/events"
	"github.com/abergmeier/fabaccess-server/internal/initiator"
	"github.com/abergmeier/fabaccess-server/internal/machine"
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/policy"
	"github.com/abergmeier/fabaccess-server/internal/registry"
	"github.com/abergmeier/fabaccess-server/internal/storage"
)

// ErrNotFound is returned for operations on unknown resources. Resources the
// caller may not disclose answer with the same error.
var ErrNotFound = errors.New("no such resource")

// ResourceInfo is one entry of the disclose-filtered listing.
type ResourceInfo struct {
	ID          models.ResourceID    `json:"id"`
	Description string               `json:"description,omitempty"`
	State       *models.MachineState `json:"state,omitempty"`
	Seq         uint64               `json:"seq,omitempty"`
}

// Server owns the running core.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	oracle    policy.Oracle
	registry  *registry.Registry
	publisher *events.Publisher
	mqttConn  mqtt.Client
	log       *zap.Logger

	initCancel context.CancelFunc
	fatal      chan error
}

// Build constructs and starts the core: opens adapters, hydrates every state
// machine from the store, and launches initiators. The returned server is
// serving (state machines running) but the transport is bound by the caller.
func Build(cfg *config.Config, store storage.Store, tracer trace.Tracer, log *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		store:  store,
		oracle: policy.NewOracle(cfg.Roles, store, log),
		log:    log.Named("server"),
		fatal:  make(chan error, 1),
	}

	if cfg.MqttURL != "" {
		conn, err := actuator.Connect(cfg.MqttURL, log)
		if err != nil {
			return nil, err
		}
		s.mqttConn = conn
	}
	if cfg.NatsURL != "" {
		pub, err := events.NewPublisher(cfg.NatsURL, log)
		if err != nil {
			return nil, err
		}
		s.publisher = pub
	}

	if err := s.buildMachines(tracer); err != nil {
		return nil, err
	}
	if err := s.startInitiators(); err != nil {
		return nil, err
	}
	return s, nil
}

// actorTargets resolves actor name → machine name from the connection edges.
func (s *Server) actorTargets() map[string]string {
	out := make(map[string]string, len(s.cfg.ActorConnections))
	for _, edge := range s.cfg.ActorConnections {
		out[edge.Adapter] = edge.Machine
	}
	return out
}

func (s *Server) buildMachines(tracer trace.Tracer) error {
	env := actuator.Env{Mqtt: s.mqttConn, Log: s.log}
	targets := s.actorTargets()

	// Instantiate adapters grouped by the machine they drive.
	workers := make(map[string][]*actuator.Worker)
	pending := make(map[string]*machine.Machine) // late-bound report targets
	for name, mod := range s.cfg.Actors {
		machineID, ok := targets[name]
		if !ok {
			s.log.Warn("actor has no machine connected, skipping", zap.String("actor", name))
			continue
		}
		act, err := actuator.New(mod.Module, name, mod.Params, env)
		if err != nil {
			return err
		}
		id := machineID
		report := func(r models.ActuatorReport) {
			if m := pending[id]; m != nil {
				m.Report(r)
			}
		}
		w := actuator.NewWorker(act, actuator.DefaultDeadline, report, s.log)
		workers[machineID] = append(workers[machineID], w)
		s.log.Info("actor loaded",
			zap.String("actor", name), zap.String("module", mod.Module),
			zap.String("machine", machineID))
	}

	machines := make(map[models.ResourceID]*machine.Machine, len(s.cfg.Machines))
	for name := range s.cfg.Machines {
		res := s.cfg.Resource(name)
		topic := bus.NewTopic(res.ID, bus.DefaultBuffer, s.log)

		var handles []machine.ActuatorHandle
		for _, w := range workers[name] {
			handles = append(handles, w)
		}
		m := machine.New(res, s.store, s.oracle, handles, topic, s.log,
			machine.WithTracer(tracer),
			machine.WithFatalHandler(s.escalate))
		machines[name] = m
		pending[name] = m

		if s.publisher != nil {
			s.mirror(topic, res.ID)
		}
	}

	// Workers before machines: reconciliation dispatches immediately.
	for _, ws := range workers {
		for _, w := range ws {
			w.Start()
		}
	}
	for name, m := range machines {
		if err := m.Start(); err != nil {
			return fmt.Errorf("start machine %s: %w", name, err)
		}
	}

	s.registry = registry.Build(machines)
	s.log.Info("machines started", zap.Int("count", s.registry.Len()))
	return nil
}

// mirror forwards a topic's events to NATS. Best effort: if the mirror falls
// behind far enough to be evicted it simply stops.
func (s *Server) mirror(topic *bus.Topic, resource models.ResourceID) {
	sub := topic.SubscribeBuffered(256)
	if sub == nil {
		return
	}
	go func() {
		for ev := range sub.Events() {
			s.publisher.Publish(ev)
		}
		if errors.Is(sub.Err(), bus.ErrEvicted) {
			s.log.Warn("event mirror evicted", zap.String("resource", resource))
		}
	}()
}

func (s *Server) startInitiators() error {
	targets := make(map[string]string, len(s.cfg.InitConnections))
	for _, edge := range s.cfg.InitConnections {
		targets[edge.Adapter] = edge.Machine
	}

	env := initiator.Env{Log: s.log}
	if s.publisher != nil {
		env.Nats = s.publisher.Conn()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.initCancel = cancel

	for name, mod := range s.cfg.Initiators {
		machineID, ok := targets[name]
		if !ok {
			s.log.Warn("initiator has no machine connected, skipping", zap.String("initiator", name))
			continue
		}
		m, ok := s.registry.Lookup(machineID)
		if !ok {
			return fmt.Errorf("initiator %q: unknown machine %q", name, machineID)
		}
		init, err := initiator.New(mod.Module, name, mod.Params, env)
		if err != nil {
			return err
		}
		go func(name string) {
			if err := init.Run(ctx, m); err != nil {
				s.log.Error("initiator stopped", zap.String("initiator", name), zap.Error(err))
			}
		}(name)
		s.log.Info("initiator loaded",
			zap.String("initiator", name), zap.String("module", mod.Module),
			zap.String("machine", machineID))
	}
	return nil
}

func (s *Server) escalate(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal delivers unrecoverable runtime errors (exit code 4 territory).
func (s *Server) Fatal() <-chan error { return s.fatal }

// Registry exposes the resource directory.
func (s *Server) Registry() *registry.Registry { return s.registry }

// ---------- operation surface ----------

func (s *Server) lookup(resource models.ResourceID) (*machine.Machine, error) {
	m, ok := s.registry.Lookup(resource)
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// Claim requests InUse{user} on resource.
func (s *Server) Claim(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return 0, err
	}
	return m.Request(ctx, user, models.InUse(user), models.CauseClientRequest)
}

// Release requests Free on resource.
func (s *Server) Release(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return 0, err
	}
	return m.Request(ctx, user, models.Free(), models.CauseClientRequest)
}

// ForceSet pushes an arbitrary target state; the legality table demands
// manage for anything a plain user could not do.
func (s *Server) ForceSet(ctx context.Context, user models.UserID, resource models.ResourceID, target models.MachineState) (uint64, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return 0, err
	}
	return m.Request(ctx, user, target, models.CauseAdmin)
}

// Block administratively locks the resource.
func (s *Server) Block(ctx context.Context, user models.UserID, resource models.ResourceID, reason string) (uint64, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return 0, err
	}
	return m.Request(ctx, user, models.Blocked(reason), models.CauseAdmin)
}

// Unblock returns a blocked resource to Free.
func (s *Server) Unblock(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return 0, err
	}
	return m.Request(ctx, user, models.Free(), models.CauseAdmin)
}

// Subscribe attaches user to resource's event stream. Requires the read
// permission.
func (s *Server) Subscribe(ctx context.Context, user models.UserID, resource models.ResourceID) (machine.SubscribeAck, error) {
	m, err := s.lookup(resource)
	if err != nil {
		return machine.SubscribeAck{}, err
	}
	res := m.Resource()
	if !s.oracle.Allowed(user, res.ReadPerm) {
		return machine.SubscribeAck{}, &machine.DeniedError{Missing: res.ReadPerm}
	}
	return m.Subscribe(ctx, 0)
}

// List enumerates resources the user may disclose; state is attached only
// when the user also holds read.
func (s *Server) List(_ context.Context, user models.UserID) []ResourceInfo {
	var out []ResourceInfo
	for _, m := range s.registry.Iter() {
		res := m.Resource()
		if !s.oracle.Allowed(user, res.DisclosePerm) {
			continue
		}
		info := ResourceInfo{ID: res.ID, Description: res.Description}
		if s.oracle.Allowed(user, res.ReadPerm) {
			if rec, err := s.store.GetState(res.ID); err == nil {
				state := rec.State
				info.State = &state
				info.Seq = rec.Seq
			}
		}
		out = append(out, info)
	}
	return out
}

// Shutdown stops initiators, drains every machine, and closes the shared
// connections. The store is synced but left open for the owner to close.
func (s *Server) Shutdown(ctx context.Context) {
	if s.initCancel != nil {
		s.initCancel()
	}
	for _, m := range s.registry.Iter() {
		m.Shutdown()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.mqttConn != nil {
		s.mqttConn.Disconnect(250)
	}
	if err := s.store.Sync(); err != nil {
		s.log.Error("final store sync failed", zap.Error(err))
	}
	s.log.Info("core stopped")
}
