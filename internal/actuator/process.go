package actuator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Process runs a subprocess with the serialized state as arguments. Exit
// code zero means success. The command is invoked as
//
//	<cmd> <args...> <adapter-name> <apply|verify> <status> [user|reason]
type Process struct {
	name string
	cmd  string
	args []string
	log  *zap.Logger
}

func newProcess(name string, params map[string]string, env Env) (Actuator, error) {
	cmd, ok := params["cmd"]
	if !ok || cmd == "" {
		return nil, fmt.Errorf("actuator %q: process module requires a cmd parameter", name)
	}
	var args []string
	if raw, ok := params["args"]; ok {
		args = strings.Fields(raw)
	}
	return &Process{name: name, cmd: cmd, args: args, log: env.Log.Named("process")}, nil
}

func (p *Process) Name() string { return p.name }

func (p *Process) Apply(ctx context.Context, state models.MachineState) error {
	return p.run(ctx, "apply", state)
}

func (p *Process) Verify(ctx context.Context, state models.MachineState) error {
	return p.run(ctx, "verify", state)
}

func (p *Process) run(ctx context.Context, verb string, state models.MachineState) error {
	argv := append([]string{}, p.args...)
	argv = append(argv, p.name, verb, string(state.Status))
	switch state.Status {
	case models.StatusInUse, models.StatusToCheck, models.StatusReserved:
		argv = append(argv, state.User)
	case models.StatusBlocked, models.StatusDisabled:
		if state.Reason != "" {
			argv = append(argv, state.Reason)
		}
	}

	out, err := exec.CommandContext(ctx, p.cmd, argv...).CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line != "" {
				p.log.Warn("subprocess output", zap.String("adapter", p.name), zap.String("line", line))
			}
		}
		return fmt.Errorf("process %s %s: %w", p.cmd, verb, err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			p.log.Debug("subprocess output", zap.String("adapter", p.name), zap.String("line", line))
		}
	}
	return nil
}
