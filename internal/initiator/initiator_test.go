package initiator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

type recordingSink struct {
	proposals chan models.MachineState
}

func (r *recordingSink) Propose(_ models.UserID, target models.MachineState) {
	r.proposals <- target
}

func TestDummyToggles(t *testing.T) {
	init, err := New("Dummy", "button", map[string]string{"interval": "10", "user": "alice"}, Env{Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, "button", init.Name())

	sink := &recordingSink{proposals: make(chan models.MachineState, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- init.Run(ctx, sink) }()

	first := <-sink.proposals
	second := <-sink.proposals
	assert.Equal(t, models.StatusInUse, first.Status)
	assert.Equal(t, "alice", first.User)
	assert.Equal(t, models.StatusFree, second.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("initiator did not stop")
	}
}

func TestUnknownModule(t *testing.T) {
	_, err := New("Ouija", "x", nil, Env{Log: zap.NewNop()})
	assert.Error(t, err)
}

func TestNatsRequiresConnection(t *testing.T) {
	_, err := New("Nats", "x", nil, Env{Log: zap.NewNop()})
	assert.Error(t, err)
}
