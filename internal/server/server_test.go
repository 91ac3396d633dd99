package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/abergmeier/fabaccess-server/internal/config"
	"github.com/abergmeier/fabaccess-server/internal/machine"
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/policy"
	"github.com/abergmeier/fabaccess-server/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Listens: []config.Listen{{Address: "127.0.0.1"}},
		DBPath:  "unused",
		Machines: map[string]config.Machine{
			"laser": {
				Description: "Laser cutter",
				Disclose:    "lab.laser.disclose",
				Read:        "lab.laser.read",
				Write:       "lab.laser.write",
				Manage:      "lab.laser.manage",
			},
			"printer": {
				Disclose: "lab.printer.disclose",
				Read:     "lab.printer.read",
				Write:    "lab.printer.write",
				Manage:   "lab.printer.manage",
			},
		},
		Roles: map[string]policy.Role{
			"laseruser": {Permissions: []string{
				"lab.laser.disclose", "lab.laser.read", "lab.laser.write",
			}},
			"steward": {Parents: []string{"laseruser"}, Permissions: []string{"lab.*"}},
		},
	}
}

func buildTestServer(t *testing.T) (*Server, *storage.BadgerStore) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutUser("alice", []string{"laseruser"}))
	require.NoError(t, store.PutUser("carol", []string{"steward"}))

	s, err := Build(testConfig(), store, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, store
}

func TestClaimReleaseRoundtrip(t *testing.T) {
	s, store := buildTestServer(t)
	ctx := context.Background()

	seq, err := s.Claim(ctx, "alice", "laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	rec, err := store.GetState("laser")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInUse, rec.State.Status)
	assert.Equal(t, "alice", rec.State.User)

	seq, err = s.Release(ctx, "alice", "laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestClaimDeniedWithoutWrite(t *testing.T) {
	s, _ := buildTestServer(t)
	_, err := s.Claim(context.Background(), "alice", "printer")
	assert.True(t, machine.IsDenied(err))
}

func TestUnknownResource(t *testing.T) {
	s, _ := buildTestServer(t)
	_, err := s.Claim(context.Background(), "alice", "mill")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockUnblock(t *testing.T) {
	s, _ := buildTestServer(t)
	ctx := context.Background()

	// alice lacks manage
	_, err := s.Block(ctx, "alice", "laser", "broken lens")
	assert.True(t, machine.IsDenied(err))

	seq, err := s.Block(ctx, "carol", "laser", "broken lens")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = s.Claim(ctx, "alice", "laser")
	assert.True(t, machine.IsDenied(err), "blocked machines need manage")

	seq, err = s.Unblock(ctx, "carol", "laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestForceSet(t *testing.T) {
	s, _ := buildTestServer(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "alice", "laser")
	require.NoError(t, err)

	// carol forces the machine away from alice
	seq, err := s.ForceSet(ctx, "carol", "laser", models.ToCheck("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestSubscribeRequiresRead(t *testing.T) {
	s, _ := buildTestServer(t)
	ctx := context.Background()

	ack, err := s.Subscribe(ctx, "alice", "laser")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFree, ack.State.Status)
	ack.Sub.Close()

	_, err = s.Subscribe(ctx, "alice", "printer")
	assert.True(t, machine.IsDenied(err))
}

func TestListFiltersByDisclose(t *testing.T) {
	s, _ := buildTestServer(t)
	ctx := context.Background()

	infos := s.List(ctx, "alice")
	require.Len(t, infos, 1, "alice may not disclose the printer")
	assert.Equal(t, "laser", infos[0].ID)
	require.NotNil(t, infos[0].State, "alice holds read")
	assert.Equal(t, models.StatusFree, infos[0].State.Status)

	infos = s.List(ctx, "carol")
	assert.Len(t, infos, 2)

	infos = s.List(ctx, "nobody")
	assert.Empty(t, infos)
}

func TestConfigRoundTripThroughRender(t *testing.T) {
	// sanity: the in-code test config serializes and reparses
	cfg := testConfig()
	out, err := cfg.Render()
	require.NoError(t, err)
	var again config.Config
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, cfg.Machines, again.Machines)
}
